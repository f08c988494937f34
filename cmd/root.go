// Package cmd implements the kumo command line interface.
package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kumo-org/kumo/internal/build"
)

var (
	// cfgFile parameter
	cfgFile string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   build.Slug,
		Short: "Composable workflow execution kernel",
		Long: `Kumo runs workflow definitions built from agent, http, tool, and script
executors composed under serial, parallel, router, loop, and dag
orchestration.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and runs it. This is
// called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func registerCommands() {
	rootCmd.AddCommand(Run())
	rootCmd.AddCommand(Validate())
	rootCmd.AddCommand(Version())
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(
			&cfgFile, "config", "",
			"config file (default is $HOME/.config/kumo/config.yaml)",
		)

	cobra.OnInitialize(initialize)

	registerCommands()
}

func initialize() {
	// A .env in the working directory seeds driver credentials and other
	// process environment before anything reads it.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("$HOME/.config/kumo")
	}
	viper.SetEnvPrefix("KUMO")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}
