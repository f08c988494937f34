package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type flagKind int

const (
	flagString flagKind = iota
	flagBool
	flagStringArray
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	kind                                 flagKind
	required                             bool
}

var (
	inputFlag = commandLineFlag{
		name:      "input",
		shorthand: "i",
		usage:     "initial input passed to the root executor",
	}
	varFlag = commandLineFlag{
		name:  "var",
		kind:  flagStringArray,
		usage: "seed variable as key=value (repeatable)",
	}
	executionIDFlag = commandLineFlag{
		name:      "execution-id",
		shorthand: "e",
		usage:     "execution id (generated when omitted)",
	}
	timeoutFlag = commandLineFlag{
		name:      "timeout",
		shorthand: "t",
		usage:     "cancel the run after this duration (e.g. 30s, 5m)",
	}
	quietFlag = commandLineFlag{
		name:      "quiet",
		shorthand: "q",
		kind:      flagBool,
		usage:     "suppress the live event feed",
	}
	formatFlag = commandLineFlag{
		name:         "format",
		shorthand:    "f",
		defaultValue: "text",
		usage:        "output format (text or json)",
	}
	metricsAddrFlag = commandLineFlag{
		name:  "metrics-addr",
		usage: "serve prometheus metrics on this address while running",
	}
	dotenvFlag = commandLineFlag{
		name:  "dotenv",
		kind:  flagStringArray,
		usage: "load environment from this dotenv file before running (repeatable)",
	}
)

func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	for _, flag := range flags {
		switch flag.kind {
		case flagBool:
			cmd.Flags().BoolP(flag.name, flag.shorthand, flag.defaultValue == "true", flag.usage)
		case flagStringArray:
			cmd.Flags().StringArrayP(flag.name, flag.shorthand, nil, flag.usage)
		default:
			cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

func bindFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	for _, flag := range flags {
		_ = viper.BindPFlag(flag.name, cmd.Flags().Lookup(flag.name))
	}
}
