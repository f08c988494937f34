package cmd

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// cmdTest is a helper struct to test commands. It contains the arguments to
// the command and the expected output.
type cmdTest struct {
	args        []string
	expectedOut []string
}

// testRunCommand runs the command under a fresh root and checks the captured
// standard output.
func testRunCommand(t *testing.T, cmd *cobra.Command, test cmdTest) {
	t.Helper()

	root := &cobra.Command{Use: "root"}
	root.AddCommand(cmd)
	root.SetArgs(test.args)

	out := withSpool(t, func() {
		err := root.Execute()
		require.NoError(t, err)
	})

	for _, s := range test.expectedOut {
		require.Contains(t, out, s)
	}
}

// testRunCommandError runs the command expecting it to fail, checks the
// error message and any expected output, and returns the captured output.
func testRunCommandError(t *testing.T, cmd *cobra.Command, test cmdTest, errContains string) string {
	t.Helper()

	root := &cobra.Command{Use: "root", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(cmd)
	root.SetArgs(test.args)

	var execErr error
	out := withSpool(t, func() {
		execErr = root.Execute()
	})

	require.Error(t, execErr)
	if errContains != "" {
		require.Contains(t, execErr.Error(), errContains)
	}
	for _, s := range test.expectedOut {
		require.Contains(t, out, s)
	}
	return out
}

// withSpool temporarily buffers the standard output and returns it as a
// string. Tests in this package stay sequential because of this swap.
func withSpool(t *testing.T, testFunction func()) string {
	t.Helper()

	origStdout := os.Stdout

	r, w, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = w
	log.SetOutput(w)

	defer func() {
		os.Stdout = origStdout
		log.SetOutput(origStdout)
		_ = w.Close()
	}()

	testFunction()

	os.Stdout = origStdout
	_ = w.Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)

	return buf.String()
}

// writeDefinition writes a definition document into a temp dir and returns
// its path.
func writeDefinition(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
