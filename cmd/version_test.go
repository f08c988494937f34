package cmd

import (
	"testing"

	"github.com/kumo-org/kumo/internal/build"
)

func TestVersionCommand(t *testing.T) {
	testRunCommand(t, Version(), cmdTest{
		args:        []string{"version"},
		expectedOut: []string{build.Version},
	})
}
