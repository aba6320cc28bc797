// Package main is the entry point for the flowrun workflow executor. It serves
// the execution API and can run or plan a single definition file in-process.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowrun/internal/config"
	"github.com/pitabwire/flowrun/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// errExecutionFailed makes the process exit non-zero without printing usage.
var errExecutionFailed = errors.New("execution failed")

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "flowrun",
		Short:         "Run DAG workflows of api, data, notification, calculation, validation and cleanup steps",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (defaults and env only when empty)")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(loadConfig),
		newRunCmd(loadConfig),
		newPlanCmd(loadConfig),
	)
	return root
}
