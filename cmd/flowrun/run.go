package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pitabwire/flowrun/internal/config"
	"github.com/pitabwire/flowrun/internal/definition"
	"github.com/pitabwire/flowrun/internal/observability"
	"github.com/pitabwire/flowrun/model"
)

func newRunCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute one workflow definition and print the final execution as JSON",
		Long: "Execute one workflow definition in-process and print the final execution " +
			"snapshot as JSON. Exits 1 when the execution fails.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Observability.LogOutput = "stderr"

			f, err := definition.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			exec, err := runDefinition(ctx, cfg, f.WorkflowDefinition)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), exec); err != nil {
				return err
			}
			if exec.Status != model.ExecutionStatusCompleted {
				return errExecutionFailed
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting for the execution after this long (0 waits forever)")
	return cmd
}

func newPlanCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <file>",
		Short: "Print the order in which a definition's steps would run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Observability.LogOutput = "stderr"

			f, err := definition.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}

			a, err := newLocalApp(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer a.close(time.Second)

			order, err := a.engine.Plan(f.WorkflowDefinition)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"workflow": f.Name, "order": order})
		},
	}
}

// runDefinition executes def to a terminal state and returns the final
// snapshot.
func runDefinition(ctx context.Context, cfg *config.Config, def model.WorkflowDefinition) (model.WorkflowExecution, error) {
	a, err := newLocalApp(ctx, cfg)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	defer a.close(cfg.Server.ShutdownTimeout)

	id, err := a.engine.Submit(ctx, def)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if err := a.engine.Wait(ctx, id); err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("execution %s: %w", id, err)
	}
	return a.engine.Status(ctx, id)
}

// newLocalApp wires an app with a private metrics registry for one-shot
// commands.
func newLocalApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("logger error: %w", err)
	}
	return buildApp(ctx, cfg, logger, prometheus.NewRegistry())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
