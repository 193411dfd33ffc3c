package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/barokg/backend/internal/config"
	"github.com/barokg/backend/internal/engine"
	"github.com/barokg/backend/internal/queue"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	eng, err := engine.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(ctx, eng)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func updateMode() scheduler.Mode {
	if fullUpdate {
		return scheduler.ModeFull
	}
	return scheduler.ModeIncremental
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if !localUpdate {
		if !cfg.RabbitMQ.Enabled() {
			return errors.New("no broker configured, use --local to run the update here")
		}
		conn := queue.Init(cfg.RabbitMQ)
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel: %w", err)
		}
		defer ch.Close()
		if err := queue.SetupQueues(ch, queue.Queues); err != nil {
			return err
		}
		if err := queue.RequestUpdate(ch, updateMode(), requestedBy); err != nil {
			return fmt.Errorf("failed to queue update: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s update\n", updateMode())
		return nil
	}

	ctx := cmd.Context()
	eng, err := engine.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.Scheduler.Run(ctx, updateMode())
	if perr := printYAML(cmd.OutOrStdout(), report); perr != nil {
		return perr
	}
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
		stats, err := eng.Store.Stats(ctx)
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), struct {
			Scheduler scheduler.Status  `yaml:"scheduler"`
			Graph     common.GraphStats `yaml:"graph"`
		}{eng.Scheduler.Status(), stats})
	})
}

func runMerge(cmd *cobra.Command, args []string) error {
	if args[0] == args[1] {
		return errors.New("survivor and duplicate must differ")
	}
	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
		report, err := eng.Writer.Merge(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), report)
	})
}

func runCheckIndex(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
		dups, err := eng.Writer.CheckIndex(ctx)
		if errors.Is(err, common.ErrIndexCorruption) {
			if perr := printYAML(cmd.OutOrStdout(), dups); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "index OK")
		return nil
	})
}
