package main

import (
	"errors"
	"fmt"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/infer"
	"github.com/barokg/backend/pkg/store/migrations"

	"github.com/spf13/cobra"
)

func databaseURL() (string, error) {
	url := util.GetEnv("DATABASE_URL")
	if url == "" {
		return "", errors.New("DATABASE_URL is not set")
	}
	return url, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	url, err := databaseURL()
	if err != nil {
		return err
	}
	return migrations.Up(url)
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	url, err := databaseURL()
	if err != nil {
		return err
	}
	return migrations.Down(url)
}

func runPatternsCheck(cmd *cobra.Command, args []string) error {
	var (
		patterns []infer.Pattern
		err      error
	)
	if len(args) == 1 {
		patterns, err = infer.LoadPatternFile(args[0])
	} else {
		patterns, err = infer.DefaultPatterns()
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range patterns {
		fmt.Fprintf(out, "%-28s %s(%s -> %s)\n", p.Name, p.Type, p.SubjectType, p.ObjectType)
	}
	fmt.Fprintf(out, "%d patterns OK\n", len(patterns))
	return nil
}
