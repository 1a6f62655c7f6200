// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/scenario"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

func newTestCmd(a *app) *cobra.Command {
	var (
		agentsDir string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "test <scenario-dir|scenario-file>...",
		Short: "Replay scripted conversations against agent definitions",
		Long: `Replay scenario files against the agents in repository.path (or --agents).
Conditions, tools and replies are scripted, so no model is called.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Repository.Path
			if agentsDir != "" {
				dir = agentsDir
			}
			repos := repository.NewRegistry(repository.WithLogger(telemetry.Component(a.logger, "repository")))
			if err := repos.Refresh(cmd.Context(), repository.FileSource{Dir: dir}); err != nil {
				return NewRepositoryError(err, dir)
			}

			var scenarios []*scenario.Scenario
			for _, arg := range args {
				loaded, err := loadScenarios(arg)
				if err != nil {
					return NewCLIError(errors.As(err), "check the scenario files")
				}
				scenarios = append(scenarios, loaded...)
			}

			runner := scenario.NewRunner(repos,
				scenario.WithLogger(telemetry.Component(a.logger, "scenario")),
				scenario.WithTimeout(timeout),
			)
			results, err := runScenarios(cmd.Context(), runner, scenarios)
			if err != nil {
				return err
			}
			if err := printScenarioResults(cmd.OutOrStdout(), results, rootFlags.JSON); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.Passed() {
					failed++
				}
			}
			if failed > 0 {
				e := errors.Newf(errors.CodeEvaluation, "%d of %d scenarios failed", failed, len(results))
				return NewCLIError(e, "see the failures listed above")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentsDir, "agents", "", "agent definitions directory (default: repository.path)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-scenario timeout")
	return cmd
}

func loadScenarios(path string) ([]*scenario.Scenario, error) {
	if repository.IsDefinitionFile(path) {
		s, err := scenario.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []*scenario.Scenario{s}, nil
	}
	return scenario.LoadDir(path)
}

func runScenarios(ctx context.Context, runner *scenario.Runner, scenarios []*scenario.Scenario) ([]*scenario.Result, error) {
	results := make([]*scenario.Result, 0, len(scenarios))
	for _, s := range scenarios {
		res, err := runner.Run(ctx, s)
		if err != nil {
			return nil, NewCLIError(errors.As(err).WithContext("scenario", s.Name), "check the scenario's agent id")
		}
		results = append(results, res)
	}
	return results, nil
}

func printScenarioResults(w io.Writer, results []*scenario.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	passed := 0
	for _, r := range results {
		status := "PASS"
		if r.Passed() {
			passed++
		} else {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s  %s (%d turns, %s)\n", status, r.Scenario, len(r.Turns), r.Duration.Round(time.Millisecond))
		for _, f := range r.Failures() {
			fmt.Fprintf(w, "      %s\n", f)
		}
	}
	_, err := fmt.Fprintf(w, "\n%d/%d scenarios passed\n", passed, len(results))
	return err
}
