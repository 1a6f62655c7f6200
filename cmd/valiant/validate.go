// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Vusisean11/valiant/pkg/config"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/repository"
)

type validateResult struct {
	Path    string        `json:"path"`
	Config  checkResult   `json:"config"`
	Agents  []checkResult `json:"agents"`
	Overall string        `json:"overall"`
}

type checkResult struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"` // "ok", "warn", "error"
	Message  string   `json:"message,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check agent definitions",
		Long: `Load and compile every agent definition in dir (default: repository.path)
and report every problem found: unknown references, relationship cycles,
exclusive pairs without a priority, tool dependency cycles and more.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Repository.Path
			if len(args) == 1 {
				dir = args[0]
			}
			res := runValidate(a.cfg, dir)
			if err := printValidate(cmd.OutOrStdout(), res, rootFlags.JSON); err != nil {
				return err
			}
			if res.Overall == "error" {
				e := errors.New(errors.CodeConfiguration, "validation failed", nil).WithContext("path", dir)
				return NewCLIError(e, "fix the problems listed above")
			}
			return nil
		},
	}
}

func runValidate(cfg *config.Config, dir string) validateResult {
	res := validateResult{Path: dir, Agents: []checkResult{}, Config: checkConfig(cfg)}

	defs, err := repository.LoadDir(dir)
	if err != nil {
		res.Agents = append(res.Agents, checkResult{Name: dir, Status: "error", Message: err.Error()})
	}
	if err == nil && len(defs) == 0 {
		res.Agents = append(res.Agents, checkResult{Name: dir, Status: "warn", Message: "no agent definitions found"})
	}
	for _, def := range defs {
		res.Agents = append(res.Agents, checkAgent(def))
	}

	res.Overall = "ok"
	for _, r := range append([]checkResult{res.Config}, res.Agents...) {
		switch r.Status {
		case "error":
			res.Overall = "error"
		case "warn":
			if res.Overall == "ok" {
				res.Overall = "warn"
			}
		}
	}
	return res
}

func checkConfig(cfg *config.Config) checkResult {
	r := checkResult{Name: "config", Status: "ok"}
	if cfg.LLM.Provider == "mock" {
		r.Status = "warn"
		r.Message = "llm.provider is mock: conditions never match"
	}
	return r
}

func checkAgent(def repository.Definition) checkResult {
	r := checkResult{Name: def.Agent, Status: "ok"}
	v, err := repository.Compile(def)
	if err != nil {
		r.Status = "error"
		var ve *repository.ValidationError
		if stderrors.As(err, &ve) {
			r.Problems = ve.Problems
			r.Message = fmt.Sprintf("%d problem(s)", len(ve.Problems))
		} else {
			r.Message = err.Error()
		}
		return r
	}
	r.Message = fmt.Sprintf("%d guidelines, %d journeys, %d tools",
		len(v.Guidelines()), len(v.Journeys()), len(v.Definition().Tools))
	return r
}

func printValidate(w io.Writer, res validateResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAILS")
	for _, r := range append([]checkResult{res.Config}, res.Agents...) {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
		for _, p := range r.Problems {
			fmt.Fprintf(tw, "\t\t- %s\n", p)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\noverall: %s\n", res.Overall)
	return err
}
