// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Vusisean11/valiant/pkg/engine"
	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/tools"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		agentID   string
		sessionID string
		customer  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to an agent from the terminal",
		Long: `Open an interactive session with an agent. Each line is a customer message.

Commands:
  /manual             switch the session to manual mode
  /auto               switch back to automatic responses
  /restart [journey]  restart the active (or named) journey
  /session            print the session state
  /quit               leave`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, a.cfg, a.logger, runtimeOverrides{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			c := &chat{
				engine:    rt.engine,
				sessionID: sessionID,
				agentID:   agentID,
				customer:  customer,
				out:       cmd.OutOrStdout(),
				json:      rootFlags.JSON,
			}
			return c.loop(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id (required)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to create or resume (default: random)")
	cmd.Flags().StringVar(&customer, "customer", "terminal", "customer id recorded on new sessions")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

type chat struct {
	engine    *engine.Engine
	sessionID string
	agentID   string
	customer  string
	out       io.Writer
	json      bool
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	if !c.json {
		fmt.Fprintf(c.out, "Session %s with agent %s. Type /quit to leave.\n", c.sessionID, c.agentID)
	}
	scanner := bufio.NewScanner(in)
	for {
		if !c.json {
			fmt.Fprint(c.out, "\n> ")
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			done, err := c.command(ctx, input)
			if err != nil {
				c.printError(err)
			}
			if done {
				return nil
			}
			continue
		}

		ev := engine.Message(input)
		ev.AgentID = c.agentID
		ev.CustomerID = c.customer
		res, err := c.engine.HandleEvent(ctx, c.sessionID, ev)
		if err != nil {
			c.printError(err)
			continue
		}
		c.printResult(res)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// command runs a slash command and reports whether the loop should end.
func (c *chat) command(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	var d repository.Directive
	switch strings.ToLower(parts[0]) {
	case "/quit", "/exit":
		return true, nil
	case "/manual":
		d = repository.Directive{Kind: repository.DirectiveSetMode, Mode: string(session.ModeManual)}
	case "/auto":
		d = repository.Directive{Kind: repository.DirectiveSetMode, Mode: string(session.ModeAuto)}
	case "/restart":
		d = repository.Directive{Kind: repository.DirectiveRestartJourney}
		if len(parts) > 1 {
			d.Journey = parts[1]
		}
	case "/session":
		sess, err := c.engine.Session(ctx, c.sessionID)
		if err != nil {
			return false, err
		}
		c.printJSON(sess)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", parts[0])
	}

	ev := engine.Control(d)
	ev.AgentID = c.agentID
	ev.CustomerID = c.customer
	res, err := c.engine.HandleEvent(ctx, c.sessionID, ev)
	if err != nil {
		return false, err
	}
	c.printResult(res)
	return false, nil
}

func (c *chat) printResult(res *engine.TurnResult) {
	if c.json {
		c.printJSON(res)
		return
	}
	for _, o := range res.ToolOutcomes {
		line := fmt.Sprintf("  [tool %s: %s]", o.ToolID, o.Status)
		if o.Status != tools.StatusSucceeded && o.Error != "" {
			line += " " + o.Error
		}
		fmt.Fprintln(c.out, line)
	}
	if res.Journey.Kind != journey.TransitionNone {
		fmt.Fprintf(c.out, "  [journey %s: %s]\n", res.Journey.Kind, describePointer(res.ActiveJourney))
	}
	switch {
	case res.Canceled:
		fmt.Fprintln(c.out, "(generation canceled)")
	case res.NoAutoResponse:
		fmt.Fprintf(c.out, "(no auto response, mode %s)\n", res.ControlMode)
	case res.Degraded:
		fmt.Fprintf(c.out, "%s\n  [degraded: %s]\n", res.Utterance, res.GenerationError)
	case res.Utterance == "":
		fmt.Fprintln(c.out, "(silence)")
	default:
		fmt.Fprintln(c.out, res.Utterance)
	}
}

func describePointer(p *journey.Pointer) string {
	if p == nil || p.JourneyID == "" {
		return "idle"
	}
	if p.StepID == "" {
		return p.JourneyID
	}
	return p.JourneyID + "/" + p.StepID
}

func (c *chat) printJSON(v any) {
	enc := json.NewEncoder(c.out)
	if !c.json {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func (c *chat) printError(err error) {
	if c.json {
		c.printJSON(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(c.out, "error: %v\n", err)
}
