package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	dialAgent      string
	dialKey        string
	dialReason     string
	dialMode       string
	dialSession    string
	dialReasoning  string
	dialRootCause  string
	dialConcerns   []string
	dialConditions []string
	dialMetrics    []string
	dialAgrees     bool
)

// dialecticCmd groups the recovery review protocol: request a session, then
// walk thesis, antithesis and synthesis until the parties converge.
var dialecticCmd = &cobra.Command{
	Use:   "dialectic",
	Short: "Drive the three-phase recovery review for a paused agent",
}

var dialecticRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Open a review session for the paused agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		req := map[string]interface{}{}
		if dialAgent != "" {
			req["agent_id"] = dialAgent
		}
		if dialKey != "" {
			req["api_key"] = dialKey
		}
		if dialReason != "" {
			req["reason"] = dialReason
		}
		if dialMode != "" {
			req["reviewer_mode"] = dialMode
		}
		var res struct {
			SessionID string `json:"session_id"`
			Reviewer  string `json:"reviewer"`
			LLMBacked bool   `json:"llm_backed"`
			Phase     string `json:"phase"`
		}
		if err := cli.callInto(ctx, "request_dialectic_review", req, &res); err != nil {
			return err
		}
		fmt.Printf("session: %s\n", res.SessionID)
		fmt.Printf("phase:   %s\n", res.Phase)
		switch {
		case res.LLMBacked:
			fmt.Println("reviewer: model collaborator")
		case res.Reviewer != "":
			fmt.Printf("reviewer: %s\n", res.Reviewer)
		}
		fmt.Println("next: vigil dialectic thesis --session", res.SessionID)
		return nil
	},
}

var dialecticShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a session record and its transcript",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dialSession == "" {
			return fmt.Errorf("--session is required")
		}
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		raw, err := cli.call(ctx, "get_dialectic", map[string]interface{}{"session_id": dialSession})
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

// submitDialectic builds one of the three submit subcommands. The protocol
// fields are shared; which ones matter depends on the phase.
func submitDialectic(use, short, op string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dialSession == "" {
				return fmt.Errorf("--session is required")
			}
			cli, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()

			req := map[string]interface{}{"session_id": dialSession}
			if dialAgent != "" {
				req["agent_id"] = dialAgent
			}
			if dialKey != "" {
				req["api_key"] = dialKey
			}
			if dialReasoning != "" {
				req["reasoning"] = dialReasoning
			}
			if dialRootCause != "" {
				req["root_cause"] = dialRootCause
			}
			if len(dialConcerns) > 0 {
				req["concerns"] = dialConcerns
			}
			if len(dialConditions) > 0 {
				req["proposed_conditions"] = dialConditions
			}
			if len(dialMetrics) > 0 {
				metrics, err := parseMetrics(dialMetrics)
				if err != nil {
					return err
				}
				req["observed_metrics"] = metrics
			}
			if cmd.Flags().Changed("agrees") {
				req["agrees"] = dialAgrees
			}

			var res struct {
				Phase      string `json:"phase"`
				Converged  bool   `json:"converged"`
				Rounds     int    `json:"rounds"`
				Resolution *struct {
					Action     string   `json:"action"`
					RootCause  string   `json:"root_cause"`
					Conditions []string `json:"conditions"`
					Reason     string   `json:"reason"`
				} `json:"resolution"`
			}
			if err := cli.callInto(ctx, op, req, &res); err != nil {
				return err
			}
			fmt.Printf("phase: %s  rounds: %d  converged: %v\n", res.Phase, res.Rounds, res.Converged)
			if r := res.Resolution; r != nil {
				fmt.Printf("resolution: %s\n", r.Action)
				if r.RootCause != "" {
					fmt.Printf("root cause: %s\n", r.RootCause)
				}
				for _, c := range r.Conditions {
					fmt.Printf("  condition: %s\n", c)
				}
				if r.Reason != "" {
					fmt.Printf("reason: %s\n", r.Reason)
				}
			}
			return nil
		},
	}
}

// parseMetrics turns repeated k=v flags into the observed_metrics map.
func parseMetrics(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--metric wants key=value, got %q", p)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("--metric %s: bad value %q", k, v)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

func init() {
	dialecticRequestCmd.Flags().StringVar(&dialReason, "reason", "", "Why the review is being requested")
	dialecticRequestCmd.Flags().StringVar(&dialMode, "mode", "", "Reviewer mode: auto or self")

	thesisCmd := submitDialectic("thesis", "Submit the paused agent's account of its failure", "submit_thesis")
	antithesisCmd := submitDialectic("antithesis", "Submit the reviewer's independent assessment", "submit_antithesis")
	synthesisCmd := submitDialectic("synthesis", "Submit a proposed resolution", "submit_synthesis")

	for _, c := range []*cobra.Command{dialecticRequestCmd, dialecticShowCmd, thesisCmd, antithesisCmd, synthesisCmd} {
		if c != dialecticRequestCmd {
			c.Flags().StringVar(&dialSession, "session", "", "Dialectic session id")
		}
		if c != dialecticShowCmd {
			c.Flags().StringVar(&dialAgent, "agent", "", "Agent label (defaults to the session-bound agent)")
			c.Flags().StringVar(&dialKey, "key", "", "API key for an agent not bound to this session")
		}
	}
	for _, c := range []*cobra.Command{thesisCmd, antithesisCmd, synthesisCmd} {
		c.Flags().StringVar(&dialReasoning, "reasoning", "", "Free-form reasoning for this message")
		c.Flags().StringVar(&dialRootCause, "root-cause", "", "Root cause statement")
		c.Flags().StringArrayVar(&dialConcerns, "concern", nil, "Concern to raise (repeatable)")
		c.Flags().StringArrayVar(&dialConditions, "condition", nil, "Proposed resume condition (repeatable)")
		c.Flags().StringArrayVar(&dialMetrics, "metric", nil, "Observed metric as key=value (repeatable)")
	}
	synthesisCmd.Flags().BoolVar(&dialAgrees, "agrees", false, "Whether this party accepts the other's position")

	dialecticCmd.AddCommand(dialecticRequestCmd, thesisCmd, antithesisCmd, synthesisCmd, dialecticShowCmd)
}
