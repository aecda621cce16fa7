package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	updateAgent      string
	updateKey        string
	updateComplexity float64
	updateParams     string
	updateDrift      string
	updateDecay      int
)

// updateCmd submits one governed turn for the bound (or named) agent.
var updateCmd = &cobra.Command{
	Use:   "update [response-text]",
	Short: "Submit one governed update and print the verdict",
	Long: `Submits one observed turn of agent work. The response text is the
positional argument, or stdin when the argument is "-" or absent.

Numeric vectors are comma-separated, e.g. --drift 0.1,0.2,0.1.
With --decay N the monitor instead advances N quiet turns, letting
strain and voltage relax; no response text is needed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateAgent, "agent", "", "Agent label (defaults to the session-bound agent)")
	updateCmd.Flags().StringVar(&updateKey, "key", "", "API key for an existing agent not bound to this session")
	updateCmd.Flags().Float64Var(&updateComplexity, "complexity", 0.5, "Task complexity in [0,1]")
	updateCmd.Flags().StringVar(&updateParams, "params", "", "Caller parameter vector, comma-separated floats")
	updateCmd.Flags().StringVar(&updateDrift, "drift", "", "Ethical drift vector, comma-separated floats")
	updateCmd.Flags().IntVar(&updateDecay, "decay", 0, "Advance N quiet decay turns instead of an update")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext()
	defer cancel()

	if updateDecay > 0 {
		req := map[string]interface{}{"turns": updateDecay}
		if updateAgent != "" {
			req["agent_id"] = updateAgent
		}
		if updateKey != "" {
			req["api_key"] = updateKey
		}
		var res updateResult
		if err := cli.callInto(ctx, "decay", req, &res); err != nil {
			return err
		}
		res.print()
		return nil
	}

	text, err := readResponseText(args)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"response_text": text,
		"complexity":    updateComplexity,
	}
	if updateAgent != "" {
		req["agent_id"] = updateAgent
	}
	if updateKey != "" {
		req["api_key"] = updateKey
	}
	if updateParams != "" {
		vec, err := parseFloats(updateParams)
		if err != nil {
			return fmt.Errorf("--params: %w", err)
		}
		req["parameters"] = vec
	}
	if updateDrift != "" {
		vec, err := parseFloats(updateDrift)
		if err != nil {
			return fmt.Errorf("--drift: %w", err)
		}
		req["ethical_drift"] = vec
	}

	var res updateResult
	if err := cli.callInto(ctx, "process_update", req, &res); err != nil {
		return err
	}
	res.print()
	return nil
}

// updateResult mirrors the process_update / decay response for display.
type updateResult struct {
	State struct {
		E float64 `json:"e"`
		I float64 `json:"i"`
		S float64 `json:"s"`
		V float64 `json:"v"`
	} `json:"state"`
	Coherence       *float64 `json:"coherence"`
	Risk            float64  `json:"risk"`
	Verdict         string   `json:"verdict"`
	VoidActive      bool     `json:"void_active"`
	Decision        string   `json:"decision"`
	Guidance        string   `json:"guidance"`
	LearningContext []string `json:"learning_context"`
	APIKeyHint      string   `json:"api_key_hint"`
}

func (r updateResult) print() {
	coherence := "unavailable"
	if r.Coherence != nil {
		coherence = fmt.Sprintf("%.3f", *r.Coherence)
	}
	fmt.Printf("verdict: %s\n", r.Verdict)
	fmt.Printf("state:   E=%.3f I=%.3f S=%.3f V=%+.3f\n", r.State.E, r.State.I, r.State.S, r.State.V)
	fmt.Printf("risk:    %.3f  coherence: %s  void: %v\n", r.Risk, coherence, r.VoidActive)
	if r.Guidance != "" {
		fmt.Printf("guidance: %s\n", r.Guidance)
	}
	for _, insight := range r.LearningContext {
		fmt.Printf("  · %s\n", insight)
	}
	if r.APIKeyHint != "" {
		fmt.Println(strings.Repeat("─", 50))
		fmt.Printf("new agent minted; api_key (shown once): %s\n", r.APIKeyHint)
	}
}

// readResponseText takes the positional argument or falls back to stdin.
func readResponseText(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("response text required (argument or stdin)")
	}
	return text, nil
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad float %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}
