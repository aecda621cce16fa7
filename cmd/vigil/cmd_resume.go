package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var (
	resumeAgent string
	resumeKey   string
)

// resumeCmd asks the monitor to reactivate a paused agent through the
// safety gate. A failing gate comes back as an error naming the metric.
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Reactivate a paused agent if the safety gate passes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		req := map[string]interface{}{}
		if resumeAgent != "" {
			req["agent_id"] = resumeAgent
		}
		if resumeKey != "" {
			req["api_key"] = resumeKey
		}
		var res struct {
			Resumed bool   `json:"resumed"`
			Reason  string `json:"reason"`
		}
		if err := cli.callInto(ctx, "direct_resume_if_safe", req, &res); err != nil {
			return err
		}
		if res.Resumed {
			fmt.Printf("resumed: %s\n", res.Reason)
		} else {
			fmt.Printf("not resumed: %s\n", res.Reason)
		}
		return nil
	},
}

// healthCmd prints the service health report.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check service health and aggregate counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		var res struct {
			Healthy       bool             `json:"healthy"`
			UptimeSeconds float64          `json:"uptime_seconds"`
			AgentsByState map[string]int   `json:"agents_by_state"`
			Counters      map[string]int64 `json:"counters"`
			StorageOK     bool             `json:"storage_ok"`
			VectorSearch  bool             `json:"vector_search"`
		}
		if err := cli.callInto(ctx, "health_check", map[string]interface{}{}, &res); err != nil {
			return err
		}

		status := "healthy"
		if !res.Healthy {
			status = "unhealthy"
		}
		fmt.Printf("status:  %s (uptime %.0fs)\n", status, res.UptimeSeconds)
		fmt.Printf("storage: ok=%v vector_search=%v\n", res.StorageOK, res.VectorSearch)

		states := make([]string, 0, len(res.AgentsByState))
		for k := range res.AgentsByState {
			states = append(states, k)
		}
		sort.Strings(states)
		for _, k := range states {
			fmt.Printf("agents.%s: %d\n", k, res.AgentsByState[k])
		}

		counters := make([]string, 0, len(res.Counters))
		for k := range res.Counters {
			counters = append(counters, k)
		}
		sort.Strings(counters)
		for _, k := range counters {
			fmt.Printf("%s: %d\n", k, res.Counters[k])
		}
		return nil
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeAgent, "agent", "", "Agent label (defaults to the session-bound agent)")
	resumeCmd.Flags().StringVar(&resumeKey, "key", "", "API key for an agent not bound to this session")
}
