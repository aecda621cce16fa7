package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var onboardModel string

// onboardCmd registers a new agent with the monitor.
var onboardCmd = &cobra.Command{
	Use:   "onboard [label]",
	Short: "Register a new agent and print its one-time API key",
	Long: `Registers an agent with the monitor. The label is optional; a generated
one is assigned when omitted. The API key is printed exactly once and
never stored in plaintext; keep it if you intend to act for this agent
from another session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnboard,
}

// identityCmd reports who this CLI session is bound to.
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show the agent bound to this CLI session",
	Args:  cobra.NoArgs,
	RunE:  runIdentity,
}

var agentsStatus string

// agentsCmd lists agents known to the monitor.
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents with their runtime metrics",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	onboardCmd.Flags().StringVar(&onboardModel, "model", "", "Model hint recorded in agent metadata")
	agentsCmd.Flags().StringVar(&agentsStatus, "status", "", "Filter by status (active, paused, waiting_input, archived, deleted)")
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext()
	defer cancel()

	req := map[string]interface{}{}
	if len(args) == 1 {
		req["agent_id"] = args[0]
	}
	if onboardModel != "" {
		req["model_hint"] = onboardModel
	}

	var res struct {
		UUID       string `json:"uuid"`
		AgentID    string `json:"agent_id"`
		APIKeyHint string `json:"api_key_hint"`
	}
	if err := cli.callInto(ctx, "onboard", req, &res); err != nil {
		return err
	}

	fmt.Println("Agent onboarded")
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("  agent_id: %s\n", res.AgentID)
	fmt.Printf("  uuid:     %s\n", res.UUID)
	fmt.Printf("  api_key:  %s\n", res.APIKeyHint)
	fmt.Println(strings.Repeat("─", 50))
	fmt.Println("The api_key is shown once and stored only as a hash.")
	fmt.Println("This session is now bound; updates need no key from here.")
	return nil
}

func runIdentity(cmd *cobra.Command, args []string) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext()
	defer cancel()

	raw, err := cli.call(ctx, "identity", nil)
	if err != nil {
		return err
	}
	printJSON(raw)
	return nil
}

func runAgents(cmd *cobra.Command, args []string) error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext()
	defer cancel()

	req := map[string]interface{}{}
	if agentsStatus != "" {
		req["status"] = agentsStatus
	}

	var rows []struct {
		UUID        string    `json:"uuid"`
		AgentID     string    `json:"agent_id"`
		Status      string    `json:"status"`
		Risk        float64   `json:"risk"`
		Verdict     string    `json:"verdict"`
		UpdateCount int64     `json:"update_count"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
	if err := cli.callInto(ctx, "list_agents", req, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Println("No agents found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Agent", "Status", "Risk", "Verdict", "Updates", "Updated", "UUID"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, r := range rows {
		verdict := r.Verdict
		if verdict == "" {
			verdict = "-"
		}
		table.Append([]string{
			r.AgentID,
			r.Status,
			fmt.Sprintf("%.2f", r.Risk),
			verdict,
			fmt.Sprintf("%d", r.UpdateCount),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"),
			r.UUID,
		})
	}
	table.Render()
	fmt.Printf("Total: %d agents\n", len(rows))
	return nil
}
