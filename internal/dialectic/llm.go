package dialectic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"vigil/internal/collaborator"
	"vigil/internal/logging"
	"vigil/internal/types"
)

// reviewerSystemPrompt frames the collaborator as the counterparty in a
// recovery review. Replies must be a single JSON object so ExtractJSON can
// lift them out of any surrounding prose.
const reviewerSystemPrompt = `You are the reviewer in a structured recovery review for a paused autonomous agent.
The agent was paused by a governance monitor because its behavioral metrics crossed safety thresholds.
Your job is to stress-test the agent's self-diagnosis and converge on safe resume conditions.
Always answer with exactly one JSON object and no other text. Use these fields:
  "root_cause": string, your best statement of the underlying cause
  "reasoning": string, your argument in two or three sentences
  "concerns": array of strings, unresolved risks you see
  "proposed_conditions": array of strings, concrete conditions for resuming
  "agrees": boolean, whether you accept the agent's latest position as-is
Never propose disabling, bypassing, or weakening monitoring or safety limits.`

// llmReply is the structured turn the collaborator returns.
type llmReply struct {
	RootCause          string   `json:"root_cause"`
	Reasoning          string   `json:"reasoning"`
	Concerns           []string `json:"concerns"`
	ProposedConditions []string `json:"proposed_conditions"`
	Agrees             *bool    `json:"agrees"`
}

// llmAntithesis asks the collaborator to counter the agent's thesis.
func (e *Engine) llmAntithesis(ctx context.Context, ds *types.DialecticSession, thesis Fields) (Fields, error) {
	var b strings.Builder
	b.WriteString("A paused agent opened its review with this thesis:\n\n")
	writeFields(&b, thesis)
	b.WriteString("\nProduce the antithesis: challenge the diagnosis, name the risks the thesis ignores, ")
	b.WriteString("and suggest modifications to the proposed conditions. Set \"agrees\" to false.")

	reply, err := e.llmTurn(ctx, ds, b.String())
	if err != nil {
		return Fields{}, err
	}
	if reply.Agrees == nil {
		f := false
		reply.Agrees = &f
	}
	return reply.toFields(), nil
}

// llmSynthesis asks the collaborator to answer the agent's latest synthesis.
// Agreement must repeat the agent's root cause and conditions verbatim, which
// is what the convergence check keys on.
func (e *Engine) llmSynthesis(ctx context.Context, ds *types.DialecticSession, latest Fields) (Fields, error) {
	msgs, err := e.store.DialecticMessages(ds.SessionID)
	if err != nil {
		return Fields{}, err
	}

	var b strings.Builder
	b.WriteString("Review transcript so far:\n\n")
	writeTranscript(&b, ds, msgs)
	b.WriteString("\nThe agent now submits this synthesis:\n\n")
	writeFields(&b, latest)
	b.WriteString("\nIf the root cause is credible and the proposed conditions are sufficient and safe, ")
	b.WriteString("set \"agrees\" to true and repeat the agent's root_cause and proposed_conditions exactly. ")
	b.WriteString("Otherwise set \"agrees\" to false and state your amendments.")

	reply, err := e.llmTurn(ctx, ds, b.String())
	if err != nil {
		return Fields{}, err
	}
	return reply.toFields(), nil
}

// llmTurn runs one collaborator call and parses the structured reply.
func (e *Engine) llmTurn(ctx context.Context, ds *types.DialecticSession, prompt string) (*llmReply, error) {
	if e.llm == nil {
		return nil, types.E(types.KindServiceUnavailable,
			"session %s is model-backed but no collaborator is configured", ds.SessionID)
	}

	raw, err := e.llm.CompleteWithSystem(ctx, reviewerSystemPrompt, prompt)
	if err != nil {
		return nil, types.Wrap(types.KindServiceUnavailable, err,
			"model collaborator call failed for session %s", ds.SessionID)
	}

	payload := collaborator.ExtractJSON(raw)
	if payload == "" {
		logging.DialecticWarn("Collaborator reply had no JSON object: session=%s len=%d", ds.SessionID, len(raw))
		return nil, types.E(types.KindServiceUnavailable,
			"model collaborator returned no parseable reply for session %s", ds.SessionID)
	}

	var reply llmReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return nil, types.Wrap(types.KindServiceUnavailable, err,
			"model collaborator reply did not parse for session %s", ds.SessionID)
	}
	if strings.TrimSpace(reply.Reasoning) == "" && strings.TrimSpace(reply.RootCause) == "" {
		return nil, types.E(types.KindServiceUnavailable,
			"model collaborator reply for session %s carried no reasoning or root cause", ds.SessionID)
	}
	return &reply, nil
}

func (r *llmReply) toFields() Fields {
	return Fields{
		Reasoning:          strings.TrimSpace(r.Reasoning),
		RootCause:          strings.TrimSpace(r.RootCause),
		Concerns:           r.Concerns,
		ProposedConditions: r.ProposedConditions,
		Agrees:             r.Agrees,
	}
}

// writeTranscript renders prior messages for the collaborator prompt.
func writeTranscript(b *strings.Builder, ds *types.DialecticSession, msgs []types.DialecticMessage) {
	for i := range msgs {
		m := &msgs[i]
		who := "reviewer"
		switch {
		case m.Author == ds.PausedUUID:
			who = "agent"
		case m.Author == uuid.Nil:
			who = "collaborator"
		}
		fmt.Fprintf(b, "[%d] %s by %s:\n", m.Ordinal, m.Type, who)
		writeFields(b, Fields{
			Reasoning:          m.Reasoning,
			RootCause:          m.RootCause,
			Concerns:           m.Concerns,
			ProposedConditions: m.ProposedConditions,
			ObservedMetrics:    m.ObservedMetrics,
			Agrees:             m.Agrees,
		})
		b.WriteString("\n")
	}
}

// writeFields renders one message's content as labeled lines.
func writeFields(b *strings.Builder, f Fields) {
	if f.RootCause != "" {
		fmt.Fprintf(b, "root_cause: %s\n", f.RootCause)
	}
	if f.Reasoning != "" {
		fmt.Fprintf(b, "reasoning: %s\n", f.Reasoning)
	}
	if len(f.Concerns) > 0 {
		fmt.Fprintf(b, "concerns: %s\n", strings.Join(f.Concerns, "; "))
	}
	if len(f.ProposedConditions) > 0 {
		fmt.Fprintf(b, "proposed_conditions: %s\n", strings.Join(f.ProposedConditions, "; "))
	}
	if len(f.ObservedMetrics) > 0 {
		keys := make([]string, 0, len(f.ObservedMetrics))
		for k := range f.ObservedMetrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.4f", k, f.ObservedMetrics[k]))
		}
		fmt.Fprintf(b, "observed_metrics: %s\n", strings.Join(parts, " "))
	}
	if f.Agrees != nil {
		fmt.Fprintf(b, "agrees: %v\n", *f.Agrees)
	}
}
