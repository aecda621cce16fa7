package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"vigil/internal/dialectic"
	"vigil/internal/governance"
	"vigil/internal/knowledge"
	"vigil/internal/types"
)

// Request bodies, one per operation. Every struct is decoded strictly, so a
// misspelled field fails loudly instead of silently dropping an argument.

type onboardRequest struct {
	AgentID   string `json:"agent_id,omitempty"`
	ModelHint string `json:"model_hint,omitempty"`
}

type processUpdateRequest struct {
	AgentID      string    `json:"agent_id,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
	ResponseText string    `json:"response_text"`
	Complexity   float64   `json:"complexity"`
	Parameters   []float64 `json:"parameters,omitempty"`
	EthicalDrift []float64 `json:"ethical_drift,omitempty"`
}

type decayRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Turns   int    `json:"turns,omitempty"`
}

type targetRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

type historyRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Format  string `json:"format,omitempty"` // full (default) | compact
}

type ownedRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
}

type reviewRequest struct {
	AgentID      string `json:"agent_id,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ReviewerMode string `json:"reviewer_mode,omitempty"` // auto (default) | self
}

type submitRequest struct {
	AgentID            string             `json:"agent_id,omitempty"`
	APIKey             string             `json:"api_key,omitempty"`
	SessionID          string             `json:"session_id"`
	Reasoning          string             `json:"reasoning,omitempty"`
	RootCause          string             `json:"root_cause,omitempty"`
	Concerns           []string           `json:"concerns,omitempty"`
	ProposedConditions []string           `json:"proposed_conditions,omitempty"`
	ObservedMetrics    map[string]float64 `json:"observed_metrics,omitempty"`
	Agrees             *bool              `json:"agrees,omitempty"`
}

type dialecticViewRequest struct {
	SessionID string `json:"session_id"`
}

type storeDiscoveryRequest struct {
	AgentID  string   `json:"agent_id,omitempty"`
	APIKey   string   `json:"api_key,omitempty"`
	Summary  string   `json:"summary"`
	Details  string   `json:"details,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Type     string   `json:"type,omitempty"` // discovery (default) | note
}

type searchDiscoveriesRequest struct {
	AgentID  string   `json:"agent_id,omitempty"`
	APIKey   string   `json:"api_key,omitempty"`
	Query    string   `json:"query,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Author   string   `json:"author,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

type leaveNoteRequest struct {
	AgentID string   `json:"agent_id,omitempty"`
	APIKey  string   `json:"api_key,omitempty"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type discoveryStatusRequest struct {
	AgentID     string `json:"agent_id,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	DiscoveryID string `json:"discovery_id"`
	Status      string `json:"status"`
}

type listAgentsRequest struct {
	Status string `json:"status,omitempty"`
}

type metadataRequest struct {
	AgentID  string                 `json:"agent_id,omitempty"`
	APIKey   string                 `json:"api_key,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Status   string                 `json:"status,omitempty"`
}

// Wire views. The transport never exposes internal records directly: the
// agent view drops the key hash, and the dialectic views pin field names
// independently of the store types.

type agentView struct {
	UUID       uuid.UUID              `json:"uuid"`
	AgentID    string                 `json:"agent_id"`
	Status     types.Status           `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ParentUUID *uuid.UUID             `json:"parent_uuid,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func toAgentView(rec *types.AgentRecord) agentView {
	return agentView{
		UUID:       rec.UUID,
		AgentID:    rec.AgentID,
		Status:     rec.Status,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		ParentUUID: rec.ParentUUID,
		Metadata:   rec.Metadata,
	}
}

type discoveryView struct {
	ID        uuid.UUID `json:"id"`
	Author    uuid.UUID `json:"author_uuid"`
	CreatedAt time.Time `json:"created_at"`
	Severity  string    `json:"severity"`
	Tags      []string  `json:"tags,omitempty"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details,omitempty"`
	Status    string    `json:"status"`
	Kind      string    `json:"kind"`
}

func toDiscoveryViews(ds []types.Discovery) []discoveryView {
	out := make([]discoveryView, len(ds))
	for i, d := range ds {
		out[i] = discoveryView{
			ID:        d.ID,
			Author:    d.Author,
			CreatedAt: d.CreatedAt,
			Severity:  d.Severity,
			Tags:      d.Tags,
			Summary:   d.Summary,
			Details:   d.Details,
			Status:    d.Status,
			Kind:      d.Kind,
		}
	}
	return out
}

type submitView struct {
	Phase      types.DialecticPhase `json:"phase"`
	Converged  bool                 `json:"converged"`
	Rounds     int                  `json:"rounds"`
	Resolution *types.Resolution    `json:"resolution,omitempty"`
}

func toSubmitView(res *dialectic.SubmitResult) *submitView {
	if res == nil {
		return nil
	}
	return &submitView{
		Phase:      res.Phase,
		Converged:  res.Converged,
		Rounds:     res.Rounds,
		Resolution: res.Resolution,
	}
}

type sessionView struct {
	SessionID    uuid.UUID            `json:"session_id"`
	PausedUUID   uuid.UUID            `json:"paused_uuid"`
	ReviewerUUID *uuid.UUID           `json:"reviewer_uuid,omitempty"`
	LLMBacked    bool                 `json:"llm_backed"`
	Phase        types.DialecticPhase `json:"phase"`
	Rounds       int                  `json:"rounds"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty"`
	Resolution   *types.Resolution    `json:"resolution,omitempty"`
}

type messageView struct {
	Ordinal            int                `json:"ordinal"`
	Type               types.MessageType  `json:"type"`
	Author             uuid.UUID          `json:"author_uuid"`
	Reasoning          string             `json:"reasoning,omitempty"`
	RootCause          string             `json:"root_cause,omitempty"`
	Concerns           []string           `json:"concerns,omitempty"`
	ProposedConditions []string           `json:"proposed_conditions,omitempty"`
	ObservedMetrics    map[string]float64 `json:"observed_metrics,omitempty"`
	Agrees             *bool              `json:"agrees,omitempty"`
	Signature          string             `json:"signature"`
	Timestamp          time.Time          `json:"ts"`
}

type dialecticView struct {
	Session    sessionView   `json:"session"`
	Transcript []messageView `json:"transcript"`
}

func toSessionView(ds *types.DialecticSession) sessionView {
	v := sessionView{
		SessionID:  ds.SessionID,
		PausedUUID: ds.PausedUUID,
		LLMBacked:  ds.LLMBacked,
		Phase:      ds.Phase,
		Rounds:     ds.Rounds,
		CreatedAt:  ds.CreatedAt,
		UpdatedAt:  ds.UpdatedAt,
		ResolvedAt: ds.ResolvedAt,
		Resolution: ds.Resolution,
	}
	if !ds.LLMBacked && ds.Reviewer != uuid.Nil {
		rid := ds.Reviewer
		v.ReviewerUUID = &rid
	}
	return v
}

// compactHistory is the format=compact history payload: one legend, numeric
// rows. Coherence is -1 where unavailable, matching the stored snapshot.
type compactHistory struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

func toCompactHistory(rows []types.StateSnapshot) compactHistory {
	out := compactHistory{
		Columns: []string{"ts_ms", "e", "i", "s", "v", "coherence", "risk", "lambda1"},
		Rows:    make([][]float64, len(rows)),
	}
	for i, r := range rows {
		out.Rows[i] = []float64{
			float64(r.RecordedAt.UnixMilli()),
			r.E, r.I, r.S, r.V, r.Coherence, r.Risk, r.Lambda1,
		}
	}
	return out
}

func parseUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, types.E(types.KindInvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, types.E(types.KindInvalidArgument, "%s is not a valid uuid: %q", field, s)
	}
	return id, nil
}

// registerAll builds the full operation table over the governance service.
// Timeouts bound one call end to end, lock wait included; the dialectic
// submits run longest because a collaborator turn may ride on them.
func registerAll(reg *Registry, svc *governance.Service) {
	reg.Register(Operation{
		Name: "onboard", Timeout: 10 * time.Second,
		Summary: "register a new agent and mint its api key",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req onboardRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return svc.Onboard(ctx, c, req.AgentID, req.ModelHint)
		},
	})

	reg.Register(Operation{
		Name: "identity", Timeout: 10 * time.Second,
		Summary: "report the agent bound to this session",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			if err := decodeArgs(args, &struct{}{}); err != nil {
				return nil, err
			}
			return svc.Identity(c)
		},
	})

	reg.Register(Operation{
		Name: "process_update", Timeout: 30 * time.Second, RequiresAuth: true,
		Summary: "advance one governed turn and return the verdict",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req processUpdateRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			return svc.ProcessUpdate(ctx, c, governance.UpdateRequest{
				ResponseText: req.ResponseText,
				Complexity:   req.Complexity,
				Parameters:   req.Parameters,
				EthicalDrift: req.EthicalDrift,
			})
		},
	})

	reg.Register(Operation{
		Name: "decay", Timeout: 30 * time.Second, RequiresAuth: true,
		Summary: "advance quiet turns so strain and voltage relax",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req decayRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			return svc.Decay(ctx, c, req.Turns)
		},
	})

	reg.Register(Operation{
		Name: "get_metrics", Timeout: 10 * time.Second,
		Summary: "current state snapshot plus recent history",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req targetRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID = req.AgentID
			return svc.GetMetrics(c)
		},
	})

	reg.Register(Operation{
		Name: "get_history", Timeout: 10 * time.Second,
		Summary: "bounded history slice, oldest first",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req historyRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID = req.AgentID
			rows, err := svc.GetHistory(c, req.Limit)
			if err != nil {
				return nil, err
			}
			switch req.Format {
			case "", "full":
				return rows, nil
			case "compact":
				return toCompactHistory(rows), nil
			default:
				return nil, types.E(types.KindInvalidArgument, "format must be full or compact, got %q", req.Format)
			}
		},
	})

	reg.Register(Operation{
		Name: "direct_resume_if_safe", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "reactivate a paused agent when the safety gate passes",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req ownedRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			return svc.DirectResumeIfSafe(ctx, c)
		},
	})

	reg.Register(Operation{
		Name: "request_dialectic_review", Timeout: 20 * time.Second, RequiresAuth: true,
		Summary: "open a recovery review for a paused agent",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req reviewRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			mode := req.ReviewerMode
			if mode == "" {
				mode = dialectic.ModeAuto
			}
			return svc.RequestReview(ctx, c, req.Reason, mode)
		},
	})

	submit := func(kind types.MessageType) Handler {
		return func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req submitRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			sid, err := parseUUID("session_id", req.SessionID)
			if err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			fields := dialectic.Fields{
				Reasoning:          req.Reasoning,
				RootCause:          req.RootCause,
				Concerns:           req.Concerns,
				ProposedConditions: req.ProposedConditions,
				ObservedMetrics:    req.ObservedMetrics,
				Agrees:             req.Agrees,
			}
			var res *dialectic.SubmitResult
			switch kind {
			case types.MessageThesis:
				res, err = svc.SubmitThesis(ctx, c, sid, fields)
			case types.MessageAntithesis:
				res, err = svc.SubmitAntithesis(ctx, c, sid, fields)
			default:
				res, err = svc.SubmitSynthesis(ctx, c, sid, fields)
			}
			if err != nil {
				// The round-cap escalation still carries the terminal state;
				// the transport reports the error, the result is lost by
				// contract (the session record remains queryable).
				return nil, err
			}
			return toSubmitView(res), nil
		}
	}

	// Collaborator turns ride on these, so they carry the longest deadline.
	reg.Register(Operation{
		Name: "submit_thesis", Timeout: 60 * time.Second, RequiresAuth: true,
		Summary: "paused agent's account of its own failure",
		Handle:  submit(types.MessageThesis),
	})
	reg.Register(Operation{
		Name: "submit_antithesis", Timeout: 60 * time.Second, RequiresAuth: true,
		Summary: "reviewer's independent assessment",
		Handle:  submit(types.MessageAntithesis),
	})
	reg.Register(Operation{
		Name: "submit_synthesis", Timeout: 60 * time.Second, RequiresAuth: true,
		Summary: "one party's proposed resolution",
		Handle:  submit(types.MessageSynthesis),
	})

	reg.Register(Operation{
		Name: "get_dialectic", Timeout: 10 * time.Second,
		Summary: "session record plus full transcript",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req dialecticViewRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			sid, err := parseUUID("session_id", req.SessionID)
			if err != nil {
				return nil, err
			}
			ds, err := svc.DialecticSession(sid)
			if err != nil {
				return nil, err
			}
			msgs, err := svc.DialecticTranscript(sid)
			if err != nil {
				return nil, err
			}
			view := dialecticView{Session: toSessionView(ds), Transcript: make([]messageView, len(msgs))}
			for i, m := range msgs {
				view.Transcript[i] = messageView{
					Ordinal:            m.Ordinal,
					Type:               m.Type,
					Author:             m.Author,
					Reasoning:          m.Reasoning,
					RootCause:          m.RootCause,
					Concerns:           m.Concerns,
					ProposedConditions: m.ProposedConditions,
					ObservedMetrics:    m.ObservedMetrics,
					Agrees:             m.Agrees,
					Signature:          m.Signature,
					Timestamp:          m.Timestamp,
				}
			}
			return view, nil
		},
	})

	reg.Register(Operation{
		Name: "store_discovery", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "record a shared insight in the knowledge graph",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req storeDiscoveryRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			id, err := svc.StoreDiscovery(ctx, c, knowledge.Entry{
				Summary:  req.Summary,
				Details:  req.Details,
				Tags:     req.Tags,
				Severity: req.Severity,
				Kind:     req.Type,
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"discovery_id": id.String()}, nil
		},
	})

	reg.Register(Operation{
		Name: "search_discoveries", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "ranked knowledge search",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req searchDiscoveriesRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			q := knowledge.Query{
				Text:     req.Query,
				Tags:     req.Tags,
				Severity: req.Severity,
				Limit:    req.Limit,
			}
			if req.Author != "" {
				author, err := parseUUID("author", req.Author)
				if err != nil {
					return nil, err
				}
				q.Author = author
			}
			ds, err := svc.SearchDiscoveries(ctx, c, q)
			if err != nil {
				return nil, err
			}
			return toDiscoveryViews(ds), nil
		},
	})

	reg.Register(Operation{
		Name: "leave_note", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "store a short note under the caller's authorship",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req leaveNoteRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			id, err := svc.LeaveNote(ctx, c, req.Content, req.Tags)
			if err != nil {
				return nil, err
			}
			return map[string]string{"discovery_id": id.String()}, nil
		},
	})

	reg.Register(Operation{
		Name: "update_discovery_status", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "move a discovery through its review lifecycle",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req discoveryStatusRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			id, err := parseUUID("discovery_id", req.DiscoveryID)
			if err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			if err := svc.UpdateDiscoveryStatus(ctx, c, id, req.Status); err != nil {
				return nil, err
			}
			return map[string]string{"discovery_id": id.String(), "status": req.Status}, nil
		},
	})

	reg.Register(Operation{
		Name: "list_agents", Timeout: 15 * time.Second,
		Summary: "enumerate agents with their runtime metrics",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req listAgentsRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return svc.ListAgents(types.Status(req.Status))
		},
	})

	reg.Register(Operation{
		Name: "archive_agent", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "retire an agent; history stays queryable",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req ownedRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			if err := svc.ArchiveAgent(ctx, c); err != nil {
				return nil, err
			}
			return map[string]string{"status": string(types.StatusArchived)}, nil
		},
	})

	reg.Register(Operation{
		Name: "delete_agent", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "tombstone an archived agent and purge its working data",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req ownedRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			if err := svc.DeleteAgent(ctx, c); err != nil {
				return nil, err
			}
			return map[string]string{"status": string(types.StatusDeleted)}, nil
		},
	})

	reg.Register(Operation{
		Name: "update_metadata", Timeout: 15 * time.Second, RequiresAuth: true,
		Summary: "merge metadata keys; flip active/waiting_input",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			var req metadataRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			c.AgentID, c.APIKey = req.AgentID, req.APIKey
			rec, err := svc.UpdateMetadata(ctx, c, governance.MetadataRequest{
				Metadata: req.Metadata,
				Status:   types.Status(req.Status),
			})
			if err != nil {
				return nil, err
			}
			return toAgentView(rec), nil
		},
	})

	reg.Register(Operation{
		Name: "health_check", Timeout: 10 * time.Second,
		Summary: "service health and aggregate counters",
		Handle: func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error) {
			if err := decodeArgs(args, &struct{}{}); err != nil {
				return nil, err
			}
			return svc.HealthCheck()
		},
	})
}
