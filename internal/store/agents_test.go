package store

import (
	"testing"

	"github.com/google/uuid"

	"vigil/internal/types"
)

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)

	parent := uuid.New()
	rec := &types.AgentRecord{
		UUID:       uuid.New(),
		AgentID:    "explorer-7",
		APIKeyHash: "$2a$10$fakehash",
		ParentUUID: &parent,
		Metadata:   map[string]interface{}{"model": "gemini-2.5-flash", "team": "alpha"},
		Lineage:    []string{"root", "explorer"},
	}
	if err := s.CreateAgent(rec); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if rec.Status != types.StatusActive {
		t.Errorf("status defaulted to %q, want active", rec.Status)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps were not filled in")
	}

	byUUID, err := s.GetAgentByUUID(rec.UUID)
	if err != nil {
		t.Fatalf("GetAgentByUUID failed: %v", err)
	}
	if byUUID.AgentID != "explorer-7" {
		t.Errorf("agent_id = %q, want explorer-7", byUUID.AgentID)
	}
	if byUUID.APIKeyHash != rec.APIKeyHash {
		t.Errorf("api_key_hash = %q, want %q", byUUID.APIKeyHash, rec.APIKeyHash)
	}
	if byUUID.ParentUUID == nil || *byUUID.ParentUUID != parent {
		t.Errorf("parent_uuid = %v, want %v", byUUID.ParentUUID, parent)
	}
	if byUUID.Metadata["model"] != "gemini-2.5-flash" {
		t.Errorf("metadata[model] = %v", byUUID.Metadata["model"])
	}
	if len(byUUID.Lineage) != 2 || byUUID.Lineage[1] != "explorer" {
		t.Errorf("lineage = %v, want [root explorer]", byUUID.Lineage)
	}

	byID, err := s.GetAgentByID("explorer-7")
	if err != nil {
		t.Fatalf("GetAgentByID failed: %v", err)
	}
	if byID.UUID != rec.UUID {
		t.Errorf("uuid = %s, want %s", byID.UUID, rec.UUID)
	}
}

func TestCreateAgentDuplicateID(t *testing.T) {
	s := newTestStore(t)
	newTestAgent(t, s, "worker")

	err := s.CreateAgent(&types.AgentRecord{UUID: uuid.New(), AgentID: "worker"})
	if !types.IsKind(err, types.KindInvalidArgument) {
		t.Errorf("duplicate create error = %v, want InvalidArgument", err)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetAgentByUUID(uuid.New()); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("GetAgentByUUID error = %v, want NotFound", err)
	}
	if _, err := s.GetAgentByID("ghost"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("GetAgentByID error = %v, want NotFound", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "drifter")

	ev, err := s.TransitionStatus(rec.UUID, types.StatusPaused, "risk threshold exceeded", nil)
	if err != nil {
		t.Fatalf("pause transition failed: %v", err)
	}
	if ev.From != types.StatusActive || ev.To != types.StatusPaused {
		t.Errorf("event = %s -> %s, want active -> paused", ev.From, ev.To)
	}
	if ev.Reason != "risk threshold exceeded" {
		t.Errorf("reason = %q", ev.Reason)
	}

	got, err := s.GetAgentByUUID(rec.UUID)
	if err != nil {
		t.Fatalf("GetAgentByUUID failed: %v", err)
	}
	if got.Status != types.StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}

	// paused -> waiting_input is not a legal edge.
	_, err = s.TransitionStatus(rec.UUID, types.StatusWaitingInput, "", nil)
	if !types.IsKind(err, types.KindInvalidArgument) {
		t.Errorf("illegal transition error = %v, want InvalidArgument", err)
	}

	// The failed transition must not have appended an event.
	events, err := s.LifecycleEvents(rec.UUID, 10)
	if err != nil {
		t.Fatalf("LifecycleEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("lifecycle events = %d, want 1", len(events))
	}
	if events[0].To != types.StatusPaused {
		t.Errorf("event[0].To = %s, want paused", events[0].To)
	}

	_, err = s.TransitionStatus(uuid.New(), types.StatusPaused, "", nil)
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("unknown agent transition error = %v, want NotFound", err)
	}
}

func TestLifecycleEventsChronological(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "cycler")

	steps := []types.Status{
		types.StatusPaused, types.StatusActive,
		types.StatusWaitingInput, types.StatusActive,
	}
	for _, next := range steps {
		if _, err := s.TransitionStatus(rec.UUID, next, "test", nil); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}

	events, err := s.LifecycleEvents(rec.UUID, 10)
	if err != nil {
		t.Fatalf("LifecycleEvents failed: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("events = %d, want %d", len(events), len(steps))
	}
	for i, next := range steps {
		if events[i].To != next {
			t.Errorf("event[%d].To = %s, want %s", i, events[i].To, next)
		}
	}
}

func TestListAgents(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, "list-a")
	newTestAgent(t, s, "list-b")
	c := newTestAgent(t, s, "list-c")

	if _, err := s.TransitionStatus(a.UUID, types.StatusPaused, "", nil); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	all, err := s.ListAgents("")
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all agents = %d, want 3", len(all))
	}

	paused, err := s.ListAgents(types.StatusPaused)
	if err != nil {
		t.Fatalf("ListAgents(paused) failed: %v", err)
	}
	if len(paused) != 1 || paused[0].AgentID != "list-a" {
		t.Errorf("paused agents = %v", paused)
	}

	// Deleted agents drop out of the default listing.
	if _, err := s.TransitionStatus(c.UUID, types.StatusArchived, "", nil); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if _, err := s.TransitionStatus(c.UUID, types.StatusDeleted, "", nil); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	all, err = s.ListAgents("")
	if err != nil {
		t.Fatalf("ListAgents after delete failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("agents after delete = %d, want 2", len(all))
	}
}

func TestUpdateAgentMetadata(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "tagged")

	meta := map[string]interface{}{"note": "under review", "priority": float64(2)}
	if err := s.UpdateAgentMetadata(rec.UUID, meta); err != nil {
		t.Fatalf("UpdateAgentMetadata failed: %v", err)
	}

	got, err := s.GetAgentByUUID(rec.UUID)
	if err != nil {
		t.Fatalf("GetAgentByUUID failed: %v", err)
	}
	if got.Metadata["note"] != "under review" {
		t.Errorf("metadata[note] = %v", got.Metadata["note"])
	}
	if got.Metadata["priority"] != float64(2) {
		t.Errorf("metadata[priority] = %v", got.Metadata["priority"])
	}

	err = s.UpdateAgentMetadata(uuid.New(), meta)
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("unknown agent metadata error = %v, want NotFound", err)
	}
}

func TestPurgeAgent(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "doomed")

	if err := s.SaveRuntime(rec.UUID, &types.AgentState{Lambda1: 0.15}); err != nil {
		t.Fatalf("SaveRuntime failed: %v", err)
	}

	// Purging a live agent is refused.
	if err := s.PurgeAgent(rec.UUID); !types.IsKind(err, types.KindInvalidArgument) {
		t.Errorf("premature purge error = %v, want InvalidArgument", err)
	}

	for _, next := range []types.Status{types.StatusArchived, types.StatusDeleted} {
		if _, err := s.TransitionStatus(rec.UUID, next, "", nil); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}
	if err := s.PurgeAgent(rec.UUID); err != nil {
		t.Fatalf("PurgeAgent failed: %v", err)
	}

	// Tombstone remains resolvable by UUID, not by label.
	got, err := s.GetAgentByUUID(rec.UUID)
	if err != nil {
		t.Fatalf("tombstone lookup failed: %v", err)
	}
	if got.Status != types.StatusDeleted {
		t.Errorf("tombstone status = %s, want deleted", got.Status)
	}
	if _, err := s.GetAgentByID("doomed"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("label lookup after delete = %v, want NotFound", err)
	}
	if _, err := s.LoadRuntime(rec.UUID); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("runtime after purge = %v, want NotFound", err)
	}
}

func TestCountAgentsByStatus(t *testing.T) {
	s := newTestStore(t)
	newTestAgent(t, s, "count-a")
	newTestAgent(t, s, "count-b")
	c := newTestAgent(t, s, "count-c")

	if _, err := s.TransitionStatus(c.UUID, types.StatusPaused, "", nil); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	counts, err := s.CountAgentsByStatus()
	if err != nil {
		t.Fatalf("CountAgentsByStatus failed: %v", err)
	}
	if counts[types.StatusActive] != 2 {
		t.Errorf("active = %d, want 2", counts[types.StatusActive])
	}
	if counts[types.StatusPaused] != 1 {
		t.Errorf("paused = %d, want 1", counts[types.StatusPaused])
	}
}
