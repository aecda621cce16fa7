// Package knowledge exposes the shared discovery graph: durable insights
// agents store for each other, searched semantically when embeddings are
// available and by text otherwise. The graph is the memory that outlives any
// single agent; an update response carries a slice of it back as learning
// context.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"vigil/internal/embedding"
	"vigil/internal/logging"
	"vigil/internal/store"
	"vigil/internal/types"
)

// Severity levels a discovery can carry.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// overfetch widens store queries so post-filtering by tags, severity, or
// author still fills the caller's limit.
const overfetch = 4

// Entry is a discovery submission.
type Entry struct {
	Author   uuid.UUID
	Summary  string
	Details  string
	Tags     []string
	Severity string // info | warning | critical; empty defaults to info
	Kind     string // discovery | note; empty defaults to discovery
}

// Query selects and ranks discoveries. All fields are optional; an empty
// query returns the most recent entries.
type Query struct {
	Text     string
	Tags     []string
	Severity string
	Author   uuid.UUID
	Limit    int
}

// Graph is the knowledge interface backed by the store and an optional
// embedding engine. A nil engine degrades every semantic path to text
// search; nothing else changes.
type Graph struct {
	store  *store.Store
	engine embedding.Engine
}

// New wires the graph to its store and embedding engine. eng may be nil.
func New(st *store.Store, eng embedding.Engine) *Graph {
	return &Graph{store: st, engine: eng}
}

// Store persists a discovery and returns its id. The write is durable before
// return, so the author's own next search sees it.
func (g *Graph) Store(ctx context.Context, e Entry) (uuid.UUID, error) {
	if strings.TrimSpace(e.Summary) == "" {
		return uuid.Nil, types.E(types.KindInvalidArgument, "a discovery needs a summary")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if !validSeverity(e.Severity) {
		return uuid.Nil, types.E(types.KindInvalidArgument,
			"severity must be one of info, warning, critical; got %q", e.Severity)
	}

	d := &types.Discovery{
		ID:       uuid.New(),
		Author:   e.Author,
		Severity: e.Severity,
		Tags:     cleanTags(e.Tags),
		Summary:  strings.TrimSpace(e.Summary),
		Details:  strings.TrimSpace(e.Details),
		Kind:     e.Kind,
	}
	emb := g.embed(ctx, d.Summary+"\n"+d.Details)
	if err := g.store.StoreDiscovery(d, emb); err != nil {
		return uuid.Nil, err
	}

	g.audit(logging.AuditKnowledgeStore, d.ID, e.Author)
	return d.ID, nil
}

// LeaveNote stores a lightweight note. The first line becomes the summary.
func (g *Graph) LeaveNote(ctx context.Context, author uuid.UUID, content string, tags []string) (uuid.UUID, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return uuid.Nil, types.E(types.KindInvalidArgument, "a note needs content")
	}

	d := &types.Discovery{
		ID:       uuid.New(),
		Author:   author,
		Severity: SeverityInfo,
		Tags:     cleanTags(tags),
		Summary:  noteSummary(content),
		Details:  content,
		Kind:     "note",
	}
	if err := g.store.StoreDiscovery(d, g.embed(ctx, content)); err != nil {
		return uuid.Nil, err
	}

	g.audit(logging.AuditKnowledgeNote, d.ID, author)
	return d.ID, nil
}

// Search returns ranked discoveries. With query text the ranking is semantic
// when vectors are available and LIKE-based otherwise; without text it is
// recency. Tags, severity, and author narrow the result after ranking.
func (g *Graph) Search(ctx context.Context, q Query) ([]types.Discovery, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	var (
		found []types.Discovery
		err   error
	)
	switch {
	case strings.TrimSpace(q.Text) != "":
		found, err = g.searchText(ctx, q.Text, limit*overfetch)
	case q.Author != uuid.Nil:
		found, err = g.store.DiscoveriesByAuthor(q.Author, limit*overfetch)
	default:
		found, err = g.store.RecentDiscoveries(limit * overfetch)
	}
	if err != nil {
		return nil, err
	}

	out := make([]types.Discovery, 0, limit)
	for _, d := range found {
		if !matches(d, q) {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	logging.KnowledgeDebug("search: text=%q tags=%v -> %d of %d candidates", q.Text, q.Tags, len(out), len(found))
	return out, nil
}

// Get loads one discovery.
func (g *Graph) Get(id uuid.UUID) (*types.Discovery, error) {
	return g.store.GetDiscovery(id)
}

// UpdateStatus moves a discovery through open -> resolved | archived.
func (g *Graph) UpdateStatus(id uuid.UUID, status string, updater uuid.UUID) error {
	if err := g.store.UpdateDiscoveryStatus(id, status); err != nil {
		return err
	}
	g.audit(logging.AuditKnowledgeUpdate, id, updater)
	return nil
}

// LearningContext returns a short list of prior insights relevant to an
// agent's latest output. Best effort: lookup failures yield an empty list,
// never an error, because learning context must not block an update.
func (g *Graph) LearningContext(ctx context.Context, responseText string, limit int) []string {
	if limit <= 0 {
		limit = 3
	}

	var found []types.Discovery
	if strings.TrimSpace(responseText) != "" {
		if ds, err := g.searchText(ctx, responseText, limit); err == nil {
			found = ds
		}
	}
	if len(found) == 0 {
		if ds, err := g.store.RecentDiscoveries(limit); err == nil {
			found = ds
		}
	}
	if len(found) > limit {
		found = found[:limit]
	}

	out := make([]string, 0, len(found))
	for _, d := range found {
		out = append(out, fmt.Sprintf("[%s] %s", d.Severity, d.Summary))
	}
	return out
}

// searchText ranks by vector similarity when both an engine and stored
// vectors exist, otherwise by LIKE match. A semantic pass that finds nothing
// still falls through to text so a vectorless corpus stays searchable.
func (g *Graph) searchText(ctx context.Context, text string, limit int) ([]types.Discovery, error) {
	if emb := g.embed(ctx, text); emb != nil {
		scored, err := g.store.SearchDiscoveriesVector(emb, limit)
		if err != nil {
			logging.KnowledgeDebug("vector search failed, using text: %v", err)
		} else if len(scored) > 0 {
			out := make([]types.Discovery, len(scored))
			for i, sd := range scored {
				out[i] = sd.Discovery
			}
			return out, nil
		}
	}
	return g.store.SearchDiscoveriesText(text, limit)
}

// embed returns nil when no engine is configured or the provider fails; the
// record is still stored and findable by text.
func (g *Graph) embed(ctx context.Context, text string) []float32 {
	if g.engine == nil {
		return nil
	}
	emb, err := g.engine.Embed(ctx, text)
	if err != nil {
		logging.KnowledgeDebug("embedding failed, storing without vector: %v", err)
		return nil
	}
	return emb
}

func (g *Graph) audit(event logging.AuditEventType, id, author uuid.UUID) {
	logging.Audit().KnowledgeOp(event, id.String(), author.String())
	ev := logging.AuditEvent{
		EventType: event,
		Category:  string(logging.CategoryKnowledge),
		AgentUUID: author.String(),
		Target:    id.String(),
		Success:   true,
		Message:   fmt.Sprintf("knowledge %s: id=%s", event, id),
	}
	if err := g.store.RecordAudit(ev); err != nil {
		logging.KnowledgeDebug("audit row not recorded: %v", err)
	}
}

func matches(d types.Discovery, q Query) bool {
	if q.Severity != "" && d.Severity != q.Severity {
		return false
	}
	if q.Author != uuid.Nil && d.Author != q.Author {
		return false
	}
	for _, want := range q.Tags {
		if !hasTag(d.Tags, want) {
			return false
		}
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func validSeverity(s string) bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// noteSummary clips the first line of a note for listings.
func noteSummary(content string) string {
	line := content
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		line = content[:i]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > 120 {
		runes := []rune(line)
		line = string(runes[:117]) + "..."
	}
	return line
}
