// Package server exposes the governance core over two transports: a gin
// HTTP surface and a line-delimited stdio loop for callers that spawn the
// monitor as a subprocess. Both dispatch through one registry of named
// operations; all transport concerns (session keys, deadlines, the
// concurrency cap, error mapping) end here and never reach the core.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"vigil/internal/governance"
	"vigil/internal/types"
)

// Handler runs one operation. Args is the raw JSON argument map; the handler
// decodes it strictly into its own request type.
type Handler func(ctx context.Context, c governance.Caller, args json.RawMessage) (interface{}, error)

// Operation is one registered RPC: its name, the deadline it runs under and
// whether it acts on an agent the caller must own. RequiresAuth is
// descriptive for the catalog; enforcement lives in the governance layer,
// which never trusts the transport anyway.
type Operation struct {
	Name         string
	Timeout      time.Duration
	RequiresAuth bool
	Summary      string
	Handle       Handler
}

// Registry is the dispatch table, built once at startup.
type Registry struct {
	ops map[string]*Operation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds an operation. Duplicate names are a programming error and
// panic at startup rather than shadowing silently.
func (r *Registry) Register(op Operation) {
	if op.Name == "" || op.Handle == nil {
		panic("server: operation needs a name and a handler")
	}
	if _, dup := r.ops[op.Name]; dup {
		panic("server: duplicate operation " + op.Name)
	}
	if op.Timeout <= 0 {
		op.Timeout = 30 * time.Second
	}
	reg := op
	r.ops[op.Name] = &reg
}

// Lookup resolves an operation by name.
func (r *Registry) Lookup(name string) (*Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, types.E(types.KindInvalidArgument, "unknown operation %q", name)
	}
	return op, nil
}

// OpInfo is one catalog row for the operation listing.
type OpInfo struct {
	Name         string `json:"name"`
	TimeoutMs    int64  `json:"timeout_ms"`
	RequiresAuth bool   `json:"requires_auth"`
	Summary      string `json:"summary,omitempty"`
}

// Catalog lists registered operations, sorted by name.
func (r *Registry) Catalog() []OpInfo {
	out := make([]OpInfo, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, OpInfo{
			Name:         op.Name,
			TimeoutMs:    op.Timeout.Milliseconds(),
			RequiresAuth: op.RequiresAuth,
			Summary:      op.Summary,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the named operation under its deadline. The caller's context
// is the outer bound; the operation timeout only ever tightens it.
func (r *Registry) Dispatch(ctx context.Context, name string, c governance.Caller, args json.RawMessage) (interface{}, error) {
	op, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, op.Timeout)
	defer cancel()
	return op.Handle(opCtx, c, args)
}

// decodeArgs decodes a JSON argument map into a typed request, rejecting
// unknown fields. A nil or empty body decodes as the zero request so
// argument-free operations accept bare calls.
func decodeArgs(args json.RawMessage, into interface{}) error {
	if len(args) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return types.Wrap(types.KindInvalidArgument, err, "malformed arguments")
	}
	return nil
}
