package governance

import (
	"context"

	"github.com/google/uuid"

	"vigil/internal/knowledge"
	"vigil/internal/types"
)

// StoreDiscovery records a shared insight. Authorship is the authenticated
// caller regardless of what the entry claims.
func (s *Service) StoreDiscovery(ctx context.Context, c Caller, e knowledge.Entry) (uuid.UUID, error) {
	rec, err := s.authenticate(c)
	if err != nil {
		return uuid.Nil, err
	}
	e.Author = rec.UUID
	return s.graph.Store(ctx, e)
}

// LeaveNote stores a short free-form note under the caller's authorship.
func (s *Service) LeaveNote(ctx context.Context, c Caller, content string, tags []string) (uuid.UUID, error) {
	rec, err := s.authenticate(c)
	if err != nil {
		return uuid.Nil, err
	}
	return s.graph.LeaveNote(ctx, rec.UUID, content, tags)
}

// SearchDiscoveries queries the knowledge graph.
func (s *Service) SearchDiscoveries(ctx context.Context, c Caller, q knowledge.Query) ([]types.Discovery, error) {
	if _, err := s.authenticate(c); err != nil {
		return nil, err
	}
	return s.graph.Search(ctx, q)
}

// UpdateDiscoveryStatus moves a discovery through its review lifecycle.
func (s *Service) UpdateDiscoveryStatus(ctx context.Context, c Caller, id uuid.UUID, status string) error {
	rec, err := s.authenticate(c)
	if err != nil {
		return err
	}
	return s.graph.UpdateStatus(id, status, rec.UUID)
}
