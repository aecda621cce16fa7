package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"vigil/internal/embedding"
	"vigil/internal/logging"
	"vigil/internal/types"
)

// discoveryStatuses is the mutable status set for knowledge records.
var discoveryStatuses = map[string]bool{
	"open":     true,
	"resolved": true,
	"archived": true,
}

// ScoredDiscovery is one semantic search hit.
type ScoredDiscovery struct {
	types.Discovery
	Similarity float64
}

// StoreDiscovery appends a knowledge record, optionally with its embedding
// for semantic search.
func (s *Store) StoreDiscovery(d *types.Discovery, emb []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = nowUTC()
	}
	if d.Status == "" {
		d.Status = "open"
	}
	if d.Kind == "" {
		d.Kind = "discovery"
	}

	var embBlob interface{}
	if len(emb) > 0 {
		embBlob = serializeEmbedding(emb)
	}

	_, err := s.db.Exec(
		`INSERT INTO discoveries (id, author_uuid, created_at, severity, tags, summary, details, status, kind, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Author.String(), d.CreatedAt, d.Severity,
		marshalJSON(d.Tags, "[]"), d.Summary, d.Details, d.Status, d.Kind, embBlob,
	)
	if err != nil {
		return fmt.Errorf("failed to store discovery: %w", err)
	}

	logging.Knowledge("Discovery stored: id=%s kind=%s severity=%s embedded=%v",
		d.ID, d.Kind, d.Severity, embBlob != nil)
	return nil
}

// GetDiscovery loads one knowledge record.
func (s *Store) GetDiscovery(id uuid.UUID) (*types.Discovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, author_uuid, created_at, severity, tags, summary, details, status, kind
		 FROM discoveries WHERE id = ?`, id.String(),
	)
	d, err := scanDiscovery(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "discovery %s does not exist", id)
	}
	return d, err
}

// UpdateDiscoveryStatus moves a record between open, resolved and archived.
func (s *Store) UpdateDiscoveryStatus(id uuid.UUID, status string) error {
	if !discoveryStatuses[status] {
		return types.E(types.KindInvalidArgument,
			"unknown discovery status %q (want open, resolved or archived)", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE discoveries SET status = ? WHERE id = ?", status, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update discovery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "discovery %s does not exist", id)
	}

	logging.Knowledge("Discovery status updated: id=%s status=%s", id, status)
	return nil
}

// UpdateDiscoveryTags replaces a record's tag list. Records are otherwise
// append-only.
func (s *Store) UpdateDiscoveryTags(id uuid.UUID, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE discoveries SET tags = ? WHERE id = ?",
		marshalJSON(tags, "[]"), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update discovery tags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "discovery %s does not exist", id)
	}
	return nil
}

// RecentDiscoveries returns the newest records first, skipping archived ones.
// Feeds the learning context attached to update responses.
func (s *Store) RecentDiscoveries(limit int) ([]types.Discovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(
		`SELECT id, author_uuid, created_at, severity, tags, summary, details, status, kind
		 FROM discoveries WHERE status != 'archived'
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent discoveries: %w", err)
	}
	defer rows.Close()

	return collectDiscoveries(rows)
}

// SearchDiscoveriesText ranks records by substring match over summary,
// details and tags. This is the fallback when no embedding is available.
func (s *Store) SearchDiscoveriesText(query string, limit int) ([]types.Discovery, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchDiscoveriesText")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	// Summary matches rank above detail or tag matches; recency breaks ties.
	rows, err := s.db.Query(
		`SELECT id, author_uuid, created_at, severity, tags, summary, details, status, kind
		 FROM discoveries
		 WHERE status != 'archived' AND (
			 LOWER(summary) LIKE ? OR LOWER(details) LIKE ? OR LOWER(tags) LIKE ?
		 )
		 ORDER BY (CASE WHEN LOWER(summary) LIKE ? THEN 0 ELSE 1 END), created_at DESC
		 LIMIT ?`,
		pattern, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search discoveries: %w", err)
	}
	defer rows.Close()

	results, err := collectDiscoveries(rows)
	if err != nil {
		return nil, err
	}
	logging.KnowledgeDebug("Text search: query_len=%d hits=%d", len(query), len(results))
	return results, nil
}

// SearchDiscoveriesVector ranks records by cosine similarity to the query
// embedding. Uses sqlite-vec when compiled in, otherwise loads candidate
// embeddings and ranks in process.
func (s *Store) SearchDiscoveriesVector(queryEmb []float32, limit int) ([]ScoredDiscovery, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchDiscoveriesVector")
	defer timer.Stop()

	if len(queryEmb) == 0 {
		return nil, types.E(types.KindInvalidArgument, "query embedding must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	if s.vectorExt {
		return s.searchVectorSQL(queryEmb, limit)
	}
	return s.searchVectorFallback(queryEmb, limit)
}

// searchVectorSQL pushes the distance computation into sqlite-vec.
func (s *Store) searchVectorSQL(queryEmb []float32, limit int) ([]ScoredDiscovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, author_uuid, created_at, severity, tags, summary, details, status, kind,
		        vec_distance_cosine(embedding, ?) AS dist
		 FROM discoveries
		 WHERE embedding IS NOT NULL AND status != 'archived'
		 ORDER BY dist LIMIT ?`,
		serializeEmbedding(queryEmb), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []ScoredDiscovery
	for rows.Next() {
		var d types.Discovery
		var idStr, authorStr, tagsJSON string
		var dist float64
		if err := rows.Scan(&idStr, &authorStr, &d.CreatedAt, &d.Severity, &tagsJSON,
			&d.Summary, &d.Details, &d.Status, &d.Kind, &dist); err != nil {
			continue
		}
		d.ID, _ = uuid.Parse(idStr)
		d.Author, _ = uuid.Parse(authorStr)
		json.Unmarshal([]byte(tagsJSON), &d.Tags)
		results = append(results, ScoredDiscovery{Discovery: d, Similarity: 1 - dist})
	}

	logging.KnowledgeDebug("Vector search (sqlite-vec): hits=%d", len(results))
	return results, rows.Err()
}

// searchVectorFallback ranks embeddings in process.
func (s *Store) searchVectorFallback(queryEmb []float32, limit int) ([]ScoredDiscovery, error) {
	s.mu.RLock()

	rows, err := s.db.Query(
		`SELECT id, author_uuid, created_at, severity, tags, summary, details, status, kind, embedding
		 FROM discoveries WHERE embedding IS NOT NULL AND status != 'archived'`,
	)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("vector fallback query failed: %w", err)
	}

	var candidates []types.Discovery
	var corpus [][]float32
	for rows.Next() {
		var d types.Discovery
		var idStr, authorStr, tagsJSON string
		var blob []byte
		if err := rows.Scan(&idStr, &authorStr, &d.CreatedAt, &d.Severity, &tagsJSON,
			&d.Summary, &d.Details, &d.Status, &d.Kind, &blob); err != nil {
			continue
		}
		d.ID, _ = uuid.Parse(idStr)
		d.Author, _ = uuid.Parse(authorStr)
		json.Unmarshal([]byte(tagsJSON), &d.Tags)
		candidates = append(candidates, d)
		corpus = append(corpus, deserializeEmbedding(blob))
	}
	iterErr := rows.Err()
	rows.Close()
	s.mu.RUnlock()

	if iterErr != nil {
		return nil, fmt.Errorf("vector fallback iteration failed: %w", iterErr)
	}

	hits, err := embedding.FindTopK(queryEmb, corpus, limit)
	if err != nil {
		return nil, fmt.Errorf("vector ranking failed: %w", err)
	}

	results := make([]ScoredDiscovery, 0, len(hits))
	for _, hit := range hits {
		results = append(results, ScoredDiscovery{
			Discovery:  candidates[hit.Index],
			Similarity: hit.Similarity,
		})
	}

	logging.KnowledgeDebug("Vector search (in-process): candidates=%d hits=%d",
		len(candidates), len(results))
	return results, nil
}

// DiscoveriesByAuthor returns an author's records, newest first. Backs the
// read-your-write guarantee for store_discovery.
func (s *Store) DiscoveriesByAuthor(author uuid.UUID, limit int) ([]types.Discovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, author_uuid, created_at, severity, tags, summary, details, status, kind
		 FROM discoveries WHERE author_uuid = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, author.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query discoveries by author: %w", err)
	}
	defer rows.Close()

	return collectDiscoveries(rows)
}

func collectDiscoveries(rows *sql.Rows) ([]types.Discovery, error) {
	var out []types.Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			logging.StoreWarn("Skipping unreadable discovery row: %v", err)
			continue
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDiscovery(row rowScanner) (*types.Discovery, error) {
	var d types.Discovery
	var idStr, authorStr, tagsJSON string

	err := row.Scan(&idStr, &authorStr, &d.CreatedAt, &d.Severity, &tagsJSON,
		&d.Summary, &d.Details, &d.Status, &d.Kind)
	if err != nil {
		return nil, err
	}

	d.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt discovery id %q: %w", idStr, err)
	}
	d.Author, _ = uuid.Parse(authorStr)
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		d.Tags = nil
	}
	return &d, nil
}

// serializeEmbedding packs a vector as little-endian float32, the layout
// sqlite-vec expects for BLOB arguments.
func serializeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding unpacks a little-endian float32 blob. Truncated
// blobs yield a shorter vector rather than an error.
func deserializeEmbedding(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
