package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"datasage/internal/logging"
)

const embedBatchLimit = 100

// Embedder turns text into vectors for semantic recall. Optional; without
// one, recall stays keyword-only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// SetEmbedder attaches an embedder. The store takes ownership and closes
// it with the database.
func (s *Store) SetEmbedder(e Embedder) {
	s.mu.Lock()
	s.embedder = e
	s.mu.Unlock()
}

// RecalledInsight is one recall result.
type RecalledInsight struct {
	ProjectID      string
	StepID         string
	Interpretation string
	KeyFindings    []string
	Confidence     float64
	Score          float64 // cosine similarity when semantically ranked, 0 otherwise
	CreatedAt      time.Time

	vec []float32
}

// RecallInsights finds stored insights matching the query. Keyword LIKE
// matching always runs; with an embedder attached the candidate pool is
// widened and re-ranked by cosine similarity against the query embedding.
// Embedding failures degrade to the keyword order instead of erroring.
func (s *Store) RecallInsights(ctx context.Context, query string, limit int) ([]RecalledInsight, error) {
	if limit <= 0 {
		limit = 10
	}
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	emb := s.embedder
	s.mu.RUnlock()

	pool := limit
	if emb != nil {
		pool = limit * 4
	}
	candidates, err := s.keywordCandidates(keywords, pool)
	if err != nil {
		return nil, err
	}
	if emb == nil || len(candidates) == 0 {
		return head(candidates, limit), nil
	}

	qvec, err := emb.Embed(ctx, query)
	if err != nil {
		logging.StoreDebug("recall embedding unavailable, keyword order kept: %v", err)
		return head(candidates, limit), nil
	}
	for i := range candidates {
		if len(candidates[i].vec) > 0 {
			candidates[i].Score = cosine32(qvec, candidates[i].vec)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return head(candidates, limit), nil
}

// keywordCandidates runs the LIKE query over interpretations and findings,
// most recent first.
func (s *Store) keywordCandidates(keywords []string, limit int) ([]RecalledInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conditions []string
	var args []interface{}
	for _, kw := range keywords {
		conditions = append(conditions, "(LOWER(interpretation) LIKE ? OR LOWER(findings_json) LIKE ?)")
		args = append(args, "%"+kw+"%", "%"+kw+"%")
	}
	sqlQuery := fmt.Sprintf(
		`SELECT project_id, step_id, interpretation, findings_json, confidence, embedding, created_at
		 FROM insights WHERE %s ORDER BY created_at DESC LIMIT ?`,
		strings.Join(conditions, " OR "),
	)
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("recall query failed: %w", err)
	}
	defer rows.Close()

	var out []RecalledInsight
	for rows.Next() {
		var r RecalledInsight
		var findingsJSON, embJSON sql.NullString
		if err := rows.Scan(&r.ProjectID, &r.StepID, &r.Interpretation, &findingsJSON, &r.Confidence, &embJSON, &r.CreatedAt); err != nil {
			continue
		}
		if findingsJSON.Valid && findingsJSON.String != "" {
			json.Unmarshal([]byte(findingsJSON.String), &r.KeyFindings)
		}
		if embJSON.Valid && embJSON.String != "" {
			json.Unmarshal([]byte(embJSON.String), &r.vec)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EmbedPending backfills embeddings for insights that lack one, at most
// embedBatchLimit per call. Runs outside the round loop so recall quality
// never costs analysis latency. No-op without an embedder.
func (s *Store) EmbedPending(ctx context.Context) (int, error) {
	s.mu.RLock()
	emb := s.embedder
	s.mu.RUnlock()
	if emb == nil {
		return 0, nil
	}

	type pendingRow struct {
		projectID, stepID, text string
	}
	var todo []pendingRow

	s.mu.RLock()
	rows, err := s.db.Query(
		"SELECT project_id, step_id, interpretation FROM insights WHERE embedding IS NULL AND interpretation != '' LIMIT ?",
		embedBatchLimit,
	)
	if err != nil {
		s.mu.RUnlock()
		return 0, fmt.Errorf("pending embeddings query failed: %w", err)
	}
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.projectID, &p.stepID, &p.text); err != nil {
			continue
		}
		todo = append(todo, p)
	}
	rows.Close()
	s.mu.RUnlock()

	if len(todo) == 0 {
		return 0, nil
	}

	texts := make([]string, len(todo))
	for i, p := range todo {
		texts[i] = p.text
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding batch failed: %w", err)
	}
	if len(vecs) != len(todo) {
		return 0, fmt.Errorf("embedding batch returned %d vectors for %d texts", len(vecs), len(todo))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, p := range todo {
		vecJSON, _ := json.Marshal(vecs[i])
		if _, err := s.db.Exec(
			"UPDATE insights SET embedding = ? WHERE project_id = ? AND step_id = ?",
			string(vecJSON), p.projectID, p.stepID,
		); err != nil {
			logging.StoreDebug("failed to store embedding for %s/%s: %v", p.projectID, p.stepID, err)
			continue
		}
		n++
	}
	logging.Store("embedded %d insight(s)", n)
	return n, nil
}

func head(in []RecalledInsight, n int) []RecalledInsight {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// cosine32 computes cosine similarity between two vectors.
func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
