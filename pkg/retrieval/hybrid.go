// Package retrieval implements Hybrid Retrieval: a keyword (FTS) branch
// and a semantic (pgvector cosine) branch over knowledge_chunks, fused
// via Reciprocal Rank Fusion, per spec.md §4.6.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// defaultRRFK is the Reciprocal Rank Fusion constant from spec.md §4.6.
const defaultRRFK = 60

// defaultSimilarityFloor discards semantic-branch results at or below this
// similarity before fusion — spec.md §4.6's deliberate tightening over a
// naive 0.3 threshold.
const defaultSimilarityFloor = 0.7

// Embedder produces a query embedding for the semantic branch. The
// Retriever is embedding-model-agnostic; callers supply whichever model
// matches the KB's stored embedding dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever implements the retrieve(query, kb-id, limit) contract.
type Retriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	rrfK     int
	simFloor float64
}

// Option configures the similarity floor / RRF k from the environment
// per SPEC_FULL.md §6 (RETRIEVAL_SIMILARITY_THRESHOLD, RETRIEVAL_RRF_K).
type Option func(*Retriever)

func WithRRFK(k int) Option {
	return func(r *Retriever) { r.rrfK = k }
}

func WithSimilarityFloor(f float64) Option {
	return func(r *Retriever) { r.simFloor = f }
}

func New(pool *pgxpool.Pool, embedder Embedder, opts ...Option) *Retriever {
	r := &Retriever{pool: pool, embedder: embedder, rrfK: defaultRRFK, simFloor: defaultSimilarityFloor}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// result is one candidate chunk carried through both branches before
// fusion.
type result struct {
	id      string
	content string
	origin  string // "keyword", "semantic", or "both" after fusion
	score   float64
}

// specificIdentifierRe matches the "specific-identifier" query patterns
// from spec.md §4.6: sequences of >=3 digits or an uppercase-letter+digit
// token.
var specificIdentifierRe = regexp.MustCompile(`\d{3,}|[A-Z][0-9]+`)

// looksLikeIdentifierQuery implements the query-aware selection
// heuristic. Retrieve computes it and discards the result: it is not
// logged and does not change the RRF weighting.
func looksLikeIdentifierQuery(query string) bool {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "order ") || strings.Contains(lower, "ticket ") {
		return true
	}
	return specificIdentifierRe.MatchString(query)
}

// Retrieve runs the keyword and semantic branches scoped to kbID, fuses
// them via RRF, and returns the top `limit` results concatenated into one
// context string. An empty query returns the empty string (spec.md §8).
func (r *Retriever) Retrieve(ctx context.Context, query string, kbID string, limit int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	if limit <= 0 {
		limit = 3
	}

	_ = looksLikeIdentifierQuery(query) // advisory only; result unused

	keyword, err := r.searchKeyword(ctx, query, kbID, 2*limit)
	if err != nil {
		return "", fmt.Errorf("retrieval: keyword search: %w", err)
	}

	var semantic []result
	if r.embedder != nil {
		semantic, err = r.searchSemantic(ctx, query, kbID, 2*limit)
		if err != nil {
			return "", fmt.Errorf("retrieval: semantic search: %w", err)
		}
	}

	fused := fuse(keyword, semantic, r.rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	var sb strings.Builder
	for i, res := range fused {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(res.content)
	}
	return sb.String(), nil
}

func (r *Retriever) searchKeyword(ctx context.Context, query, kbID string, limit int) ([]result, error) {
	const q = `
		SELECT id, content, ts_rank_cd(content_tsv, plainto_tsquery('english', $1)) AS rank
		FROM knowledge_chunks
		WHERE kb_id = $2 AND content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, q, query, kbID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (result, error) {
		var res result
		var rank float64
		if err := row.Scan(&res.id, &res.content, &rank); err != nil {
			return result{}, err
		}
		res.origin = "keyword"
		return res, nil
	})
}

func (r *Retriever) searchSemantic(ctx context.Context, query, kbID string, limit int) ([]result, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)

	const q = `
		SELECT id, content, 1 - (embedding <=> $1) AS similarity
		FROM knowledge_chunks
		WHERE kb_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`

	rows, err := r.pool.Query(ctx, q, vec, kbID, limit)
	if err != nil {
		return nil, err
	}
	all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (result, error) {
		var res result
		var similarity float64
		if err := row.Scan(&res.id, &res.content, &similarity); err != nil {
			return result{}, err
		}
		res.origin = "semantic"
		res.score = similarity
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	// Similarity floor is applied before fusion, per spec.md §4.6.
	filtered := all[:0]
	for _, res := range all {
		if res.score > r.simFloor {
			filtered = append(filtered, res)
		}
	}
	return filtered, nil
}

// fuse implements Reciprocal Rank Fusion: for each document appearing in
// either ranked list at 1-based rank r, contribute 1/(k+r); sum across
// sources; sort descending; tag origin as "keyword", "semantic", or
// "both".
func fuse(keyword, semantic []result, k int) []result {
	type accum struct {
		result result
		score  float64
		origins map[string]bool
	}
	byID := make(map[string]*accum)

	add := func(list []result, origin string) {
		for i, res := range list {
			rank := i + 1
			a, ok := byID[res.id]
			if !ok {
				a = &accum{result: res, origins: map[string]bool{}}
				byID[res.id] = a
			}
			a.score += 1.0 / float64(k+rank)
			a.origins[origin] = true
		}
	}
	add(keyword, "keyword")
	add(semantic, "semantic")

	out := make([]result, 0, len(byID))
	for _, a := range byID {
		origin := "keyword"
		switch {
		case a.origins["keyword"] && a.origins["semantic"]:
			origin = "both"
		case a.origins["semantic"]:
			origin = "semantic"
		}
		res := a.result
		res.origin = origin
		res.score = a.score
		out = append(out, res)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id // stable tiebreak
	})
	return out
}
