package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"loom/internal/storage"
)

// BM25Params tune the relevance function. Zero values take the standard
// defaults (k1=1.2, b=0.75).
type BM25Params struct {
	K1 float64
	B  float64
}

// Scorer ranks memories against a query with BM25. Document statistics
// (count, average length) are cached and refreshed lazily after writes.
type Scorer struct {
	k1 float64
	b  float64
	db *storage.DB

	mu        sync.Mutex
	dirty     bool
	avgDocLen float64
	docCount  int
}

// NewScorer builds a scorer over the memories table.
func NewScorer(db *storage.DB, params BM25Params) *Scorer {
	if params.K1 == 0 {
		params.K1 = 1.2
	}
	if params.B == 0 {
		params.B = 0.75
	}
	return &Scorer{k1: params.K1, b: params.B, db: db, dirty: true}
}

// Invalidate marks the cached statistics stale. Called after every write.
func (s *Scorer) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Score ranks entries against the query and returns the topK best,
// descending by score. A non-empty category restricts the candidate set.
func (s *Scorer) Score(ctx context.Context, query string, topK int, category string) ([]ScoredEntry, error) {
	avgDocLen, docCount, err := s.stats(ctx)
	if err != nil {
		return nil, err
	}
	if docCount == 0 {
		return nil, nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	dfMap, err := s.documentFrequencies(ctx, terms)
	if err != nil {
		return nil, err
	}

	docs, err := s.candidates(ctx, category)
	if err != nil {
		return nil, err
	}

	var results []ScoredEntry
	for _, doc := range docs {
		score := s.scoreDoc(terms, doc, dfMap, avgDocLen, docCount)
		if score > 0 {
			results = append(results, ScoredEntry{Entry: doc, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// stats returns the cached corpus statistics, refreshing them first if a
// write happened since the last refresh.
func (s *Scorer) stats(ctx context.Context) (avgDocLen float64, docCount int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		var count int
		var avg sql.NullFloat64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), AVG(LENGTH(content)) FROM memories`).Scan(&count, &avg)
		if err != nil {
			return 0, 0, fmt.Errorf("bm25: refresh stats: %w", err)
		}
		s.docCount = count
		s.avgDocLen = avg.Float64
		s.dirty = false
	}
	return s.avgDocLen, s.docCount, nil
}

// scoreDoc computes the BM25 score of one document.
func (s *Scorer) scoreDoc(terms []string, doc Entry, dfMap map[string]int, avgDocLen float64, n int) float64 {
	docLen := len(doc.Content)
	score := 0.0

	for _, term := range terms {
		df := dfMap[term]
		if df == 0 {
			continue
		}

		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))

		tf := countTermOccurrences(doc.Content, term)
		if tf == 0 {
			continue
		}

		tfNorm := (float64(tf) * (s.k1 + 1)) /
			(float64(tf) + s.k1*(1-s.b+s.b*float64(docLen)/avgDocLen))

		score += idf * tfNorm
	}
	return score
}

// documentFrequencies counts, per term, how many documents contain it.
// LIKE matching works for any text including CJK, where word boundaries
// don't exist.
func (s *Scorer) documentFrequencies(ctx context.Context, terms []string) (map[string]int, error) {
	dfMap := make(map[string]int, len(terms))
	for _, term := range terms {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memories WHERE content LIKE ?`,
			"%"+term+"%",
		).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("bm25: count term %q: %w", term, err)
		}
		dfMap[term] = count
	}
	return dfMap, nil
}

// candidates loads the scorable entries, optionally restricted by category.
func (s *Scorer) candidates(ctx context.Context, category string) ([]Entry, error) {
	q := `SELECT id, content, source, session_id, category, importance, created_at FROM memories`
	var args []any
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, category)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("bm25: query candidates: %w", err)
	}
	defer rows.Close()

	var docs []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("bm25: scan candidate: %w", err)
		}
		docs = append(docs, *e)
	}
	return docs, rows.Err()
}

// tokenize splits text into searchable tokens, lowercased and
// deduplicated. Mixed ASCII/CJK words split at the script boundary so
// queries like "部署docker" match both halves.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	words := strings.Fields(text)

	var tokens []string
	for _, word := range words {
		var current strings.Builder
		var lastIsCJK bool

		for _, r := range word {
			isCJK := isCJKChar(r)
			if current.Len() > 0 && isCJK != lastIsCJK {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			current.WriteRune(r)
			lastIsCJK = isCJK
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
		}
	}

	seen := make(map[string]bool, len(tokens))
	unique := tokens[:0]
	for _, tok := range tokens {
		if !seen[tok] && tok != "" {
			seen[tok] = true
			unique = append(unique, tok)
		}
	}
	return unique
}

// isCJKChar reports whether r belongs to a CJK script.
func isCJKChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0x3040 && r <= 0x309F) || // Hiragana
		(r >= 0x30A0 && r <= 0x30FF) // Katakana
}

// countTermOccurrences counts case-insensitive occurrences of term.
func countTermOccurrences(text, term string) int {
	return strings.Count(strings.ToLower(text), strings.ToLower(term))
}
