package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached answer survives since creation
// before CleanupExpired evicts it.
const DefaultCacheTTL = 7 * 24 * time.Hour

// DefaultFuzzyThreshold is the minimum Jaccard word-overlap score for a
// fuzzy match to count as a cache hit.
const DefaultFuzzyThreshold = 0.99

// defaultFuzzyPoolSize bounds how many recent rows the fuzzy pass scans.
const defaultFuzzyPoolSize = 100

// shortQuestionLen is the length below which fuzzy matching requires exact
// equality instead of word overlap, since short questions have too few
// words for Jaccard to be meaningful.
const shortQuestionLen = 15

// ToolUsage records one tool invocation that contributed to a cached answer.
type ToolUsage struct {
	Server    string `json:"server"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// CachedResponse is a previously computed answer, keyed by its question.
type CachedResponse struct {
	ID                 int64
	QuestionText       string
	QuestionNormalized string
	QuestionHash       string
	ResponseText       string
	ToolsUsed          []ToolUsage
	SQLQueries         []string
	ProgressEvents     []string
	HitCount           int64
	CreatedAt          time.Time
	LastHitAt          sql.NullTime
}

// QueryCacheStore implements the three-tier cache lookup over previously
// answered questions: exact hash, exact normalized text, and fuzzy
// word-overlap over the most recent rows.
type QueryCacheStore struct {
	db             *sql.DB
	mu             sync.Mutex
	FuzzyThreshold float64
	FuzzyPoolSize  int
}

// NewQueryCacheStore wraps an already-migrated database handle.
func NewQueryCacheStore(db *sql.DB) *QueryCacheStore {
	return &QueryCacheStore{
		db:             db,
		FuzzyThreshold: DefaultFuzzyThreshold,
		FuzzyPoolSize:  defaultFuzzyPoolSize,
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize lowercases, collapses whitespace runs, and trims a question so
// that trivially different phrasings hash identically.
func Normalize(question string) string {
	lower := strings.ToLower(question)
	collapsed := whitespaceRun.ReplaceAllString(lower, " ")
	return strings.TrimSpace(collapsed)
}

// Hash returns the MD5 hex digest of a normalized question.
func Hash(normalized string) string {
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Lookup runs the three-tier match: exact hash, then exact normalized text,
// then fuzzy word-overlap over the FuzzyPoolSize most recent rows. It
// returns (nil, false, nil) on a clean miss.
func (s *QueryCacheStore) Lookup(ctx context.Context, question string) (*CachedResponse, bool, error) {
	normalized := Normalize(question)
	hash := Hash(normalized)

	if resp, err := s.getByHash(ctx, hash); err == nil {
		return resp, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if resp, err := s.getByNormalized(ctx, normalized); err == nil {
		return resp, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	resp, err := s.fuzzyMatch(ctx, normalized)
	if err != nil {
		return nil, false, err
	}
	if resp != nil {
		return resp, true, nil
	}
	return nil, false, nil
}

func (s *QueryCacheStore) getByHash(ctx context.Context, hash string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx, cacheSelectColumns+` WHERE question_hash = ?`, hash)
	return scanCachedResponse(row)
}

func (s *QueryCacheStore) getByNormalized(ctx context.Context, normalized string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx, cacheSelectColumns+` WHERE question_normalized = ? ORDER BY created_at DESC LIMIT 1`, normalized)
	return scanCachedResponse(row)
}

func (s *QueryCacheStore) fuzzyMatch(ctx context.Context, normalized string) (*CachedResponse, error) {
	poolSize := s.FuzzyPoolSize
	if poolSize <= 0 {
		poolSize = defaultFuzzyPoolSize
	}
	rows, err := s.db.QueryContext(ctx, cacheSelectColumns+` ORDER BY created_at DESC LIMIT ?`, poolSize)
	if err != nil {
		return nil, fmt.Errorf("store: fuzzy scan: %w", err)
	}
	defer rows.Close()

	threshold := s.FuzzyThreshold
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}

	var best *CachedResponse
	var bestScore float64
	for rows.Next() {
		resp, err := scanCachedResponseRows(rows)
		if err != nil {
			return nil, err
		}
		score := jaccardScore(normalized, resp.QuestionNormalized)
		if score >= threshold && score > bestScore {
			best, bestScore = resp, score
		}
	}
	return best, rows.Err()
}

// jaccardScore scores word overlap between two normalized questions. Short
// questions (either side under shortQuestionLen characters) require exact
// equality instead, since Jaccard over one or two words is unreliable.
func jaccardScore(a, b string) float64 {
	if len(a) < shortQuestionLen || len(b) < shortQuestionLen {
		if a == b {
			return 1
		}
		return 0
	}
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	denom := len(wordsA)
	if len(wordsB) > denom {
		denom = len(wordsB)
	}
	return float64(intersection) / float64(denom)
}

func wordSet(s string) map[string]bool {
	fields := strings.Fields(s)
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// SaveMode distinguishes how a response entered the cache.
type SaveMode int

const (
	// SaveAuto is a write-through from the agent loop on a successful run.
	SaveAuto SaveMode = iota
	// SaveManual is an explicit save from a user approving a reaction.
	SaveManual
)

// Save upserts a response by its question hash. A hash collision updates
// the existing row's response/tools/sql/progress in place rather than
// erroring, since question_hash is declared UNIQUE.
func (s *QueryCacheStore) Save(ctx context.Context, question, response string, tools []ToolUsage, sqlQueries, progress []string, mode SaveMode) (*CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := Normalize(question)
	hash := Hash(normalized)

	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("store: encode tools_used: %w", err)
	}
	sqlJSON, err := json.Marshal(sqlQueries)
	if err != nil {
		return nil, fmt.Errorf("store: encode sql_queries: %w", err)
	}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("store: encode progress_events: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_cache (question_text, question_normalized, question_hash, response_text, tools_used, sql_queries, progress_events, hit_count, created_at, last_hit_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL)
		ON CONFLICT(question_hash) DO UPDATE SET
			question_text = excluded.question_text,
			response_text = excluded.response_text,
			tools_used = excluded.tools_used,
			sql_queries = excluded.sql_queries,
			progress_events = excluded.progress_events,
			hit_count = 0,
			last_hit_at = NULL
	`, question, normalized, hash, response, toolsJSON, sqlJSON, progressJSON, now)
	if err != nil {
		return nil, fmt.Errorf("store: save cached response (mode=%v): %w", mode, err)
	}
	return s.getByHash(ctx, hash)
}

// RecordHit increments the hit counter and bumps last_hit_at for a cache hit
// returned from Lookup.
func (s *QueryCacheStore) RecordHit(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE query_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: record cache hit: %w", err)
	}
	return nil
}

// DeleteByQuestion removes a cached entry by its question text's hash.
func (s *QueryCacheStore) DeleteByQuestion(ctx context.Context, question string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE question_hash = ?`, Hash(Normalize(question)))
	if err != nil {
		return fmt.Errorf("store: delete cached response: %w", err)
	}
	return nil
}

// Clear removes every cached response.
func (s *QueryCacheStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_cache`)
	if err != nil {
		return fmt.Errorf("store: clear cache: %w", err)
	}
	return nil
}

// CleanupExpired deletes every cached response older than ttl since its
// created_at, returning the number of rows removed.
func (s *QueryCacheStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup cache: %w", err)
	}
	return res.RowsAffected()
}

// QueryCacheStats summarizes store-wide cache state for diagnostics.
type QueryCacheStats struct {
	TotalEntries int64
	TotalHits    int64
}

// GetStats reports aggregate entry and hit counts across the whole cache.
func (s *QueryCacheStore) GetStats(ctx context.Context) (*QueryCacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats QueryCacheStats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM query_cache`)
	if err := row.Scan(&stats.TotalEntries, &stats.TotalHits); err != nil {
		return nil, fmt.Errorf("store: cache stats: %w", err)
	}
	return &stats, nil
}

const cacheSelectColumns = `SELECT id, question_text, question_normalized, question_hash, response_text, tools_used, sql_queries, progress_events, hit_count, created_at, last_hit_at FROM query_cache`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCachedResponse(row *sql.Row) (*CachedResponse, error) {
	resp, err := scanCachedResponseRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return resp, err
}

func scanCachedResponseRows(row rowScanner) (*CachedResponse, error) {
	var resp CachedResponse
	var toolsJSON, sqlJSON, progressJSON sql.NullString
	if err := row.Scan(&resp.ID, &resp.QuestionText, &resp.QuestionNormalized, &resp.QuestionHash, &resp.ResponseText,
		&toolsJSON, &sqlJSON, &progressJSON, &resp.HitCount, &resp.CreatedAt, &resp.LastHitAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan cached response: %w", err)
	}
	if toolsJSON.Valid && toolsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &resp.ToolsUsed); err != nil {
			return nil, fmt.Errorf("store: decode tools_used: %w", err)
		}
	}
	if sqlJSON.Valid && sqlJSON.String != "" {
		if err := json.Unmarshal([]byte(sqlJSON.String), &resp.SQLQueries); err != nil {
			return nil, fmt.Errorf("store: decode sql_queries: %w", err)
		}
	}
	if progressJSON.Valid && progressJSON.String != "" {
		if err := json.Unmarshal([]byte(progressJSON.String), &resp.ProgressEvents); err != nil {
			return nil, fmt.Errorf("store: decode progress_events: %w", err)
		}
	}
	return &resp, nil
}
