// Package results records what buildtap computed: one row per processed
// build stream and one row per handler result. The status API reads from
// here. Admission state never touches this
// store; a restart reprocesses whatever the feed announces.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamRecord is the terminal record of one per-build stream.
type StreamRecord struct {
	BuildID    string
	Outcome    string // "completed" or "failed"
	Error      string
	Events     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// HandlerResult is one variant's final output for a build.
type HandlerResult struct {
	BuildID   string
	Handler   string
	Result    json.RawMessage
	Error     string
	CreatedAt time.Time
}

// BuildSummary is a projection for listing processed builds.
type BuildSummary struct {
	BuildID    string    `json:"build_id"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Events     int       `json:"events"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    int       `json:"results"`
}

// Store persists build and handler records to sqlite.
type Store struct {
	db *sql.DB
}

// New wraps an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordStream appends the terminal record for one build stream.
func (s *Store) RecordStream(ctx context.Context, rec StreamRecord) error {
	if rec.BuildID == "" {
		return fmt.Errorf("build id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO build_log(id, build_id, outcome, error, events, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), rec.BuildID, rec.Outcome, nullable(rec.Error), rec.Events,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert build_log: %w", err)
	}
	return nil
}

// RecordResult appends one handler's final result for a build.
func (s *Store) RecordResult(ctx context.Context, rec HandlerResult) error {
	if rec.BuildID == "" {
		return fmt.Errorf("build id is empty")
	}
	if rec.Handler == "" {
		return fmt.Errorf("handler name is empty")
	}
	var result any
	if len(rec.Result) > 0 {
		result = string(rec.Result)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO handler_results(id, build_id, handler, result, error, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, uuid.NewString(), rec.BuildID, rec.Handler, result, nullable(rec.Error),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert handler_result: %w", err)
	}
	return nil
}

// RecentBuilds returns the most recently finished builds, newest first.
func (s *Store) RecentBuilds(ctx context.Context, limit int) ([]BuildSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT b.build_id, b.outcome, b.error, b.events, b.started_at, b.finished_at,
       (SELECT COUNT(*) FROM handler_results r WHERE r.build_id = b.build_id)
FROM build_log b
ORDER BY b.finished_at DESC, b.rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query build_log: %w", err)
	}
	defer rows.Close()

	var out []BuildSummary
	for rows.Next() {
		var (
			sum       BuildSummary
			errS      sql.NullString
			startedS  string
			finishedS string
		)
		if err := rows.Scan(&sum.BuildID, &sum.Outcome, &errS, &sum.Events, &startedS, &finishedS, &sum.Results); err != nil {
			return nil, fmt.Errorf("scan build_log: %w", err)
		}
		if errS.Valid {
			sum.Error = errS.String
		}
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			sum.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, finishedS); err == nil {
			sum.FinishedAt = t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ResultsForBuild returns every stored handler result for a build.
func (s *Store) ResultsForBuild(ctx context.Context, buildID string) ([]HandlerResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT handler, result, error, created_at
FROM handler_results
WHERE build_id = ?
ORDER BY created_at ASC, rowid ASC;
`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query handler_results: %w", err)
	}
	defer rows.Close()

	var out []HandlerResult
	for rows.Next() {
		var (
			rec      HandlerResult
			result   sql.NullString
			errS     sql.NullString
			createdS string
		)
		if err := rows.Scan(&rec.Handler, &result, &errS, &createdS); err != nil {
			return nil, fmt.Errorf("scan handler_result: %w", err)
		}
		rec.BuildID = buildID
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		if errS.Valid {
			rec.Error = errS.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than retention. A zero retention keeps
// everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM build_log WHERE finished_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune build_log: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM handler_results WHERE created_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune handler_results: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
