package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunStore reads and writes deliberation runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store over db.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// SaveRun inserts or updates a run record.
func (s *RunStore) SaveRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run must have an id")
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	keywords, err := json.Marshal(run.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}
	completedAt := ""
	if run.CompletedAt != nil {
		completedAt = formatTime(*run.CompletedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, query, status, outcome, final_report, message_count, max_messages,
			keywords_json, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			outcome = excluded.outcome,
			final_report = excluded.final_report,
			message_count = excluded.message_count,
			max_messages = excluded.max_messages,
			keywords_json = excluded.keywords_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, run.ID, run.Query, run.Status, run.Outcome, run.FinalReport, run.MessageCount, run.MaxMessages,
		string(keywords), run.Error, formatTime(run.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with id, or ErrRunNotFound.
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query, status, outcome, final_report, message_count, max_messages,
			keywords_json, error, created_at, completed_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, status, outcome, final_report, message_count, max_messages,
			keywords_json, error, created_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// SaveTranscript replaces the transcript of runID with messages, numbered in order.
func (s *RunStore) SaveTranscript(ctx context.Context, runID string, messages []RunMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_messages WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	for i := range messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_messages (run_id, seq, speaker, content) VALUES (?, ?, ?, ?)
		`, runID, i, messages[i].Speaker, messages[i].Content); err != nil {
			return fmt.Errorf("failed to insert transcript entry %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}
	return nil
}

// GetTranscript returns the transcript of runID in order.
func (s *RunStore) GetTranscript(ctx context.Context, runID string) ([]RunMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, speaker, content FROM run_messages WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []RunMessage
	for rows.Next() {
		var m RunMessage
		if err := rows.Scan(&m.RunID, &m.Seq, &m.Speaker, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SaveSections replaces the report sections of runID.
func (s *RunStore) SaveSections(ctx context.Context, runID string, sections []Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM report_sections WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear sections: %w", err)
	}
	for i := range sections {
		sec := &sections[i]
		created := sec.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO report_sections (id, run_id, seq, title, content, author, status, version,
				parent_id, rationale, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sec.ID, runID, i, sec.Title, sec.Content, sec.Author, sec.Status, sec.Version,
			sec.ParentID, sec.Rationale, formatTime(created)); err != nil {
			return fmt.Errorf("failed to insert section %s: %w", sec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sections: %w", err)
	}
	return nil
}

// GetSections returns the report sections of runID in order.
func (s *RunStore) GetSections(ctx context.Context, runID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, title, content, author, status, version, parent_id, rationale, created_at
		FROM report_sections WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sections []Section
	for rows.Next() {
		var sec Section
		var created string
		if err := rows.Scan(&sec.ID, &sec.RunID, &sec.Seq, &sec.Title, &sec.Content, &sec.Author,
			&sec.Status, &sec.Version, &sec.ParentID, &sec.Rationale, &created); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sec.CreatedAt = parseTime(created)
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

// MarkStaleRuns marks any 'running' runs as 'interrupted'.
// Called at startup to detect runs that did not finish in a previous process.
func MarkStaleRuns(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		UPDATE runs SET status = ?, completed_at = ? WHERE status = ?
	`, RunStatusInterrupted, formatTime(time.Now()), RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var keywords, created, completed string
	err := row.Scan(&run.ID, &run.Query, &run.Status, &run.Outcome, &run.FinalReport,
		&run.MessageCount, &run.MaxMessages, &keywords, &run.Error, &created, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if keywords != "" && keywords != "null" {
		if err := json.Unmarshal([]byte(keywords), &run.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords of run %s: %w", run.ID, err)
		}
	}
	run.CreatedAt = parseTime(created)
	if completed != "" {
		t := parseTime(completed)
		run.CompletedAt = &t
	}
	return &run, nil
}
