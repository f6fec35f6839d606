package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	for _, table := range []string{"documents", "chunks", "chunks_fts", "runs", "run_messages", "report_sections"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestFTSTriggersFollowChunks(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`INSERT INTO documents (id, created_at) VALUES ('d1', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO chunks (document_id, seq, content) VALUES ('d1', 0, 'payment gateway outage')`)
	require.NoError(t, err)

	count := func() int {
		var n int
		require.NoError(t, db.QueryRow(`SELECT count(*) FROM chunks_fts WHERE chunks_fts MATCH 'gateway'`).Scan(&n))
		return n
	}
	assert.Equal(t, 1, count())

	_, err = db.Exec(`DELETE FROM documents WHERE id = 'd1'`)
	require.NoError(t, err)
	assert.Equal(t, 0, count(), "cascade delete must reach the index")
}

func TestRunStore(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(openTestDB(t))

	run := &Run{
		ID:          GenerateRunID(),
		Query:       "What could go wrong with the payment API?",
		MaxMessages: 20,
		Keywords:    map[string][]string{"creative": {"payments"}},
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Equal(t, []string{"payments"}, got.Keywords["creative"])
	assert.Nil(t, got.CompletedAt)

	done := time.Now()
	run.Status = RunStatusCompleted
	run.Outcome = "summarized"
	run.FinalReport = "report"
	run.MessageCount = 3
	run.CompletedAt = &done
	require.NoError(t, store.SaveRun(ctx, run))

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, "report", got.FinalReport)
	assert.Equal(t, 3, got.MessageCount)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(openTestDB(t))

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRun(ctx, &Run{ID: id, Query: "q", CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)

	runs, err = store.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestTranscriptAndSections(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(openTestDB(t))
	require.NoError(t, store.SaveRun(ctx, &Run{ID: "r1", Query: "q"}))

	messages := []RunMessage{
		{Speaker: "Coordinator", Content: "Decision: SecurityExpert | Reasoning: start"},
		{Speaker: "SecurityExpert", Content: "analysis"},
	}
	require.NoError(t, store.SaveTranscript(ctx, "r1", messages))
	require.NoError(t, store.SaveTranscript(ctx, "r1", messages), "saving twice replaces")

	got, err := store.GetTranscript(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Seq)
	assert.Equal(t, "SecurityExpert", got[1].Speaker)

	sections := []Section{
		{ID: "s1", Title: "SecurityExpert Analysis", Content: "text", Author: "SecurityExpert", Status: "merged", Version: 1},
	}
	require.NoError(t, store.SaveSections(ctx, "r1", sections))
	gotSections, err := store.GetSections(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, gotSections, 1)
	assert.Equal(t, "r1", gotSections[0].RunID)
	assert.False(t, gotSections[0].CreatedAt.IsZero())
}

func TestMarkStaleRuns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewRunStore(db)
	require.NoError(t, store.SaveRun(ctx, &Run{ID: "live", Query: "q"}))
	require.NoError(t, store.SaveRun(ctx, &Run{ID: "done", Query: "q", Status: RunStatusCompleted}))

	n, err := MarkStaleRuns(db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetRun(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, RunStatusInterrupted, got.Status)
}

func TestSingleton(t *testing.T) {
	require.False(t, IsInitialized())
	path := filepath.Join(t.TempDir(), "nested", "riskteam.db")
	require.NoError(t, Initialize(path))
	t.Cleanup(func() { _ = Close() })

	assert.True(t, IsInitialized())
	assert.NotNil(t, GetDB())
	require.NoError(t, Initialize(path), "same path is a no-op")
	assert.Error(t, Initialize(filepath.Join(t.TempDir(), "other.db")))

	require.NoError(t, Close())
	assert.False(t, IsInitialized())
	assert.Panics(t, func() { GetDB() })
}
