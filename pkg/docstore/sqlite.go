package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskteam/pkg/logx"
)

// SQLiteStore implements Store on the documents/chunks tables and the
// chunks_fts index created by the persistence migrations.
type SQLiteStore struct {
	db      *sql.DB
	chunker *TextChunker
	logger  *logx.Logger
	cfg     Config
}

// NewSQLiteStore wraps an opened, migrated database.
func NewSQLiteStore(db *sql.DB, cfg Config) *SQLiteStore {
	cfg = cfg.withDefaults()
	return &SQLiteStore{
		db:      db,
		cfg:     cfg,
		chunker: NewTextChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:  logx.NewLogger("docstore"),
	}
}

// Add chunks content and stores it as a new anonymous document.
func (s *SQLiteStore) Add(ctx context.Context, content string, metadata map[string]string) error {
	_, _, err := s.AddDocument(ctx, "", content, metadata)
	return err
}

// AddDocument stores content under source. A non-empty source identifies the
// document: identical content for the same source is skipped, changed content
// replaces the previous chunks. It returns the document id and whether
// anything was written.
func (s *SQLiteStore) AddDocument(ctx context.Context, source, content string, metadata map[string]string) (string, bool, error) {
	chunks := s.chunker.Split(content)
	if len(chunks) == 0 {
		return "", false, ErrEmptyContent
	}

	sum := sha256.Sum256([]byte(content))
	digest := hex.EncodeToString(sum[:])

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin document insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if source != "" {
		var existingID, existingSum string
		err := tx.QueryRowContext(ctx, `SELECT id, sha256 FROM documents WHERE source = ?`, source).Scan(&existingID, &existingSum)
		switch {
		case err == nil && existingSum == digest:
			return existingID, false, nil
		case err == nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, existingID); err != nil {
				return "", false, fmt.Errorf("replace document %s: %w", source, err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return "", false, fmt.Errorf("look up document %s: %w", source, err)
		}
	}

	docMeta, err := json.Marshal(nonNil(metadata))
	if err != nil {
		return "", false, fmt.Errorf("encode metadata: %w", err)
	}

	docID := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, source, sha256, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		docID, source, digest, string(docMeta), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", false, fmt.Errorf("insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, seq, content, metadata) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", false, fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		meta := make(map[string]string, len(metadata)+5)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["chunk_index"] = strconv.Itoa(c.Index)
		meta["chunk_start"] = strconv.Itoa(c.Start)
		meta["chunk_end"] = strconv.Itoa(c.End)
		meta["chunk_size"] = strconv.Itoa(len(c.Content))
		meta["total_chunks"] = strconv.Itoa(len(chunks))
		encoded, err := json.Marshal(meta)
		if err != nil {
			return "", false, fmt.Errorf("encode chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, docID, c.Index, c.Content, string(encoded)); err != nil {
			return "", false, fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit document: %w", err)
	}
	s.logger.Debug("stored document %s (%s) as %d chunks", docID, source, len(chunks))
	return docID, true, nil
}

// RemoveSource deletes the document ingested from source, if any.
func (s *SQLiteStore) RemoveSource(ctx context.Context, source string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE source = ?`, source)
	if err != nil {
		return false, fmt.Errorf("remove document %s: %w", source, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns the number of documents and chunks stored.
func (s *SQLiteStore) Count(ctx context.Context) (documents, chunks int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&documents); err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	return documents, chunks, nil
}

type rankedPassage struct {
	Passage
	rank float64
}

// Search runs one FTS5 phrase query per keyword. bm25 ranks are normalized
// against the best rank seen so the top passage scores 1. Duplicates keep
// their best score; passages below the threshold are dropped.
func (s *SQLiteStore) Search(ctx context.Context, keywords []string) ([]Passage, error) {
	byID := make(map[int64]*rankedPassage)
	best := 0.0

	for _, kw := range keywords {
		query := ftsPhrase(kw)
		if query == "" {
			continue
		}
		found, err := s.searchOne(ctx, query)
		if err != nil {
			return nil, err
		}
		for i := range found {
			p := found[i]
			if p.rank < best {
				best = p.rank
			}
			if prev, ok := byID[p.ChunkID]; !ok || p.rank < prev.rank {
				byID[p.ChunkID] = &p
			}
		}
	}

	passages := make([]Passage, 0, len(byID))
	for _, p := range byID {
		score := 1.0
		if best < 0 {
			score = p.rank / best
		}
		if score < s.cfg.ScoreThreshold {
			continue
		}
		p.Score = score
		passages = append(passages, p.Passage)
	}

	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].ChunkID < passages[j].ChunkID
	})
	if len(passages) > s.cfg.TopK {
		passages = passages[:s.cfg.TopK]
	}
	return passages, nil
}

func (s *SQLiteStore) searchOne(ctx context.Context, match string) ([]rankedPassage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.metadata, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, s.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", match, err)
	}
	defer func() { _ = rows.Close() }()

	var out []rankedPassage
	for rows.Next() {
		var p rankedPassage
		var meta string
		if err := rows.Scan(&p.ChunkID, &p.DocumentID, &p.Content, &meta, &p.rank); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
				s.logger.Warn("chunk %d has unreadable metadata: %v", p.ChunkID, err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}
	return out, nil
}

// ftsPhrase quotes a keyword as an FTS5 phrase so operators and punctuation
// in user text cannot break the query.
func ftsPhrase(keyword string) string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(keyword, `"`, `""`) + `"`
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
