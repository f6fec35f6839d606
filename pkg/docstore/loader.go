package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IngestStats summarizes an ingest pass.
type IngestStats struct {
	Added   int
	Skipped int
	Failed  int
}

// Ingestable reports whether path names a document the loader accepts.
func Ingestable(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".md", ".txt":
		return true
	default:
		return false
	}
}

// IngestFile loads one .md or .txt file. Unchanged files are skipped.
func (s *SQLiteStore) IngestFile(ctx context.Context, path string) (bool, error) {
	if !Ingestable(path) {
		return false, fmt.Errorf("unsupported document type: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	meta := map[string]string{
		"source":   abs,
		"filename": filepath.Base(abs),
		"type":     strings.TrimPrefix(strings.ToLower(filepath.Ext(abs)), "."),
	}
	_, added, err := s.AddDocument(ctx, abs, string(data), meta)
	if err != nil {
		return false, fmt.Errorf("ingest %s: %w", path, err)
	}
	return added, nil
}

// IngestDir loads every accepted file under dir. Per-file failures are
// logged and counted; only walk errors and cancellation abort the pass.
func (s *SQLiteStore) IngestDir(ctx context.Context, dir string) (IngestStats, error) {
	var stats IngestStats
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Ingestable(path) {
			return nil
		}
		added, err := s.IngestFile(ctx, path)
		switch {
		case err != nil:
			stats.Failed++
			s.logger.Warn("%v", err)
		case added:
			stats.Added++
		default:
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("ingest %s: %w", dir, err)
	}
	s.logger.Info("ingested %s: %d added, %d unchanged, %d failed", dir, stats.Added, stats.Skipped, stats.Failed)
	return stats, nil
}

// Ingest loads each path, descending into directories.
func (s *SQLiteStore) Ingest(ctx context.Context, paths ...string) (IngestStats, error) {
	var total IngestStats
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return total, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			stats, err := s.IngestDir(ctx, p)
			total.Added += stats.Added
			total.Skipped += stats.Skipped
			total.Failed += stats.Failed
			if err != nil {
				return total, err
			}
			continue
		}
		added, err := s.IngestFile(ctx, p)
		if err != nil {
			return total, err
		}
		if added {
			total.Added++
		} else {
			total.Skipped++
		}
	}
	return total, nil
}
