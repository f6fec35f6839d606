package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names written under a run directory.
const (
	ReportFilename   = "report.md"
	SectionsFilename = "sections.md"
	KeywordsFilename = "keywords.txt"
)

// RunDir returns the directory holding the artifacts of runID.
func RunDir(reportsDir, runID string) string {
	return filepath.Join(reportsDir, runID)
}

func write(dir, name, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// SaveReport writes the final report to dir and returns its path.
func SaveReport(dir, report string) (string, error) {
	return write(dir, ReportFilename, report)
}

// SaveDocument writes the sectioned document next to the report.
func SaveDocument(dir string, doc *Document) (string, error) {
	return write(dir, SectionsFilename, doc.Markdown())
}

// SaveKeywords writes keywords as one comma-separated line.
func SaveKeywords(dir string, keywords []string) (string, error) {
	clean := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	return write(dir, KeywordsFilename, strings.Join(clean, ",")+"\n")
}
