package persistence

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run status constants.
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
	RunStatusInterrupted = "interrupted" // process exited while the run was active
)

// Run is one persisted deliberation.
//
//nolint:govet // struct alignment optimization not critical for this type
type Run struct {
	ID           string              `json:"id"`
	Query        string              `json:"query"`
	Status       string              `json:"status"`
	Outcome      string              `json:"outcome,omitempty"` // summarized, ended
	FinalReport  string              `json:"final_report,omitempty"`
	MessageCount int                 `json:"message_count"`
	MaxMessages  int                 `json:"max_messages"`
	Keywords     map[string][]string `json:"keywords,omitempty"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// RunMessage is one transcript entry of a run.
type RunMessage struct {
	RunID   string `json:"run_id"`
	Seq     int    `json:"seq"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Section is a persisted report section.
//
//nolint:govet // struct alignment optimization not critical for this type
type Section struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	ParentID  string    `json:"parent_id,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateRunID generates a new UUID for a run.
func GenerateRunID() string {
	return uuid.New().String()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
