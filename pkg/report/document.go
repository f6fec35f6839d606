// Package report holds the sectioned risk assessment document and writes
// reports to disk.
package report

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrSectionNotFound is returned for an unknown section id.
var ErrSectionNotFound = errors.New("section not found")

// SectionStatus is the review state of a section.
type SectionStatus string

// Section states.
const (
	StatusDraft    SectionStatus = "draft"
	StatusInReview SectionStatus = "in_review"
	StatusApproved SectionStatus = "approved"
	StatusMerged   SectionStatus = "merged"
)

// ChangeType classifies a history entry.
type ChangeType string

// Change types.
const (
	ChangeCreate  ChangeType = "create"
	ChangeEdit    ChangeType = "edit"
	ChangeReview  ChangeType = "review"
	ChangeApprove ChangeType = "approve"
	ChangeMerge   ChangeType = "merge"
)

// Section is one version of a domain's contribution.
//
//nolint:govet // json field order
type Section struct {
	ID        string        `json:"id"`
	Domain    string        `json:"domain"`
	Author    string        `json:"author"`
	Content   string        `json:"content"`
	Version   int           `json:"version"`
	Status    SectionStatus `json:"status"`
	ParentID  string        `json:"parent_id,omitempty"`
	Rationale string        `json:"rationale,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Change is one entry of the document history.
//
//nolint:govet // json field order
type Change struct {
	ID        string     `json:"id"`
	SectionID string     `json:"section_id"`
	Author    string     `json:"author"`
	Type      ChangeType `json:"type"`
	Before    string     `json:"before,omitempty"`
	After     string     `json:"after,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Document collects versioned sections. Merged sections form the current
// document, one per domain; a later merge for a domain replaces the earlier.
type Document struct {
	sections map[string]*Section
	order    []string
	history  []Change
	current  map[string]string
	now      func() time.Time
	mu       sync.RWMutex
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		sections: make(map[string]*Section),
		current:  make(map[string]string),
		now:      time.Now,
	}
}

// CreateSection adds a draft section and returns its id.
func (d *Document) CreateSection(domain, author, content string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	s := &Section{
		ID:        fmt.Sprintf("%s_%s", slug(domain), uuid.NewString()[:8]),
		Domain:    domain,
		Author:    author,
		Content:   content,
		Version:   1,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.add(s)
	d.record(s.ID, author, ChangeCreate, "", content, "")
	return s.ID
}

// ProposeEdit creates a new draft version of a section and returns its id.
func (d *Document) ProposeEdit(sectionID, author, content, rationale string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	orig, ok := d.sections[sectionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	now := d.now()
	s := &Section{
		ID:        fmt.Sprintf("%s_v%d_%s", slug(orig.Domain), orig.Version+1, uuid.NewString()[:8]),
		Domain:    orig.Domain,
		Author:    author,
		Content:   content,
		Version:   orig.Version + 1,
		Status:    StatusDraft,
		ParentID:  sectionID,
		Rationale: rationale,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.add(s)
	d.record(s.ID, author, ChangeEdit, orig.Content, content, rationale)
	return s.ID, nil
}

// SubmitForReview moves a draft to in_review.
func (d *Document) SubmitForReview(sectionID, author string) error {
	return d.transition(sectionID, author, StatusInReview, ChangeReview, "", StatusDraft)
}

// Approve marks a draft or in-review section approved.
func (d *Document) Approve(sectionID, author string) error {
	return d.transition(sectionID, author, StatusApproved, ChangeApprove, "", StatusDraft, StatusInReview)
}

// Merge puts a section into the current document.
func (d *Document) Merge(sectionID, notes string) error {
	if err := d.transition(sectionID, "coordinator", StatusMerged, ChangeMerge, notes); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sections[sectionID]
	d.current[s.Domain] = s.Content
	return nil
}

func (d *Document) transition(sectionID, author string, to SectionStatus, change ChangeType, rationale string, from ...SectionStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sections[sectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if s.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("section %s is %s, cannot move to %s", sectionID, s.Status, to)
		}
	}
	s.Status = to
	s.UpdatedAt = d.now()
	d.record(sectionID, author, change, "", "", rationale)
	return nil
}

func (d *Document) add(s *Section) {
	d.sections[s.ID] = s
	d.order = append(d.order, s.ID)
}

func (d *Document) record(sectionID, author string, t ChangeType, before, after, rationale string) {
	d.history = append(d.history, Change{
		ID:        uuid.NewString(),
		SectionID: sectionID,
		Author:    author,
		Type:      t,
		Before:    before,
		After:     after,
		Rationale: rationale,
		Timestamp: d.now(),
	})
}

// Section returns a copy of the section with id.
func (d *Document) Section(id string) (Section, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sections[id]
	if !ok {
		return Section{}, false
	}
	return *s, true
}

// Sections returns every section version in creation order.
func (d *Document) Sections() []Section {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Section, len(d.order))
	for i, id := range d.order {
		out[i] = *d.sections[id]
	}
	return out
}

// History returns the change log.
func (d *Document) History() []Change {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Change(nil), d.history...)
}

// Markdown renders the merged sections, one heading per domain in name order.
func (d *Document) Markdown() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	domains := make([]string, 0, len(d.current))
	for domain := range d.current {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var sb strings.Builder
	sb.WriteString("# Risk Assessment Report\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n\n", d.now().Format("2006-01-02 15:04:05"))
	title := cases.Title(language.English)
	for _, domain := range domains {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", title.String(strings.ReplaceAll(domain, "_", " ")), d.current[domain])
	}
	return sb.String()
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '/' {
			return '_'
		}
		return r
	}, s)
}
