// Package escalation tracks time-boxed grants of emergency data access.
//
// An escalation is created by Registry.Request, is either auto-approved for a
// narrow set of life-threatening categories or waits for a supervisor's
// Approve, and is never honored at or after its expiry instant.
package escalation

import (
	"errors"
	"slices"
	"strings"
	"time"
	"unicode"
)

var (
	ErrEscalationNotFound      = errors.New("escalation not found")
	ErrEscalationExpired       = errors.New("escalation expired")
	ErrEscalationPendingReview = errors.New("escalation pending review")
	ErrEscalationNotPending    = errors.New("escalation is not pending review")
	ErrSelfApproval            = errors.New("escalation cannot be approved by its requester")
	ErrInvalidRequest          = errors.New("invalid escalation request")
	ErrRateLimited             = errors.New("too many escalation requests")
)

type Status string

const (
	StatusApproved      Status = "approved"
	StatusPendingReview Status = "pending_review"
)

// CategoryUnclassified is assigned to reasons matching no configured category.
const CategoryUnclassified = "unclassified"

// Escalation is a single emergency-access grant.
type Escalation struct {
	ID           string     `json:"id"`
	Reason       string     `json:"reason"`
	Category     string     `json:"category"`
	RequestedBy  string     `json:"requested_by"`
	PatientHash  string     `json:"patient_hash,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       Status     `json:"status"`
	AutoApproved bool       `json:"auto_approved"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

// ExpiredAt reports whether the escalation is no longer valid at now.
func (e *Escalation) ExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *Escalation) clone() *Escalation {
	c := *e
	if e.ApprovedAt != nil {
		at := *e.ApprovedAt
		c.ApprovedAt = &at
	}
	return &c
}

// Category is a life-threatening condition whose requests are auto-approved
// with the shorter window. A reason matches when it contains any keyword as
// whole words, case-insensitively, and the match is not negated by one of the
// few words before it in the same clause ("no chest pain", "ruled out
// stroke").
type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

func (c Category) matches(clauses [][]string) bool {
	for _, kw := range c.Keywords {
		phrase := reasonWords(kw)
		for _, words := range clauses {
			if containsAffirmed(words, phrase) {
				return true
			}
		}
	}
	return false
}

// negationWindow is how many words before a keyword are scanned for a
// negation.
const negationWindow = 3

var negations = []string{"no", "not", "without", "denies", "denied", "negative", "excluded", "ruled out", "rule out"}

// reasonClauses splits a reason on punctuation and lowercases each clause
// into words.
func reasonClauses(reason string) [][]string {
	var clauses [][]string
	for _, clause := range strings.FieldsFunc(reason, func(r rune) bool {
		return strings.ContainsRune(",;.:!?\n", r)
	}) {
		if words := reasonWords(clause); len(words) > 0 {
			clauses = append(clauses, words)
		}
	}
	return clauses
}

func reasonWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsAffirmed reports whether phrase occurs in words at least once
// without a negation in front of it.
func containsAffirmed(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		if !slices.Equal(words[i:i+len(phrase)], phrase) {
			continue
		}
		if !negated(words[max(0, i-negationWindow):i]) {
			return true
		}
	}
	return false
}

func negated(before []string) bool {
	window := " " + strings.Join(before, " ") + " "
	for _, neg := range negations {
		if strings.Contains(window, " "+neg+" ") {
			return true
		}
	}
	return false
}

// DefaultCategories returns the auto-approvable categories used when none
// are configured.
func DefaultCategories() []Category {
	return []Category{
		{Name: "cardiac", Keywords: []string{"cardiac arrest", "chest pain", "heart attack", "myocardial infarction"}},
		{Name: "stroke", Keywords: []string{"stroke", "cerebrovascular"}},
		{Name: "respiratory_arrest", Keywords: []string{"respiratory arrest", "not breathing", "airway obstruction"}},
		{Name: "anaphylaxis", Keywords: []string{"anaphylaxis", "anaphylactic"}},
	}
}

const (
	DefaultTTL            = 30 * time.Minute
	DefaultAutoApproveTTL = 15 * time.Minute
	DefaultRequestWindow  = time.Minute
)

// Policy controls lifetimes, auto-approval and request throttling.
type Policy struct {
	DefaultTTL     time.Duration
	AutoApproveTTL time.Duration
	Categories     []Category

	// RequestBurst is the number of requests one requester may make per
	// RequestWindow. Zero disables throttling.
	RequestBurst  int
	RequestWindow time.Duration
}

// DefaultPolicy returns the 30/15 minute policy with the default categories
// and no throttling.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:     DefaultTTL,
		AutoApproveTTL: DefaultAutoApproveTTL,
		Categories:     DefaultCategories(),
		RequestWindow:  DefaultRequestWindow,
	}
}

func (p Policy) withDefaults() Policy {
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = DefaultTTL
	}
	if p.AutoApproveTTL <= 0 {
		p.AutoApproveTTL = DefaultAutoApproveTTL
	}
	if p.Categories == nil {
		p.Categories = DefaultCategories()
	}
	if p.RequestWindow <= 0 {
		p.RequestWindow = DefaultRequestWindow
	}
	return p
}

// classify returns the first category reason falls into.
func (p Policy) classify(reason string) (string, bool) {
	clauses := reasonClauses(reason)
	for _, c := range p.Categories {
		if c.matches(clauses) {
			return c.Name, true
		}
	}
	return CategoryUnclassified, false
}
