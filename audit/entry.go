// Package audit records every privileged access decision in an append-only,
// hash-chained log.
//
// There is no update or delete operation anywhere in this package: Store
// only inserts and reads, and the SQL schema installs triggers that abort any
// UPDATE or DELETE issued against the table from outside.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuditWrite   = errors.New("audit write failed")
	ErrInvalidEntry = errors.New("invalid audit entry")
	ErrChainBroken  = errors.New("audit hash chain is broken")
	// ErrSequenceTaken is returned by MemoryStore when another writer has
	// already recorded an entry at the same or a later sequence.
	ErrSequenceTaken = errors.New("audit sequence already taken")
)

// Outcome is the access decision recorded by an entry.
type Outcome string

const (
	Allowed Outcome = "allowed"
	Denied  Outcome = "denied"
)

// SystemActor is recorded when no user is attached to an access.
const SystemActor = "system"

// genesisHash is the previous hash of the first entry.
const genesisHash = "genesis"

// Entry is a single immutable audit record.
type Entry struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Level         string         `json:"level"`
	Timestamp     time.Time      `json:"timestamp"`
	ActorID       string         `json:"actor_id"`
	Operation     string         `json:"operation"`
	EscalationID  string         `json:"escalation_id,omitempty"`
	SourceAddress string         `json:"source_address,omitempty"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
	PreviousHash  string         `json:"previous_hash"`
	Hash          string         `json:"hash"`
}

func (e Entry) clone() Entry {
	if e.Details != nil {
		e.Details = copyValue(e.Details).(map[string]any)
	}
	return e
}

// copyValue deep-copies a value made of the types encoding/json decodes into.
func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// normalizeDetails returns a detached copy of details in the form a store
// reads it back: maps, slices, strings, bools, nil and json.Number.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encoding details: %w", err)
	}
	return decodeDetails(b)
}

func decodeDetails(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding details: %w", err)
	}
	return out, nil
}

// Filter selects entries from a Store. Zero values do not constrain.
// Results are always ordered most recent first.
type Filter struct {
	ActorID      string
	ResourceType string
	ResourceID   string
	Operation    string
	Level        string
	Outcome      Outcome
	Since        time.Time
	Until        time.Time

	// Limit <= 0 means no limit.
	Limit  int
	Offset int
}

func (f Filter) matches(e Entry) bool {
	switch {
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Level != "" && e.Level != f.Level:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	}
	return true
}

// QueryOptions paginates the convenience queries on Log.
type QueryOptions struct {
	Limit  int
	Offset int
}

const (
	DefaultQueryLimit     = 100
	DefaultDateRangeLimit = 1000
	MaxReportLogs         = 1000
)
