// Package audit records what each turn decided: matched candidates, the
// resolved active set with its drop report, journey movement and tool
// outcomes. Records are write-once.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/resolver"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// Match is one candidate the matcher judged relevant.
type Match struct {
	Key        string  `json:"key"`
	Kind       string  `json:"kind"`
	Subject    string  `json:"subject"`
	Confidence float64 `json:"confidence"`
}

// Record is the audit trail of one turn.
type Record struct {
	AgentID      string              `json:"agent_id"`
	AgentVersion int64               `json:"agent_version"`
	SessionID    string              `json:"session_id"`
	TurnID       string              `json:"turn_id"`
	EventKind    string              `json:"event_kind"`
	Matched      []Match             `json:"matched,omitempty"`
	Failures     []string            `json:"failures,omitempty"`
	Resolution   resolver.Resolution `json:"resolution"`
	Journey      journey.Transition  `json:"journey"`
	Tools        []tools.Outcome     `json:"tools,omitempty"`
	Mode         string              `json:"mode"`
	Degraded     bool                `json:"degraded,omitempty"`
	Utterance    string              `json:"utterance,omitempty"`
	Error        string              `json:"error,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
}

// Store persists turn records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// Filter limits record queries. Zero fields match everything.
type Filter struct {
	AgentID   string
	SessionID string
	TurnID    string
	Limit     int
}

func (f Filter) match(rec Record) bool {
	if f.AgentID != "" && rec.AgentID != f.AgentID {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.TurnID != "" && rec.TurnID != f.TurnID {
		return false
	}
	return true
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends a record.
func (s *MemoryStore) Record(_ context.Context, rec Record) error {
	rec.StartedAt = normalizeTime(rec.StartedAt)
	rec.FinishedAt = normalizeTime(rec.FinishedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// List returns filtered records in insertion order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !filter.match(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
