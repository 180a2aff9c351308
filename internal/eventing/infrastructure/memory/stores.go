package memory

import (
	"context"
	"errors"
	"sync"

	"ivlab/internal/eventing"
)

// OutboxStore is an in-memory outbox preserving insertion order.
type OutboxStore struct {
	mu      sync.Mutex
	records []outboxRow
}

type outboxRow struct {
	id     string
	env    eventing.Envelope
	status string
}

// NewOutboxStore constructs an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{}
}

// Insert appends a pending record.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil {
		return "", errors.New("memory outbox: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := eventing.NewEventID()
	s.records = append(s.records, outboxRow{id: id, env: env, status: "pending"})
	return id, nil
}

// ClaimPending moves up to limit pending records to dispatching and returns
// them, oldest first.
func (s *OutboxStore) ClaimPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventing.OutboxRecord
	for i := range s.records {
		row := &s.records[i]
		if row.status != "pending" {
			continue
		}
		row.status = "dispatching"
		out = append(out, eventing.OutboxRecord{ID: row.id, Envelope: row.env})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkSent marks a record delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.mark(id, "sent")
}

// MarkFailed marks a record failed.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.mark(id, "failed")
}

// Pending returns the number of pending records.
func (s *OutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.records {
		if row.status == "pending" {
			n++
		}
	}
	return n
}

func (s *OutboxStore) mark(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].id == id {
			s.records[i].status = status
			return nil
		}
	}
	return errors.New("memory outbox: record not found")
}

// ProcessedStore remembers which consumer handled which event.
type ProcessedStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewProcessedStore constructs an empty store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: make(map[string]bool)}
}

// HasProcessed reports whether consumer already handled eventID.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[consumerName+"/"+eventID], nil
}

// MarkProcessed records eventID as handled by consumer.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[consumerName+"/"+eventID] = true
	return nil
}
