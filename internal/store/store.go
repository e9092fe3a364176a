// Package store persists approval tokens and the audit log. Two
// implementations exist for each store: an in-memory one for tests and
// ephemeral runs, and a SQLite-backed one for durable deployments.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-ops/argus/pkg/models"
)

// ApprovalStore persists approval tokens for destructive actions.
type ApprovalStore interface {
	// Create mints a new approval record for the given action, valid
	// for ttl from now.
	Create(ctx context.Context, userID, action string, ttl time.Duration) (models.ApprovalRecord, error)
	// GetByToken returns the record for the token, or nil when the
	// token is unknown or expired.
	GetByToken(ctx context.Context, token string) (*models.ApprovalRecord, error)
	// DeleteExpired removes records past their expiry and reports how
	// many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	// Add persists one audit event. An empty ID is assigned.
	Add(ctx context.Context, event models.AuditEvent) error
	// List returns the most recent events, newest first.
	List(ctx context.Context, limit int) ([]models.AuditEvent, error)
	// DeleteOlderThan removes events created before the cutoff and
	// reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryApprovalStore keeps approvals in process memory.
type MemoryApprovalStore struct {
	mu      sync.Mutex
	records []models.ApprovalRecord
}

// NewMemoryApprovalStore creates an empty in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{}
}

func (s *MemoryApprovalStore) Create(_ context.Context, userID, action string, ttl time.Duration) (models.ApprovalRecord, error) {
	now := time.Now().UTC()
	record := models.ApprovalRecord{
		Token:     uuid.NewString(),
		UserID:    userID,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return record, nil
}

func (s *MemoryApprovalStore) GetByToken(_ context.Context, token string) (*models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i := range s.records {
		if s.records[i].Token == token && !s.records[i].Expired(now) {
			record := s.records[i]
			return &record, nil
		}
	}
	return nil, nil
}

func (s *MemoryApprovalStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for _, record := range s.records {
		if record.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	s.records = kept
	return removed, nil
}

// MemoryAuditStore keeps the audit log in process memory.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Add(_ context.Context, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditStore) List(_ context.Context, limit int) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.AuditEvent(nil), s.events...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAuditStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	removed := 0
	for _, event := range s.events {
		if event.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	s.events = kept
	return removed, nil
}
