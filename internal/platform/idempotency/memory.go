package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process. Used by tests and the memory store driver.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]Record
	lockTimeout time.Duration
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), lockTimeout: DefaultLockTimeout}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	if existing, ok := s.records[id]; ok {
		reservation, replace, err := decide(existing, fingerprint, now, s.lockTimeout)
		if err != nil || !replace {
			return reservation, err
		}
	}
	record := newPending(key, fingerprint, now, ttl)
	s.records[id] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	record, ok := s.records[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		record = newPending(key, fingerprint, now, ttl)
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	record.ResponseBody = append([]byte(nil), resp.Body...)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.records[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if record.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
