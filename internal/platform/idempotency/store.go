// Package idempotency replays the stored response of a mutating request when a client retries
// it with the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status is the lifecycle state of a key.
type Status string

const (
	// DefaultTTL bounds how long completed responses are replayable.
	DefaultTTL = 24 * time.Hour
	// DefaultLockTimeout is how long a pending reservation blocks retries before it is considered
	// abandoned by a crashed request.
	DefaultLockTimeout = 30 * time.Second

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and must run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means Record holds a response to replay.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

// Reservation is returned by Store.Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// abandoned reports whether a pending reservation outlived the lock timeout.
func (r Record) abandoned(now time.Time, lockTimeout time.Duration) bool {
	return r.Status == StatusPending && lockTimeout > 0 && !now.Before(r.UpdatedAt.Add(lockTimeout))
}

// Response is what the middleware stores for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses. Keys passed in are already scoped to the caller.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

func newPending(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// decide applies the shared reservation rules to an existing record.
func decide(existing Record, fingerprint string, now time.Time, lockTimeout time.Duration) (Reservation, bool, error) {
	if existing.expired(now) || existing.abandoned(now, lockTimeout) {
		return Reservation{}, true, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, false, ErrFingerprintMismatch
	}
	if existing.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: existing}, false, nil
	}
	return Reservation{State: ReservationStatePending, Record: existing}, false, nil
}

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var hopHeaders = map[string]struct{}{
	"Content-Length":        {},
	"Date":                  {},
	"Connection":            {},
	"Keep-Alive":            {},
	"Proxy-Authenticate":    {},
	"Proxy-Authorization":   {},
	"Te":                    {},
	"Trailer":               {},
	"Transfer-Encoding":     {},
	"Upgrade":               {},
	"X-Request-Id":          {},
	"X-Cloud-Trace-Context": {},
}

func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := hopHeaders[canonical]; skip {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
