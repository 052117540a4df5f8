package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/solucity-dev/solucity-sub000/internal/platform/firestore"
)

const defaultCollection = "idempotency_keys"

// FirestoreStore keeps keys in a Firestore collection. Reserve and Complete run in transactions
// so two instances cannot both claim a key.
type FirestoreStore struct {
	provider    *pfirestore.Provider
	collection  string
	lockTimeout time.Duration
}

// FirestoreOption customises FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithLockTimeout overrides how long a pending reservation blocks retries.
func WithLockTimeout(d time.Duration) FirestoreOption {
	return func(s *FirestoreStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewFirestoreStore constructs a store backed by the shared Firestore provider.
func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{provider: provider, collection: defaultCollection, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			reservation, replace, err := decide(existing.toRecord(), fingerprint, now, s.lockTimeout)
			if err != nil {
				return err
			}
			if !replace {
				result = reservation
				return nil
			}
		}
		record := newPending(key, fingerprint, now, ttl)
		result = Reservation{State: ReservationStateNew, Record: record}
		return tx.Set(ref, fromRecord(record))
	})
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return Reservation{}, ErrFingerprintMismatch
		}
		return Reservation{}, pfirestore.WrapError("idempotency.reserve", err)
	}
	return result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record := newPending(key, fingerprint, now, ttl)
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record.CreatedAt = existing.CreatedAt
		}
		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = storableHeaders(resp.Headers)
		record.ResponseBody = append([]byte(nil), resp.Body...)
		return tx.Set(ref, fromRecord(record))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFingerprintMismatch):
		return ErrFingerprintMismatch
	default:
		return pfirestore.WrapError("idempotency.complete", err)
	}
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	writer.End()
	return len(docs), nil
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func fromRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
