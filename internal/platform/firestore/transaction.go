package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout caps the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a transaction on client. Errors returned by fn that already
// carry repository semantics are preserved.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return errors.New("firestore: client is nil")
	}
	if fn == nil {
		return errors.New("firestore: transaction function is nil")
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if deadline, ok := ctx.Deadline(); cfg.timeout > 0 && (!ok || time.Until(deadline) > cfg.timeout) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	err := client.RunTransaction(ctx, fn, firestore.MaxAttempts(cfg.attempts))
	if err == nil {
		return nil
	}
	var domainErr interface{ IsConflict() bool }
	if errors.As(err, &domainErr) {
		return err
	}
	return WrapError("transaction", err)
}
