// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// defaultMaxAttempts is the total number of tries (first attempt
	// included) the retrying source makes for a transient failure.
	defaultMaxAttempts = 3

	// defaultInitialDelay is the delay before the first retry. It is
	// doubled after every failed attempt.
	defaultInitialDelay = time.Second

	// defaultMaxDelay caps the growth of the retry delay.
	defaultMaxDelay = 10 * time.Second
)

// RetryingSource wraps a Source and retries calls that fail with ErrNetwork,
// using a bounded exponential backoff. Deterministic failures (broadcast
// rejections, unknown transactions, cancelled contexts) are returned
// immediately: retrying them would not change the outcome.
type RetryingSource struct {
	// Wrapped is the underlying chain source.
	Wrapped Source

	// MaxAttempts is the total number of tries per call. Values below 1
	// fall back to the default.
	MaxAttempts int

	// InitialDelay is the delay before the first retry, doubled after
	// every failed attempt up to MaxDelay.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// A compile time check to ensure RetryingSource implements Source.
var _ Source = (*RetryingSource)(nil)

// NewRetryingSource wraps the given source with the default retry policy.
func NewRetryingSource(wrapped Source) *RetryingSource {
	return &RetryingSource{
		Wrapped:      wrapped,
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
	}
}

// FetchScripts implements Source.
func (r *RetryingSource) FetchScripts(ctx context.Context,
	scripts []Script) (map[string]ScriptResult, error) {

	var result map[string]ScriptResult
	err := r.do(ctx, "fetch scripts", func() error {
		var err error
		result, err = r.Wrapped.FetchScripts(ctx, scripts)

		return err
	})

	return result, err
}

// FetchTx implements Source.
func (r *RetryingSource) FetchTx(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	var tx *wire.MsgTx
	err := r.do(ctx, "fetch tx", func() error {
		var err error
		tx, err = r.Wrapped.FetchTx(ctx, txid)

		return err
	})

	return tx, err
}

// Broadcast implements Source.
func (r *RetryingSource) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var txid *chainhash.Hash
	err := r.do(ctx, "broadcast", func() error {
		var err error
		txid, err = r.Wrapped.Broadcast(ctx, tx)

		return err
	})

	return txid, err
}

// do runs fn with the configured retry policy. Only failures wrapped in
// ErrNetwork are retried. When the attempts are exhausted the last
// underlying cause is surfaced to the caller.
func (r *RetryingSource) do(ctx context.Context, op string,
	fn func() error) error {

	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	delay := r.InitialDelay
	if delay <= 0 {
		delay = defaultInitialDelay
	}

	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Deterministic failures are surfaced immediately.
		if !errors.Is(lastErr, ErrNetwork) {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		log.Warnf("Transient failure during %s (attempt %d/%d), "+
			"retrying in %v: %v", op, attempt, maxAttempts, delay,
			lastErr)

		select {
		case <-time.After(delay):

		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op,
		maxAttempts, lastErr)
}
