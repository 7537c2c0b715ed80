// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
)

// completeMaxAttempts is the number of times CompleteWithRetry tries
// before giving up. Three attempts with exponential backoff (1s, 2s)
// covers brief rate limits and server hiccups without stalling a run
// for long.
const completeMaxAttempts = 3

// CompleteWithRetry calls provider.Complete with bounded retry on
// transient provider errors (429 rate limits, 529 overload, 5xx).
// Permanent errors (other 4xx, request construction failures) are
// returned immediately. The context bounds the total retry time.
//
// The compaction summarizer uses this: a summary lost to a transient
// rate limit would otherwise force the whole compaction to re-run on
// the next turn.
func CompleteWithRetry(ctx context.Context, clk clock.Clock, logger *slog.Logger, provider Provider, request Request) (*Response, error) {
	var lastError error
	for attempt := 0; attempt < completeMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-clk.After(backoff):
			}
		}

		response, err := provider.Complete(ctx, request)
		if err == nil {
			return response, nil
		}
		lastError = err

		if !IsTransient(err) {
			return nil, err
		}

		logger.Warn("transient provider failure, retrying",
			"model", request.Model,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, lastError
}

// IsTransient reports whether err is a provider failure worth
// retrying. Provider errors classify themselves; anything else
// (connection refused, timeout, EOF) is treated as transient, except
// context cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient()
	}
	return true
}
