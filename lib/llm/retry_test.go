// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
)

// scriptedProvider returns canned results in order, one per Complete
// call.
type scriptedProvider struct {
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	response *Response
	err      error
}

func (provider *scriptedProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	if provider.calls >= len(provider.results) {
		return nil, errors.New("scripted provider exhausted")
	}
	result := provider.results[provider.calls]
	provider.calls++
	return result.response, result.err
}

func (provider *scriptedProvider) Stream(ctx context.Context, request Request) (*EventStream, error) {
	return nil, errors.New("scripted provider does not stream")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompleteWithRetrySucceedsFirstTry(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{results: []scriptedResult{
		{response: &Response{Content: []ContentBlock{TextBlock("ok")}}},
	}}

	response, err := CompleteWithRetry(context.Background(), clock.Real(), discardLogger(), provider, Request{Model: "m"})
	if err != nil {
		t.Fatalf("CompleteWithRetry: %v", err)
	}
	if text := response.TextContent(); text != "ok" {
		t.Errorf("TextContent = %q, want ok", text)
	}
	if provider.calls != 1 {
		t.Errorf("calls = %d, want 1", provider.calls)
	}
}

func TestCompleteWithRetryTransientThenSuccess(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(1000, 0))
	provider := &scriptedProvider{results: []scriptedResult{
		{err: &ProviderError{StatusCode: 429, Type: "rate_limit_error", Message: "slow down"}},
		{err: &ProviderError{StatusCode: 529, Type: "overloaded_error", Message: "overloaded"}},
		{response: &Response{Content: []ContentBlock{TextBlock("finally")}}},
	}}

	type completion struct {
		response *Response
		err      error
	}
	done := make(chan completion, 1)
	go func() {
		response, err := CompleteWithRetry(context.Background(), fakeClock, discardLogger(), provider, Request{Model: "m"})
		done <- completion{response, err}
	}()

	// First backoff (1s), then second (2s).
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(2 * time.Second)

	result := <-done
	if result.err != nil {
		t.Fatalf("CompleteWithRetry: %v", result.err)
	}
	if text := result.response.TextContent(); text != "finally" {
		t.Errorf("TextContent = %q, want finally", text)
	}
	if provider.calls != 3 {
		t.Errorf("calls = %d, want 3", provider.calls)
	}
}

func TestCompleteWithRetryPermanentError(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{results: []scriptedResult{
		{err: &ProviderError{StatusCode: 400, Type: "invalid_request_error", Message: "bad request"}},
	}}

	_, err := CompleteWithRetry(context.Background(), clock.Real(), discardLogger(), provider, Request{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", provider.calls)
	}

	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if providerErr.StatusCode != 400 {
		t.Errorf("StatusCode = %d, want 400", providerErr.StatusCode)
	}
}

func TestCompleteWithRetryExhausted(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(1000, 0))
	provider := &scriptedProvider{results: []scriptedResult{
		{err: &ProviderError{StatusCode: 503, Message: "down"}},
		{err: &ProviderError{StatusCode: 503, Message: "down"}},
		{err: &ProviderError{StatusCode: 503, Message: "still down"}},
	}}

	done := make(chan error, 1)
	go func() {
		_, err := CompleteWithRetry(context.Background(), fakeClock, discardLogger(), provider, Request{Model: "m"})
		done <- err
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(2 * time.Second)

	err := <-done
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if provider.calls != 3 {
		t.Errorf("calls = %d, want 3", provider.calls)
	}

	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if providerErr.Message != "still down" {
		t.Errorf("Message = %q, want last error", providerErr.Message)
	}
}

func TestCompleteWithRetryContextCancelled(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(1000, 0))
	provider := &scriptedProvider{results: []scriptedResult{
		{err: &ProviderError{StatusCode: 503, Message: "down"}},
	}}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := CompleteWithRetry(ctx, fakeClock, discardLogger(), provider, Request{Model: "m"})
		done <- err
	}()

	// Wait until the retry is parked on the backoff timer, then
	// cancel instead of advancing.
	fakeClock.WaitForTimers(1)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &ProviderError{StatusCode: 429}, true},
		{"overloaded", &ProviderError{StatusCode: 529}, true},
		{"server error", &ProviderError{StatusCode: 500}, true},
		{"bad request", &ProviderError{StatusCode: 400}, false},
		{"unauthorized", &ProviderError{StatusCode: 401}, false},
		{"network failure", errors.New("connection reset"), true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
