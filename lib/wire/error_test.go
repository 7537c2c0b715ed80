// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := Errorf(CodeDeviceNotApproved, "device %q awaiting approval", "dev-1")
	wrapped := fmt.Errorf("handling connect: %w", inner)

	if !IsCode(wrapped, CodeDeviceNotApproved) {
		t.Fatal("IsCode should see through fmt.Errorf wrapping")
	}
	if IsCode(wrapped, CodeAuthFailed) {
		t.Fatal("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), CodeDeviceNotApproved) {
		t.Fatal("IsCode matched a non-wire error")
	}
}

func TestErrorfDefaultRetryability(t *testing.T) {
	if !Errorf(CodeRateLimited, "slow down").Retryable {
		t.Error("RATE_LIMITED should default to retryable")
	}
	if !Errorf(CodeInternal, "oops").Retryable {
		t.Error("INTERNAL_ERROR should default to retryable")
	}
	if Errorf(CodePermissionDenied, "no").Retryable {
		t.Error("PERMISSION_DENIED should default to non-retryable")
	}
}

func TestWithRetryableDoesNotMutate(t *testing.T) {
	base := Errorf(CodeExecDenied, "node offline")
	overridden := base.WithRetryable(true)

	if !overridden.Retryable {
		t.Fatal("override lost")
	}
	if base.Retryable {
		t.Fatal("WithRetryable mutated the original")
	}
}

func TestAsErrorHidesInternalDetail(t *testing.T) {
	internal := fmt.Errorf("writing transcript: %w", errors.New("disk full: /var/lib/gatehouse"))
	wireErr := AsError(internal)

	if wireErr.Code != CodeInternal {
		t.Fatalf("code = %v, want %v", wireErr.Code, CodeInternal)
	}
	if strings.Contains(wireErr.Message, "disk full") {
		t.Fatalf("internal detail leaked across the boundary: %q", wireErr.Message)
	}
}

func TestAsErrorPassesWireErrorsThrough(t *testing.T) {
	original := Errorf(CodeSessionNotFound, "no session %q", "s-1")
	wrapped := fmt.Errorf("dispatching: %w", original)

	got := AsError(wrapped)
	if got != original {
		t.Fatalf("AsError should return the wrapped *Error unchanged, got %+v", got)
	}
}

func TestAsErrorMapsValidationErrors(t *testing.T) {
	validation := (&ValidationError{}).
		Add("params.provider", "required").
		Add("params.text", "required")

	wireErr := AsError(fmt.Errorf("validating: %w", error(validation)))
	if wireErr.Code != CodeInvalidParams {
		t.Fatalf("code = %v, want %v", wireErr.Code, CodeInvalidParams)
	}
	if !strings.Contains(wireErr.Message, "params.provider") ||
		!strings.Contains(wireErr.Message, "params.text") {
		t.Fatalf("message lost issue paths: %q", wireErr.Message)
	}
	if wireErr.Retryable {
		t.Fatal("validation failures are not retryable")
	}
}

func TestValidationErrorAggregatesIssues(t *testing.T) {
	params := ConnectParams{Role: "superuser"}
	err := params.Validate()
	if err == nil {
		t.Fatal("Validate accepted a hollow handshake")
	}

	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("Validate returned %T, want *ValidationError", err)
	}

	// role, device_id, auth_token, nonce, timestamp all wrong: every
	// issue reported in one pass.
	if len(validation.Issues) != 5 {
		t.Fatalf("issue count = %d, want 5: %v", len(validation.Issues), validation.Issues)
	}
}

func TestValidationErrorOrNil(t *testing.T) {
	params := SessionResolveParams{Provider: "webchat", SenderID: "u-1"}
	if err := params.Validate(); err != nil {
		t.Fatalf("Validate(valid params) = %v, want nil", err)
	}

	// A typed nil must not leak into the error interface.
	e := &ValidationError{}
	if e.OrNil() != nil {
		t.Fatal("OrNil on empty ValidationError should be untyped nil")
	}
}
