// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := New(CodeToolFailure, "tool crashed", cause)

	msg := err.Error()
	if !strings.Contains(msg, string(CodeToolFailure)) {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "socket closed") {
		t.Errorf("expected cause in message, got %q", msg)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := New(CodeInternal, "wrapped", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeQuotaExceeded, "quota hit", nil).
		WithContext("tool", "web-search").
		WithContext("limit", 8).
		WithRecoverable(true)

	if err.Context["tool"] != "web-search" {
		t.Errorf("context not preserved: %v", err.Context)
	}
	if !err.Recoverable {
		t.Error("recoverable flag not set")
	}
}

func TestAsLoomError(t *testing.T) {
	le := New(CodeNotFound, "missing", nil)
	if AsLoomError(le) != le {
		t.Error("existing LoomError should pass through unchanged")
	}

	wrapped := AsLoomError(stderrors.New("plain"))
	if wrapped.Code != CodeInternal {
		t.Errorf("plain errors wrap as internal, got %s", wrapped.Code)
	}

	if AsLoomError(nil) != nil {
		t.Error("nil should stay nil")
	}
}
