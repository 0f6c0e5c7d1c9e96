package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestServiceErrorMapper_AssignsStableCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		textCode string
		status   int
	}{
		{"malformed", MalformedEventError("event_id", "is required"), ErrorMalformedEvent, http.StatusBadRequest},
		{"rule not found", RuleNotFoundError("r9"), ErrorRuleNotFound, http.StatusNotFound},
		{"wrapped sentinel", fmt.Errorf("lookup: %w", ErrRuleNotFound), ErrorRuleNotFound, http.StatusNotFound},
		{"persistence", PersistenceError(stderrors.New("disk full"), "record outcome"), ErrorPersistence, http.StatusInternalServerError},
		{"shutting down", ErrShuttingDown, ErrorShuttingDown, http.StatusConflict},
		{"transient action", TransientActionError("upstream 503", nil), ErrorDispatchTransient, http.StatusBadGateway},
		{"permanent action", PermanentActionError("user blocked", nil), ErrorDispatchPermanent, http.StatusBadGateway},
		{"plain bad input", stderrors.New("core: account_id is required"), ErrorBadInput, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := serviceErrorMapper(tc.err)
			if mapped == nil {
				t.Fatalf("expected mapped error")
			}
			if mapped.TextCode != tc.textCode {
				t.Fatalf("expected %q, got %q", tc.textCode, mapped.TextCode)
			}
			if mapped.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, mapped.Code)
			}
		})
	}
	if serviceErrorMapper(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestServiceMethods_MapErrorsToStableServiceCodes(t *testing.T) {
	engine := newTestEngine(t, nil)
	_, err := engine.service.Process(context.Background(), InboundEvent{EventID: "E1", AccountID: "A1", EventType: "story_mention"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors type, got %T", err)
	}
	if richErr.TextCode != ErrorMalformedEvent {
		t.Fatalf("expected malformed text code, got %q", richErr.TextCode)
	}
	if richErr.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", richErr.Category)
	}

	if err := engine.service.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, err = engine.service.Process(context.Background(), testEvent("E2", EventTypeComment, "hi"))
	if !goerrors.As(err, &richErr) || richErr.TextCode != ErrorShuttingDown {
		t.Fatalf("expected shutting down text code, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient action", TransientActionError("timeout", nil), true},
		{"permanent action", PermanentActionError("invalid recipient", nil), false},
		{"wrapped permanent", fmt.Errorf("call: %w", PermanentActionError("gone", nil)), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"unclassified", stderrors.New("connection reset by peer"), true},
		{"auth", goerrors.New("token revoked", goerrors.CategoryAuth), false},
		{"validation", MalformedEventError("text", "too long"), false},
		{"permanent text code", goerrors.New("refused", goerrors.CategoryExternal).WithTextCode(ErrorDispatchPermanent), false},
		{"external", goerrors.New("bad gateway", goerrors.CategoryExternal), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestActionError_MessageAndUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := &ActionError{Class: ErrorClassTransient, StatusCode: 503, Reason: "service unavailable", Err: cause}
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected unwrap to reach cause")
	}
	if got := err.Error(); got != "core: transient action failure (status 503): service unavailable" {
		t.Fatalf("unexpected message %q", got)
	}
	mapped := err.ToServiceError()
	if mapped.Metadata["status_code"] != 503 {
		t.Fatalf("expected status metadata, got %+v", mapped.Metadata)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsRuleNotFound(RuleNotFoundError("r1")) || IsRuleNotFound(stderrors.New("other")) {
		t.Fatalf("unexpected IsRuleNotFound result")
	}
	if !IsPersistenceError(MapError(PersistenceError(nil, "admit event"))) {
		t.Fatalf("expected mapped persistence error to keep its code")
	}
	if !IsMalformedEvent(MalformedEventError("event_type", "unsupported")) {
		t.Fatalf("expected malformed predicate")
	}
}
