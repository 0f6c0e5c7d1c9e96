package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorMalformedEvent    = "AUTOMATION_MALFORMED_EVENT"
	ErrorRuleNotFound      = "AUTOMATION_RULE_NOT_FOUND"
	ErrorRateLimited       = "AUTOMATION_RATE_LIMITED"
	ErrorDispatchTransient = "AUTOMATION_DISPATCH_TRANSIENT"
	ErrorDispatchPermanent = "AUTOMATION_DISPATCH_PERMANENT"
	ErrorPersistence       = "AUTOMATION_PERSISTENCE"
	ErrorBadInput          = "AUTOMATION_BAD_INPUT"
	ErrorShuttingDown      = "AUTOMATION_SHUTTING_DOWN"
	ErrorInternal          = "AUTOMATION_INTERNAL_ERROR"
)

var (
	ErrRuleNotFound  = errors.New("core: rule not found")
	ErrShuttingDown  = errors.New("core: engine is shutting down")
	ErrLogNotFound   = errors.New("core: log entry not found")
	ErrNotConfigured = errors.New("core: component is not configured")
)

// MalformedEventError reports an inbound payload that violates the event shape.
func MalformedEventError(field string, reason string) *goerrors.Error {
	field = strings.TrimSpace(field)
	reason = strings.TrimSpace(reason)
	message := fmt.Sprintf("core: malformed event: %s %s", field, reason)
	return goerrors.NewValidation(message, goerrors.FieldError{Field: field, Message: reason}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorMalformedEvent).
		WithMetadata(map[string]any{"field": field})
}

func IsMalformedEvent(err error) bool {
	return hasTextCode(err, ErrorMalformedEvent)
}

func RuleNotFoundError(ruleID string) *goerrors.Error {
	return goerrors.Wrap(ErrRuleNotFound, goerrors.CategoryNotFound, fmt.Sprintf("core: rule %q not found", strings.TrimSpace(ruleID))).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorRuleNotFound).
		WithMetadata(map[string]any{"rule_id": strings.TrimSpace(ruleID)})
}

func IsRuleNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) || hasTextCode(err, ErrorRuleNotFound)
}

func PersistenceError(err error, operation string) *goerrors.Error {
	if err == nil {
		err = errors.New("unknown persistence failure")
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "core: persistence failed during "+strings.TrimSpace(operation)).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorPersistence).
		WithMetadata(map[string]any{"operation": strings.TrimSpace(operation)})
}

func IsPersistenceError(err error) bool {
	return hasTextCode(err, ErrorPersistence)
}

func BadInputError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput)
}

type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// ActionError is the classified failure returned by an ActionPerformer.
type ActionError struct {
	Class      ErrorClass
	StatusCode int
	Reason     string
	// RetryAfter is the server's back-off hint; zero means none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *ActionError) Error() string {
	if e == nil {
		return ""
	}
	detail := strings.TrimSpace(e.Reason)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("core: %s action failure (status %d): %s", e.Class, e.StatusCode, detail)
	}
	return fmt.Sprintf("core: %s action failure: %s", e.Class, detail)
}

func (e *ActionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ActionError) ToServiceError() *goerrors.Error {
	textCode := ErrorDispatchPermanent
	category := goerrors.CategoryOperation
	if e.Class == ErrorClassTransient {
		textCode = ErrorDispatchTransient
		category = goerrors.CategoryExternal
	}
	metadata := map[string]any{"class": string(e.Class)}
	if e.StatusCode > 0 {
		metadata["status_code"] = e.StatusCode
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), category).
		WithCode(http.StatusBadGateway).
		WithTextCode(textCode).
		WithMetadata(metadata)
}

func TransientActionError(reason string, err error) *ActionError {
	return &ActionError{Class: ErrorClassTransient, Reason: reason, Err: err}
}

func PermanentActionError(reason string, err error) *ActionError {
	return &ActionError{Class: ErrorClassPermanent, Reason: reason, Err: err}
}

// IsTransient decides whether a dispatch failure is worth another attempt.
// Unclassified errors are treated as transient, except cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Class == ErrorClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz, goerrors.CategoryValidation,
			goerrors.CategoryBadInput, goerrors.CategoryNotFound:
			return false
		}
		switch richErr.TextCode {
		case ErrorDispatchPermanent:
			return false
		}
	}
	return true
}

func retryAfterHint(err error) time.Duration {
	var actionErr *ActionError
	if errors.As(err, &actionErr) && actionErr.RetryAfter > 0 {
		return actionErr.RetryAfter
	}
	return 0
}

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return strings.EqualFold(strings.TrimSpace(richErr.TextCode), textCode)
	}
	return false
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return ensureServiceErrorEnvelope(actionErr.ToServiceError())
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrRuleNotFound):
		return RuleNotFoundError("")
	case errors.Is(err, ErrShuttingDown):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ErrorShuttingDown)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorRuleNotFound
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryConflict:
		return ErrorShuttingDown
	case goerrors.CategoryExternal:
		return ErrorDispatchTransient
	case goerrors.CategoryOperation:
		return ErrorDispatchPermanent
	default:
		return ErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MapError converts any engine error to the go-errors envelope used by the
// command and transport layers.
func MapError(err error) *goerrors.Error {
	return serviceErrorMapper(err)
}
