package inbound

import (
	"net/http"

	"github.com/goliatone/go-automation/core"
	goerrors "github.com/goliatone/go-errors"
)

func inboundError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func inboundWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	if source == nil {
		return inboundError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// malformed wraps the field level failure used by every normalizer path.
func malformed(field string, reason string) error {
	return core.MalformedEventError(field, reason)
}

func inboundBadInput(source error, message string, metadata map[string]any) error {
	return inboundWrapError(
		source,
		goerrors.CategoryBadInput,
		message,
		http.StatusBadRequest,
		core.ErrorMalformedEvent,
		metadata,
	)
}

func inboundInternal(source error, message string) error {
	return inboundWrapError(
		source,
		goerrors.CategoryInternal,
		message,
		http.StatusInternalServerError,
		core.ErrorInternal,
		nil,
	)
}
