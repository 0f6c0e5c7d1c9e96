package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-automation/core"
	goerrors "github.com/goliatone/go-errors"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode returns the engine text code carried by err, if any.
func ErrorCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && strings.TrimSpace(richErr.TextCode) != "" {
		return richErr.TextCode
	}
	if errors.Is(err, core.ErrNotConfigured) {
		return core.ErrorInternal
	}
	return "AUTOMATION_CLI_ERROR"
}

type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type Response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data as a JSON envelope, or through text when the text
// format is active.
func (f *OutputFormatter) Success(data any, text func(io.Writer) error) error {
	if f.Format == "json" || text == nil {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(Response{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

func (f *OutputFormatter) Error(err error) error {
	if err == nil {
		return nil
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: ErrorCode(err), Message: err.Error()},
		})
	}
	_, writeErr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", ErrorCode(err), err.Error())
	return writeErr
}
