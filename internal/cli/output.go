package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit statuses.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // drain halted, fetch failed, scenario failed
	ExitCommandError = 2 // unusable invocation: bad config, missing store, no backend
)

// Error codes carried in JSON error responses.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeConfig      = "E002" // config unreadable or invalid
	ErrCodeStore       = "E003" // key-value store would not open
	ErrCodeNoBackend   = "E004" // backend.url missing
	ErrCodeNotFound    = "E005" // path or cached snapshot missing
	ErrCodeSyncFailed  = "E006"
	ErrCodeScenario    = "E007"
	ErrCodeWriteFailed = "E008"
)

// ExitError carries the process exit status and JSON error code for a
// failed command. main turns it into os.Exit via GetExitCode.
type ExitError struct {
	Code    int
	ErrCode string // empty means ErrCodeGeneric
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError with no cause.
func NewExitError(code int, message string) *ExitError {
	return WrapExitError(code, message, nil)
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func (e *ExitError) withErrCode(code string) *ExitError {
	e.ErrCode = code
	return e
}

func (e *ExitError) jsonCode() string {
	if e.ErrCode == "" {
		return ErrCodeGeneric
	}
	return e.ErrCode
}

// GetExitCode maps err to a process exit status. Errors that are not an
// ExitError anywhere in their chain exit with ExitFailure.
func GetExitCode(err error) int {
	if exitErr, ok := asExitError(err); ok {
		return exitErr.Code
	}
	return ExitFailure
}

func asExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	ok := errors.As(err, &exitErr)
	return exitErr, ok
}

// TextRenderer is implemented by results with a human-readable form.
type TextRenderer interface {
	RenderText(w io.Writer)
}

// CLIResponse is the envelope of every --format json document.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" | "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or JSON. Diagnostics go
// to ErrWriter, or Writer when ErrWriter is nil.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

func (f *OutputFormatter) isJSON() bool { return f.Format == "json" }

func (f *OutputFormatter) encode(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data. In text mode a TextRenderer renders itself and
// anything else is printed on one line.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if r, ok := data.(TextRenderer); ok {
		r.RenderText(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes an error report. Text mode prints details only with
// --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.isJSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	if _, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message); err != nil {
		return err
	}
	if f.Verbose && details != nil {
		_, err := fmt.Fprintf(f.Writer, "Details: %v\n", details)
		return err
	}
	return nil
}

// Fail reports err and hands it back, so commands can end with
// `return f.Fail(err)`.
func (f *OutputFormatter) Fail(err error) error {
	code := ErrCodeGeneric
	if exitErr, ok := asExitError(err); ok {
		code = exitErr.jsonCode()
	}
	if werr := f.Error(code, err.Error(), nil); werr != nil {
		return werr
	}
	return err
}

// VerboseLog writes a diagnostic line to ErrWriter when --verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.diag(), format+"\n", args...)
	}
}

func (f *OutputFormatter) diag() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}
