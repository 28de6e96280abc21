package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dcop/internal/distribution"
	"github.com/roach88/dcop/internal/replication"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Run ended in error
	ExitImpossible   = 2 // Impossible distribution or replication
	ExitCommandError = 3 // Command error (invalid flags, unreadable files, etc.)
)

// ExitError represents an error with a specific exit code.
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// planningExit maps a planning failure to its exit code: impossible
// distributions and replications are expected outcomes, anything else is
// a command error.
func planningExit(message string, err error) *ExitError {
	if distribution.IsImpossible(err) || replication.IsImpossible(err) {
		return WrapExitError(ExitImpossible, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}

// Failure is the document printed when a command cannot produce its result.
type Failure struct {
	Error  string `json:"error" yaml:"error"`
	Status string `json:"status" yaml:"status"`
}

// StatusFail is the status of a Failure.
const StatusFail = "FAIL"

// OutputFormatter renders command results as indented JSON or as YAML text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool

	// Output, when set, also receives every successful result.
	Output string
}

// newFormatter builds the formatter of a command from the global flags.
func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
		Output:    opts.Output,
	}
}

// Render encodes v in the configured format.
func (f *OutputFormatter) Render(v any) ([]byte, error) {
	if f.Format == "json" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return yaml.Marshal(v)
}

// Success outputs a result, and writes it to the output file if one was
// requested.
func (f *OutputFormatter) Success(v any) error {
	data, err := f.Render(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if f.Output != "" {
		if err := os.WriteFile(f.Output, data, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output file", err)
		}
	}
	_, err = f.Writer.Write(data)
	return err
}

// Fail outputs a Failure for err.
func (f *OutputFormatter) Fail(err error) error {
	data, rerr := f.Render(Failure{Status: StatusFail, Error: err.Error()})
	if rerr != nil {
		return rerr
	}
	_, werr := f.Writer.Write(data)
	return werr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
