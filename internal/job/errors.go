package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrBusy is returned by manual dispatch while an invocation is in flight.
	ErrBusy     = errors.New("job already running")
	ErrConflict = errors.New("job already exists")
	// ErrReconciliationSkip marks an outcome discarded because the job was
	// deleted while it ran.
	ErrReconciliationSkip = errors.New("reconciliation skipped: job deleted")
)

// NotFound wraps ErrNotFound with the job id.
func NotFound(id int64) error {
	return fmt.Errorf("job %d: %w", id, ErrNotFound)
}

// ValidationError is implemented by errors that reject a request before
// anything is stored, installed or run.
type ValidationError interface {
	error
	validation()
}

// IsValidation reports whether err (or anything it wraps) is a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }
func (e *FieldError) validation()   {}

// RecurrenceError reports a malformed cron expression.
type RecurrenceError struct {
	Expr string
	Err  error
}

func (e *RecurrenceError) Error() string {
	return fmt.Sprintf("invalid recurrence %q: %v", e.Expr, e.Err)
}
func (e *RecurrenceError) Unwrap() error { return e.Err }
func (e *RecurrenceError) validation()   {}

type UnsupportedScriptTypeError struct {
	Type string
}

func (e *UnsupportedScriptTypeError) Error() string {
	return fmt.Sprintf("unsupported script type %q (want shell, bash or python)", e.Type)
}
func (e *UnsupportedScriptTypeError) validation() {}
