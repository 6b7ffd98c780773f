package job

import (
	"strings"
	"time"
)

// ScriptType selects a launcher from the executor's closed table.
type ScriptType string

const (
	ScriptShell  ScriptType = "shell"
	ScriptBash   ScriptType = "bash"
	ScriptPython ScriptType = "python"
)

// ScriptTypes returns the supported script types in a stable order.
func ScriptTypes() []ScriptType {
	return []ScriptType{ScriptShell, ScriptBash, ScriptPython}
}

func (t ScriptType) Valid() bool {
	switch t {
	case ScriptShell, ScriptBash, ScriptPython:
		return true
	default:
		return false
	}
}

// ParseScriptType normalizes raw and rejects tags outside the closed set.
func ParseScriptType(raw string) (ScriptType, error) {
	t := ScriptType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", &UnsupportedScriptTypeError{Type: raw}
	}
	return t, nil
}

type Outcome string

const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Definition is a persisted, schedulable unit of work.
//
// RunCount, LastOutcome and LastRunAt are owned by reconciliation; updates
// through the registry never change them.
type Definition struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Recurring  bool       `json:"recurring"`
	Schedule   string     `json:"schedule_cron,omitempty"`
	ScriptPath string     `json:"script_path,omitempty"`
	ScriptType ScriptType `json:"script_type"`
	Parameters string     `json:"parameters,omitempty"`

	RunCount    int64     `json:"run_count"`
	LastOutcome Outcome   `json:"last_outcome"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize trims user-supplied fields and fills defaults.
func (d Definition) Normalize() Definition {
	d.Name = strings.TrimSpace(d.Name)
	d.Schedule = strings.TrimSpace(d.Schedule)
	d.ScriptPath = strings.TrimSpace(d.ScriptPath)
	d.Parameters = strings.TrimSpace(d.Parameters)
	d.ScriptType = ScriptType(strings.ToLower(strings.TrimSpace(string(d.ScriptType))))
	if d.LastOutcome == "" {
		d.LastOutcome = OutcomeUnknown
	}
	return d
}

// Validate checks the registration-time invariants. It returns a
// ValidationError describing the first violation.
func (d Definition) Validate() error {
	if d.Name == "" {
		return &FieldError{Field: "name", Reason: "required"}
	}
	if !d.ScriptType.Valid() {
		return &UnsupportedScriptTypeError{Type: string(d.ScriptType)}
	}
	if !d.Recurring {
		// A non-recurring job may still carry an expression; reject it early if it
		// would not survive a later promotion.
		if d.Schedule != "" {
			if _, err := ParseRecurrence(d.Schedule); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := ParseRecurrence(d.Schedule); err != nil {
		return err
	}
	if !d.HasExecutable() {
		return &FieldError{Field: "script_path", Reason: "required for recurring jobs"}
	}
	return nil
}

// HasExecutable reports whether the definition names something to run.
// Shell jobs may carry the whole command line in Parameters.
func (d Definition) HasExecutable() bool {
	if d.ScriptPath != "" {
		return true
	}
	return d.ScriptType == ScriptShell && d.Parameters != ""
}

// Args splits Parameters on whitespace. Empty parameters yield no arguments.
func (d Definition) Args() []string {
	return strings.Fields(d.Parameters)
}

// Invocation is one concrete execution attempt. It lives only until its
// outcome has been reconciled into the owning Definition.
type Invocation struct {
	ID         string     `json:"id"`
	JobID      int64      `json:"job_id"`
	ScriptType ScriptType `json:"script_type"`
	Command    []string   `json:"command,omitempty"`
	Trigger    string     `json:"trigger"`

	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended"`
	ExitCode int       `json:"exit_code"`

	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	Outcome Outcome `json:"outcome"`
	Err     string  `json:"error,omitempty"`
}

// Duration is the wall time between start and end.
func (i *Invocation) Duration() time.Duration {
	if i == nil || i.Ended.IsZero() || i.Started.IsZero() {
		return 0
	}
	return i.Ended.Sub(i.Started)
}

// Succeeded reports whether the invocation exited with status zero.
func (i *Invocation) Succeeded() bool {
	return i != nil && i.Outcome == OutcomeSuccess
}

// Trigger sources recorded on an Invocation.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)
