// Package executor launches one OS process per invocation through a closed
// table of interpreters and captures its exit status and output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

const (
	DefaultMaxOutput = 64 << 10
	waitDelay        = 2 * time.Second
)

// Config controls process launching.
type Config struct {
	DefaultTimeout time.Duration // 0 disables
	MaxOutput      int           // per stream; 0 means DefaultMaxOutput
	Workdir        string
	Env            []string
	// Launchers overrides the interpreter binary per script type. Unknown
	// keys are rejected by config validation.
	Launchers map[string]string
}

// Spec is what to run.
type Spec struct {
	InvocationID string
	JobID        int64
	ScriptPath   string
	ScriptType   job.ScriptType
	Parameters   string
	Trigger      string
}

// SpecFor builds a Spec from a stored definition.
func SpecFor(def job.Definition, trigger string) Spec {
	return Spec{
		JobID:      def.ID,
		ScriptPath: def.ScriptPath,
		ScriptType: def.ScriptType,
		Parameters: def.Parameters,
		Trigger:    trigger,
	}
}

// launcher turns a spec into argv.
type launcher func(bin string, s Spec) ([]string, error)

var launchers = map[job.ScriptType]struct {
	bin   string
	build launcher
}{
	job.ScriptShell: {bin: "sh", build: func(bin string, s Spec) ([]string, error) {
		line := strings.TrimSpace(strings.Join(nonEmpty(s.ScriptPath, s.Parameters), " "))
		if line == "" {
			return nil, &job.FieldError{Field: "script_path", Reason: "required"}
		}
		return []string{bin, "-c", line}, nil
	}},
	job.ScriptBash: {bin: "bash", build: interpreted},
	job.ScriptPython: {bin: "python3", build: interpreted},
}

func interpreted(bin string, s Spec) ([]string, error) {
	if strings.TrimSpace(s.ScriptPath) == "" {
		return nil, &job.FieldError{Field: "script_path", Reason: "required"}
	}
	argv := []string{bin, s.ScriptPath}
	return append(argv, strings.Fields(s.Parameters)...), nil
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Executor runs processes. It is safe for concurrent use.
type Executor struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger

	launches atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, log: log}
}

// Apply swaps the config for subsequent runs.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Launches returns how many processes have been started.
func (e *Executor) Launches() uint64 { return e.launches.Load() }

// Command resolves the argv for s without starting anything.
func (e *Executor) Command(s Spec) ([]string, error) {
	l, ok := launchers[s.ScriptType]
	if !ok {
		return nil, &job.UnsupportedScriptTypeError{Type: string(s.ScriptType)}
	}
	bin := l.bin
	if o := strings.TrimSpace(e.config().Launchers[string(s.ScriptType)]); o != "" {
		bin = o
	}
	return l.build(bin, s)
}

// Run starts exactly one process for s and waits for it. The returned error
// is non-nil only when s is rejected before launch; every post-launch
// problem is recorded on the invocation as a failure.
func (e *Executor) Run(ctx context.Context, s Spec) (*job.Invocation, error) {
	argv, err := e.Command(s)
	if err != nil {
		return nil, err
	}
	cfg := e.config()

	inv := &job.Invocation{
		ID:         s.InvocationID,
		JobID:      s.JobID,
		ScriptType: s.ScriptType,
		Command:    argv,
		Trigger:    s.Trigger,
		ExitCode:   -1,
		Outcome:    job.OutcomeFailure,
	}

	runCtx := ctx
	if cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		defer cancel()
	}

	max := cfg.MaxOutput
	if max <= 0 {
		max = DefaultMaxOutput
	}
	stdout := &cappedBuffer{max: max}
	stderr := &cappedBuffer{max: max}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = cfg.Workdir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TASKD_JOB_ID="+strconv.FormatInt(s.JobID, 10),
		"TASKD_INVOCATION_ID="+s.InvocationID,
		"TASKD_TRIGGER="+s.Trigger,
	)

	inv.Started = time.Now()
	e.launches.Add(1)
	runErr := cmd.Run()
	inv.Ended = time.Now()

	inv.Stdout = stdout.String()
	inv.Stderr = stderr.String()
	inv.Truncated = stdout.truncated || stderr.truncated

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		inv.ExitCode = 0
		inv.Outcome = job.OutcomeSuccess
	case errors.As(runErr, &exitErr):
		inv.ExitCode = exitErr.ExitCode()
		inv.Err = runErr.Error()
	default:
		inv.Err = runErr.Error()
	}
	if runErr != nil && cfg.DefaultTimeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		inv.Err = fmt.Sprintf("timeout after %s: %v", cfg.DefaultTimeout, runErr)
	}

	e.log.Debug("process exited",
		logx.Int64("job_id", s.JobID),
		logx.String("invocation", s.InvocationID),
		logx.Strs("argv", argv),
		logx.Int("exit_code", inv.ExitCode),
		logx.Duration("took", inv.Duration()),
	)
	return inv, nil
}

// cappedBuffer keeps the first max bytes and silently discards the rest so
// the child never blocks or sees a write error.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
