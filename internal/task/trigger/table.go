package trigger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/job"
)

// Entry is a snapshot of one installed trigger.
type Entry struct {
	JobID     int64     `json:"job_id"`
	Expr      string    `json:"schedule_cron"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitempty"`
	Installed time.Time `json:"installed"`
}

// Due is one fire time that has been reached.
type Due struct {
	JobID int64
	At    time.Time
}

type entry struct {
	expr      string
	sched     cron.Schedule
	next      time.Time
	prev      time.Time
	installed time.Time
}

// Table maps job ids to their next fire time. All methods are safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	loc     *time.Location
	entries map[int64]*entry

	changed chan struct{}
}

// New creates an empty table evaluating expressions in loc (Local when nil).
func New(loc *time.Location) *Table {
	if loc == nil {
		loc = time.Local
	}
	return &Table{
		loc:     loc,
		entries: map[int64]*entry{},
		changed: make(chan struct{}, 1),
	}
}

// LoadLocation resolves an IANA zone name; empty means Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Validate parses expr without installing anything.
func Validate(expr string) error {
	_, err := job.ParseRecurrence(expr)
	return err
}

// Preview returns the next n fire times after ref in loc. n must be positive.
func Preview(expr string, ref time.Time, loc *time.Location, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, fmt.Errorf("preview count must be positive, got %d", n)
	}
	sched, err := job.ParseRecurrence(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := ref.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Location returns the zone used for evaluation.
func (t *Table) Location() *time.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loc
}

// SetLocation switches the evaluation zone and recomputes every entry
// relative to ref.
func (t *Table) SetLocation(loc *time.Location, ref time.Time) {
	if loc == nil {
		loc = time.Local
	}
	t.mu.Lock()
	t.loc = loc
	for _, e := range t.entries {
		if n := e.sched.Next(ref.In(loc)); !n.IsZero() {
			e.next = n
		}
	}
	t.mu.Unlock()
	t.notify()
}

// Install parses expr and sets the entry for jobID to the first fire time
// strictly after ref. An existing entry for the same id is replaced.
func (t *Table) Install(jobID int64, expr string, ref time.Time) (time.Time, error) {
	sched, err := job.ParseRecurrence(expr)
	if err != nil {
		return time.Time{}, err
	}

	t.mu.Lock()
	next := sched.Next(ref.In(t.loc))
	if next.IsZero() {
		t.mu.Unlock()
		return time.Time{}, &job.RecurrenceError{Expr: expr, Err: errors.New("no future occurrence")}
	}
	t.entries[jobID] = &entry{
		expr:      strings.TrimSpace(expr),
		sched:     sched,
		next:      next,
		installed: ref,
	}
	t.mu.Unlock()

	t.notify()
	return next, nil
}

// Remove deletes the entry for jobID and reports whether one existed.
func (t *Table) Remove(jobID int64) bool {
	t.mu.Lock()
	_, ok := t.entries[jobID]
	delete(t.entries, jobID)
	t.mu.Unlock()
	if ok {
		t.notify()
	}
	return ok
}

// Clear removes every entry.
func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = map[int64]*entry{}
	t.mu.Unlock()
	t.notify()
}

// NextDue returns the entries whose fire time is at or before now, ordered
// by fire time then id. It does not mutate the table.
func (t *Table) NextDue(now time.Time) []Due {
	t.mu.Lock()
	var out []Due
	for id, e := range t.entries {
		if !e.next.After(now) {
			out = append(out, Due{JobID: id, At: e.next})
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

// Advance moves jobID past the consumed fire time. The next occurrence is
// computed from fired; if that is already at or before now, it skips
// forward to the first occurrence after now, so a late loop fires at most
// once per job. It is a no-op when the entry no longer holds fired.
func (t *Table) Advance(jobID int64, fired, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	e, ok := t.entries[jobID]
	if !ok || !e.next.Equal(fired) {
		t.mu.Unlock()
		return time.Time{}, false
	}
	next := e.sched.Next(fired.In(t.loc))
	if !next.IsZero() && !next.After(now) {
		next = e.sched.Next(now.In(t.loc))
	}
	if next.IsZero() {
		delete(t.entries, jobID)
		t.mu.Unlock()
		return time.Time{}, false
	}
	e.prev = fired
	e.next = next
	t.mu.Unlock()
	return next, true
}

// Earliest returns the soonest fire time in the table.
func (t *Table) Earliest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var min time.Time
	for _, e := range t.entries {
		if min.IsZero() || e.next.Before(min) {
			min = e.next
		}
	}
	return min, !min.IsZero()
}

// Lookup returns the entry for jobID.
func (t *Table) Lookup(jobID int64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[jobID]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(jobID), true
}

// Snapshot returns all entries sorted by next fire time then id.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, e.snapshot(id))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Changed delivers a coalesced signal after every mutation that may move the
// earliest fire time earlier.
func (t *Table) Changed() <-chan struct{} { return t.changed }

func (t *Table) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (e *entry) snapshot(id int64) Entry {
	return Entry{JobID: id, Expr: e.expr, Next: e.next, Prev: e.prev, Installed: e.installed}
}
