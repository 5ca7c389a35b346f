// Package rule implements the schedulable send rule: the data model,
// the next-execution algorithm, and the autonomous scheduling loop
// that delivers a compiled template to every recipient at each firing.
package rule

import (
	"errors"
	"fmt"
	"time"

	"sasd/internal/person"
	"sasd/internal/template"
)

// Construction rejections. Each invariant violation is distinct so
// callers (and the control API) can report exactly what was wrong.
var (
	ErrEndBeforeStart      = errors.New("rule: start_date must precede end_date")
	ErrExecutedBeforeStart = errors.New("rule: last_executed precedes start_date")
	ErrExecutedAfterEnd    = errors.New("rule: last_executed exceeds end_date")
	ErrNoRecipients        = errors.New("rule: at least one recipient required")
	ErrNilTemplate         = errors.New("rule: template required")
	ErrNegativeInterval    = errors.New("rule: interval must be >= 0")
)

// Params carries everything needed to construct a Rule.
//
// Zero EndDate means the schedule is open-ended; zero LastExecuted
// means the rule has never fired; zero Interval means fire once.
type Params struct {
	ID           int64
	Label        string
	Template     *template.Template
	Recipients   []person.Person
	StartDate    time.Time
	EndDate      time.Time
	Interval     time.Duration
	LastExecuted time.Time
}

// Rule owns a schedule and the recipient set it delivers to. A Rule
// is exclusively owned by the one scheduling task running it; outside
// updates replace the whole Rule rather than mutating it in place.
type Rule struct {
	id    int64
	label string

	tmpl       *template.Template
	recipients []person.Person

	start    time.Time
	end      time.Time
	interval time.Duration
	last     time.Time

	now func() time.Time
}

// New validates p and builds a Rule.
func New(p Params) (*Rule, error) {
	if p.Template == nil {
		return nil, ErrNilTemplate
	}
	if len(p.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if p.Interval < 0 {
		return nil, fmt.Errorf("%w, got %v", ErrNegativeInterval, p.Interval)
	}
	if !p.EndDate.IsZero() && !p.StartDate.Before(p.EndDate) {
		return nil, fmt.Errorf("%w (start=%v end=%v)", ErrEndBeforeStart, p.StartDate, p.EndDate)
	}
	if !p.LastExecuted.IsZero() && p.StartDate.After(p.LastExecuted) {
		return nil, fmt.Errorf("%w (start=%v last=%v)", ErrExecutedBeforeStart, p.StartDate, p.LastExecuted)
	}
	if !p.LastExecuted.IsZero() && !p.EndDate.IsZero() && p.LastExecuted.After(p.EndDate) {
		return nil, fmt.Errorf("%w (last=%v end=%v)", ErrExecutedAfterEnd, p.LastExecuted, p.EndDate)
	}

	return &Rule{
		id:         p.ID,
		label:      p.Label,
		tmpl:       p.Template,
		recipients: append([]person.Person(nil), p.Recipients...),
		start:      p.StartDate,
		end:        p.EndDate,
		interval:   p.Interval,
		last:       p.LastExecuted,
		now:        time.Now,
	}, nil
}

func (r *Rule) ID() int64     { return r.id }
func (r *Rule) HasID() bool   { return r.id > 0 }
func (r *Rule) Label() string { return r.label }

// SetID assigns the storage identity. Called once, after insert.
func (r *Rule) SetID(id int64) { r.id = id }

func (r *Rule) Template() *template.Template { return r.tmpl }

// Recipients returns the rule's recipient set. The slice is shared;
// callers must not mutate it.
func (r *Rule) Recipients() []person.Person { return r.recipients }

func (r *Rule) StartDate() time.Time      { return r.start }
func (r *Rule) Interval() time.Duration   { return r.interval }
func (r *Rule) EndDate() (time.Time, bool) {
	return r.end, !r.end.IsZero()
}
func (r *Rule) LastExecuted() (time.Time, bool) {
	return r.last, !r.last.IsZero()
}

// NextExecution computes the instant of the next firing. ok=false
// means the schedule is exhausted (terminal).
//
// Policy: an overdue firing is returned as "now" and happens
// immediately; missed intervals are never back-filled. After the
// first firing, candidates advance strictly by last_executed +
// interval, with end_date acting as one final bounded firing when the
// candidate overshoots a window that still has an unfired slot.
func (r *Rule) NextExecution() (time.Time, bool) {
	now := r.now()

	if r.last.IsZero() {
		if r.start.After(now) {
			return r.start, true
		}
		return now, true
	}

	// One-shot rules are done after their single firing.
	if r.interval == 0 {
		return time.Time{}, false
	}

	candidate := r.last.Add(r.interval)
	if r.end.IsZero() || !candidate.After(r.end) {
		return candidate, true
	}
	if r.last.Before(r.end) {
		return r.end, true
	}
	return time.Time{}, false
}

// NextWait converts NextExecution into a sleep duration. A due or
// overdue firing yields zero.
func (r *Rule) NextWait() (time.Duration, bool) {
	next, ok := r.NextExecution()
	if !ok {
		return 0, false
	}
	d := next.Sub(r.now())
	if d < 0 {
		return 0, true
	}
	return d, true
}

// ReportExecuted records a firing. Called exactly once per firing,
// after delivery has completed.
func (r *Rule) ReportExecuted() {
	r.last = r.now()
}
