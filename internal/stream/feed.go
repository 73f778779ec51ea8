package stream

import (
	"errors"
	"fmt"

	"github.com/dontdude/rollcall/internal/domain"
)

// State is the consumer-side state of a job stream.
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateErrored  State = "errored"
)

var (
	// ErrAfterTerminal is returned when an event arrives after complete or error.
	ErrAfterTerminal = errors.New("stream: event after terminal")
	// ErrRegressed is returned when processed decreases or exceeds total.
	ErrRegressed = errors.New("stream: progress out of order")
)

// Feed accumulates a job stream on the consumer side.
// It moves running -> complete or running -> errored exactly once.
type Feed struct {
	state     State
	records   []domain.JobRecord
	processed int
	total     int
	live      Counts
	final     *Counts
	failure   string
}

// NewFeed returns a Feed in the running state.
func NewFeed() *Feed {
	return &Feed{state: StateRunning}
}

// Apply folds one event into the feed.
func (f *Feed) Apply(e Event) error {
	if f.state != StateRunning {
		return fmt.Errorf("%w: got %s in state %s", ErrAfterTerminal, e.Type, f.state)
	}
	switch e.Type {
	case TypeProgress:
		p := e.Progress
		if p.Processed < f.processed || p.Processed > p.Total {
			return fmt.Errorf("%w: processed %d after %d (total %d)", ErrRegressed, p.Processed, f.processed, p.Total)
		}
		f.records = append(f.records, p.Records...)
		f.processed, f.total, f.live = p.Processed, p.Total, p.Counts
	case TypeComplete:
		c := e.Complete.Counts
		f.final = &c
		f.total = e.Complete.Total
		f.processed = e.Complete.Total
		f.state = StateComplete
	case TypeError:
		c := e.Failure.Counts
		f.final = &c
		f.failure = e.Failure.Message
		f.processed, f.total = e.Failure.Processed, e.Failure.Total
		f.state = StateErrored
	default:
		return fmt.Errorf("stream: unknown event type %q", e.Type)
	}
	return nil
}

// State returns the current state.
func (f *Feed) State() State { return f.state }

// Done reports whether a terminal event has been applied.
func (f *Feed) Done() bool { return f.state != StateRunning }

// Records returns every record observed so far, in arrival order.
func (f *Feed) Records() []domain.JobRecord { return f.records }

// Progress returns processed and total as last reported.
func (f *Feed) Progress() (processed, total int) { return f.processed, f.total }

// Live returns the counters from the latest progress event. They are for
// display only; use Totals for authoritative figures.
func (f *Feed) Live() Counts { return f.live }

// Totals returns the authoritative counts from the terminal event.
// ok is false while the job is still running.
func (f *Feed) Totals() (Counts, bool) {
	if f.final == nil {
		return Counts{}, false
	}
	return *f.final, true
}

// Failure returns the terminal error message, if the job ended via error.
func (f *Feed) Failure() string { return f.failure }
