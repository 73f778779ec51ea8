// Package batch runs classified work items through a side effect as a
// paced, sequential job and reports progress to a single observer.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/metrics"
	"github.com/dontdude/rollcall/internal/stream"
)

// Effect applies one work item to the outside world.
// Returning AlreadyApplied marks the item as a duplicate. A plain error marks
// it failed; an error wrapped with Fatal stops the job.
type Effect func(ctx context.Context, item domain.WorkItem) (domain.Outcome, error)

// Sink receives the job's events in order. An error means the observer is gone.
type Sink interface {
	Emit(ctx context.Context, e stream.Event) error
}

// Watcher is implemented by sinks that can tell the observer left before
// the next Emit fails.
type Watcher interface {
	Gone() <-chan struct{}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e stream.Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e stream.Event) error { return f(ctx, e) }

// DisconnectPolicy decides what a job does once its observer is gone.
type DisconnectPolicy string

const (
	// Continue keeps applying effects to the end; later events go unobserved.
	Continue DisconnectPolicy = "continue"
	// Abort stops the job after the item in flight.
	Abort DisconnectPolicy = "abort"
)

// ParseDisconnectPolicy accepts "continue" or "abort".
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch DisconnectPolicy(s) {
	case Continue, Abort:
		return DisconnectPolicy(s), nil
	}
	return "", fmt.Errorf("unknown disconnect policy %q", s)
}

// Messages used in terminal error events.
const (
	MsgObserverGone = "observer disconnected"
	MsgCancelled    = "job cancelled"
)

// ErrObserverGone is returned in Summary.Err for jobs aborted on disconnect.
var ErrObserverGone = errors.New("observer disconnected")

// Options configure an Executor.
type Options struct {
	// Kind labels the job in logs and metrics (e.g. "registration").
	Kind string
	// OnDisconnect defaults to Continue.
	OnDisconnect DisconnectPolicy
	// Identity picks the fields copied into each JobRecord. Nil copies all fields.
	Identity func(domain.WorkItem) map[string]string
	// Sleep waits between groups. Nil uses a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs one job at a time. It holds no per-job state, so one
// Executor can serve concurrent jobs.
type Executor struct {
	opts Options
}

// NewExecutor returns an Executor with defaults filled in.
func NewExecutor(opts Options) *Executor {
	if opts.OnDisconnect == "" {
		opts.OnDisconnect = Continue
	}
	if opts.Identity == nil {
		opts.Identity = func(w domain.WorkItem) map[string]string {
			out := make(map[string]string, len(w.Fields))
			for k, v := range w.Fields {
				out[k] = v
			}
			return out
		}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Kind == "" {
		opts.Kind = "job"
	}
	return &Executor{opts: opts}
}

// Summary describes how a job ended.
type Summary struct {
	Terminal  stream.Type
	Processed int
	Total     int
	stream.Counts
	// Err is set when the job ended via an error event.
	Err error
}

// Run processes items in order, in groups of cfg.BatchSize, waiting
// cfg.DelayMs between groups. It emits one progress event per group and
// exactly one terminal event. Items are never retried and applied effects
// are never rolled back.
func (x *Executor) Run(ctx context.Context, items []domain.WorkItem, effect Effect, cfg domain.JobConfig, sink Sink) Summary {
	cfg.TotalItems = len(items)
	total := len(items)
	log := slog.With("kind", x.opts.Kind, "total", total, "batchSize", cfg.BatchSize, "delayMs", cfg.DelayMs)

	sum := Summary{Total: total}
	observed := true
	emit := func(e stream.Event) {
		if !observed {
			return
		}
		if err := sink.Emit(ctx, e); err != nil {
			log.Warn("Observer gone, events no longer delivered", "error", err, "processed", sum.Processed)
			observed = false
		}
	}
	stop := func(msg string, err error) Summary {
		sum.Terminal = stream.TypeError
		sum.Err = err
		emit(stream.ErrorEvent(stream.Failure{Message: msg, Processed: sum.Processed, Total: total, Counts: sum.Counts}))
		metrics.JobsFinished.WithLabelValues(x.opts.Kind, string(stream.TypeError)).Inc()
		log.Error("Job stopped early", "error", err, "processed", sum.Processed)
		return sum
	}

	if err := cfg.Validate(); err != nil {
		return stop(err.Error(), err)
	}

	log.Info("Job started")
	delay := time.Duration(cfg.DelayMs) * time.Millisecond

	for start := 0; start < total; start += cfg.BatchSize {
		if start > 0 && delay > 0 {
			if err := x.opts.Sleep(ctx, delay); err != nil {
				return stop(MsgCancelled, err)
			}
		}

		end := min(start+cfg.BatchSize, total)
		began := time.Now()
		records := make([]domain.JobRecord, 0, end-start)

		for _, item := range items[start:end] {
			if err := ctx.Err(); err != nil {
				x.flush(emit, &sum, records)
				return stop(MsgCancelled, err)
			}
			if x.opts.OnDisconnect == Abort && (!observed || gone(sink)) {
				x.flush(emit, &sum, records)
				return stop(MsgObserverGone, ErrObserverGone)
			}

			rec, err := x.apply(ctx, item, effect)
			records = append(records, rec)
			if err != nil {
				x.flush(emit, &sum, records)
				return stop(err.Error(), err)
			}
		}

		metrics.BatchDuration.WithLabelValues(x.opts.Kind).Observe(time.Since(began).Seconds())
		x.flush(emit, &sum, records)
		log.Debug("Group processed", "processed", sum.Processed, "success", sum.SuccessCount, "failure", sum.FailureCount)
	}

	sum.Terminal = stream.TypeComplete
	emit(stream.CompleteEvent(stream.Complete{Total: total, Counts: sum.Counts}))
	metrics.JobsFinished.WithLabelValues(x.opts.Kind, string(stream.TypeComplete)).Inc()
	log.Info("Job complete", "success", sum.SuccessCount, "failure", sum.FailureCount, "duplicate", sum.DuplicateCount)
	return sum
}

// apply runs the effect for one item. The record is always valid; a non-nil
// error is job-fatal and the record marks the item failed.
func (x *Executor) apply(ctx context.Context, item domain.WorkItem, effect Effect) (domain.JobRecord, error) {
	rec := domain.JobRecord{Index: item.Index, Identity: x.opts.Identity(item)}

	outcome, err := effect(ctx, item)
	switch {
	case err != nil && IsFatal(err):
		rec.Status = domain.StatusFailed
		rec.ErrorDetail = err.Error()
		metrics.ItemsProcessed.WithLabelValues(x.opts.Kind, string(rec.Status)).Inc()
		return rec, err
	case err != nil:
		rec.Status = domain.StatusFailed
		rec.ErrorDetail = err.Error()
	case outcome == domain.AlreadyApplied:
		rec.Status = domain.StatusDuplicate
	default:
		rec.Status = domain.StatusSuccess
	}
	metrics.ItemsProcessed.WithLabelValues(x.opts.Kind, string(rec.Status)).Inc()
	return rec, nil
}

// flush folds a group's records into the totals and emits them as one
// progress event. An empty group emits nothing.
func (x *Executor) flush(emit func(stream.Event), sum *Summary, records []domain.JobRecord) {
	if len(records) == 0 {
		return
	}
	for _, r := range records {
		switch r.Status {
		case domain.StatusSuccess:
			sum.SuccessCount++
		case domain.StatusDuplicate:
			sum.FailureCount++
			sum.DuplicateCount++
		default:
			sum.FailureCount++
		}
	}
	sum.Processed += len(records)
	emit(stream.ProgressEvent(stream.Progress{
		Processed: sum.Processed,
		Total:     sum.Total,
		Counts:    sum.Counts,
		Records:   records,
	}))
}

func gone(sink Sink) bool {
	w, ok := sink.(Watcher)
	if !ok {
		return false
	}
	select {
	case <-w.Gone():
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
