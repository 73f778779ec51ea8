// Package stream defines the progress event protocol between a running
// batch job and its single observer.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/dontdude/rollcall/internal/domain"
)

// Type tags an event.
type Type string

const (
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Terminal reports whether the type ends a stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Counts are the running aggregates carried by every event.
type Counts struct {
	SuccessCount   int `json:"successCount"`
	FailureCount   int `json:"failureCount"`
	DuplicateCount int `json:"duplicateCount"`
}

// Progress is emitted after every processed group.
// Records holds only that group's records.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Counts
	Records []domain.JobRecord `json:"records"`
}

// Complete is the terminal event of a job that processed every item.
type Complete struct {
	Total int `json:"total"`
	Counts
}

// Failure is the terminal event of a job that stopped early.
type Failure struct {
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Counts
}

// Event is one frame on the wire: a type tag plus a data object.
// Exactly one of the typed fields is set, matching Type.
type Event struct {
	Type     Type
	Progress *Progress
	Complete *Complete
	Failure  *Failure
}

// ProgressEvent wraps p in an Event.
func ProgressEvent(p Progress) Event { return Event{Type: TypeProgress, Progress: &p} }

// CompleteEvent wraps c in an Event.
func CompleteEvent(c Complete) Event { return Event{Type: TypeComplete, Complete: &c} }

// ErrorEvent wraps f in an Event.
func ErrorEvent(f Failure) Event { return Event{Type: TypeError, Failure: &f} }

type wireEvent struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"type": ..., "data": {...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := e.data()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type, Data: raw})
}

// data encodes the payload object alone.
func (e Event) data() ([]byte, error) {
	var v any
	switch e.Type {
	case TypeProgress:
		v = e.Progress
	case TypeComplete:
		v = e.Complete
	case TypeError:
		v = e.Failure
	default:
		return nil, fmt.Errorf("stream: unknown event type %q", e.Type)
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes the tagged wire form.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	return e.decode(w.Type, w.Data)
}

func (e *Event) decode(t Type, data []byte) error {
	*e = Event{Type: t}
	switch t {
	case TypeProgress:
		e.Progress = &Progress{}
		return json.Unmarshal(data, e.Progress)
	case TypeComplete:
		e.Complete = &Complete{}
		return json.Unmarshal(data, e.Complete)
	case TypeError:
		e.Failure = &Failure{}
		return json.Unmarshal(data, e.Failure)
	}
	return fmt.Errorf("stream: unknown event type %q", t)
}
