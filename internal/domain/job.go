package domain

import (
	"errors"
	"fmt"
)

// Outcome is what an effect reports for a single item.
type Outcome int

const (
	// Applied means the effect ran and changed the outside world.
	Applied Outcome = iota
	// AlreadyApplied means the effect found its own work already done.
	AlreadyApplied
)

// RecordStatus is the execution-time status of one attempted item.
type RecordStatus string

const (
	StatusSuccess   RecordStatus = "success"
	StatusDuplicate RecordStatus = "duplicate"
	StatusFailed    RecordStatus = "failed"
)

// JobRecord is produced exactly once per attempted WorkItem.
type JobRecord struct {
	Index       int               `json:"index"`
	Identity    map[string]string `json:"identity"`
	Status      RecordStatus      `json:"status"`
	ErrorDetail string            `json:"errorDetail,omitempty"`
}

// JobConfig controls pacing of a batch job.
type JobConfig struct {
	// BatchSize is how many items are attempted before the next pacing delay.
	BatchSize int `json:"batchSize"`
	// DelayMs is the minimum spacing between groups, in milliseconds.
	DelayMs int `json:"delayMs"`
	// TotalItems is the number of items the job was given.
	TotalItems int `json:"totalItems"`
}

// Validate checks the pacing invariants.
func (c JobConfig) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize))
	}
	if c.DelayMs < 0 {
		errs = append(errs, fmt.Errorf("delay must be >= 0, got %d", c.DelayMs))
	}
	if c.TotalItems < 0 {
		errs = append(errs, fmt.Errorf("total items must be >= 0, got %d", c.TotalItems))
	}
	return errors.Join(errs...)
}
