package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/rollcall/internal/batch"
	"github.com/dontdude/rollcall/internal/classify"
	"github.com/dontdude/rollcall/internal/domain"
)

var (
	ErrPreviewNotFound = errors.New("preview not found or already confirmed")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobClaimed      = errors.New("job already has an observer")
)

// Preview is a classified input waiting for confirmation.
type Preview struct {
	ID        string
	EventID   string
	Kind      string
	Result    classify.Result
	Effect    batch.Effect
	Identity  func(domain.WorkItem) map[string]string
	Pacing    domain.JobConfig
	ExpiresAt time.Time
}

// Job is a confirmed preview waiting for its observer.
type Job struct {
	ID        string
	Preview   *Preview
	Items     []domain.WorkItem
	Config    domain.JobConfig
	ExpiresAt time.Time
	claimed   bool
}

// Registry holds previews and pending jobs in process. Nothing here
// outlives the process.
type Registry struct {
	mu       sync.Mutex
	previews map[string]*Preview
	jobs     map[string]*Job
	ttl      time.Duration
	now      func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		previews: make(map[string]*Preview),
		jobs:     make(map[string]*Job),
		ttl:      ttl,
		now:      time.Now,
	}
}

// AddPreview stores p under a fresh id.
func (r *Registry) AddPreview(p *Preview) *Preview {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = uuid.NewString()
	p.ExpiresAt = r.now().Add(r.ttl)
	r.previews[p.ID] = p
	return p
}

// Peek returns a live preview without consuming it.
func (r *Registry) Peek(previewID string) (*Preview, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.previews[previewID]
	if !ok || !r.now().Before(p.ExpiresAt) {
		return nil, false
	}
	return p, true
}

// Confirm turns a preview into a pending job over its valid partition.
// A preview can be confirmed once.
func (r *Registry) Confirm(previewID string, cfg domain.JobConfig) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.previews[previewID]
	if !ok || !r.now().Before(p.ExpiresAt) {
		delete(r.previews, previewID)
		return nil, ErrPreviewNotFound
	}
	delete(r.previews, previewID)

	items := p.Result.ValidItems()
	cfg.TotalItems = len(items)
	j := &Job{
		ID:        uuid.NewString(),
		Preview:   p,
		Items:     items,
		Config:    cfg,
		ExpiresAt: r.now().Add(r.ttl),
	}
	r.jobs[j.ID] = j
	return j, nil
}

// Claim hands the job to its one observer.
func (r *Registry) Claim(jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.claimed {
		return nil, ErrJobClaimed
	}
	if !r.now().Before(j.ExpiresAt) {
		delete(r.jobs, jobID)
		return nil, ErrJobNotFound
	}
	j.claimed = true
	return j, nil
}

// Finish forgets a claimed job once it has ended.
func (r *Registry) Finish(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// Sweep drops expired previews and unclaimed jobs.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var n int
	for id, p := range r.previews {
		if !now.Before(p.ExpiresAt) {
			delete(r.previews, id)
			n++
		}
	}
	for id, j := range r.jobs {
		if !j.claimed && !now.Before(j.ExpiresAt) {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}
