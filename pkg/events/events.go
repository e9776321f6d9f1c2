// Package events publishes job lifecycle transitions to an event bus.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-shield/pkg/domain"
)

// DefaultSubjectPrefix prefixes every subject published by this package.
const DefaultSubjectPrefix = "shield"

// JobEvent describes a job entering a status. Content is never included.
type JobEvent struct {
	JobID      string           `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	CheckTypes []string         `json:"check_types,omitempty"`
	IsSafe     *bool            `json:"is_safe,omitempty"`
	Score      *int             `json:"score,omitempty"`
	FlagTypes  []string         `json:"flag_types,omitempty"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
	Detector   string           `json:"detector,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

// NewJobEvent summarises the current state of job.
func NewJobEvent(job domain.Job) JobEvent {
	ev := JobEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Timestamp: job.UpdatedAt.UnixMilli(),
	}
	for _, ct := range job.Request.CheckTypes {
		ev.CheckTypes = append(ev.CheckTypes, string(ct))
	}
	if job.Result != nil {
		safe, score := job.Result.IsSafe, job.Result.Score
		ev.IsSafe = &safe
		ev.Score = &score
		ev.FlagTypes = job.Result.FlagTypes()
	}
	if job.Error != nil {
		ev.ErrorKind = job.Error.Kind
		ev.Detector = job.Error.Detector
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return ev
}

// Subject returns "<prefix>.jobs.<status>".
func Subject(prefix string, status domain.JobStatus) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".jobs." + string(status)
}

// Publisher delivers job events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event JobEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, JobEvent) error { return nil }
func (NopPublisher) Close() error                            { return nil }

// MemoryPublisher records events in order. It backs tests and the CLI's
// one-shot mode.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []JobEvent
}

// Publish appends event.
func (p *MemoryPublisher) Publish(_ context.Context, event JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]JobEvent(nil), p.events...)
}

// ForJob returns the recorded statuses of one job in publish order.
func (p *MemoryPublisher) ForJob(id string) []domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.JobStatus
	for _, ev := range p.events {
		if ev.JobID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (p *MemoryPublisher) Close() error { return nil }
