package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a scan job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is stored and waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker is running the scan.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the scan finished and a result is attached.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the scan hit an unrecoverable error.
	JobStatusFailed JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no transition can leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return target == JobStatusProcessing
	case JobStatusProcessing:
		return target == JobStatusCompleted || target == JobStatusFailed
	default:
		return false
	}
}

// Job is a trackable asynchronous scan. It is owned by the job manager;
// detectors and policies only ever see the request.
type Job struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	Request   ScanRequest `json:"request"`
	Result    *ScanResult `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewJob builds a queued job around a private copy of req.
func NewJob(id string, req ScanRequest, now time.Time) Job {
	return Job{
		ID:        id,
		Status:    JobStatusQueued,
		Request:   req.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start moves the job to processing.
func (j *Job) Start(now time.Time) error {
	return j.transition(JobStatusProcessing, now)
}

// Complete attaches result and moves the job to completed.
func (j *Job) Complete(result ScanResult, now time.Time) error {
	if err := j.transition(JobStatusCompleted, now); err != nil {
		return err
	}
	r := result.Clone()
	j.Result = &r
	return nil
}

// Fail attaches info and moves the job to failed.
func (j *Job) Fail(info ErrorInfo, now time.Time) error {
	if err := j.transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.Error = &info
	return nil
}

func (j *Job) transition(target JobStatus, now time.Time) error {
	if err := j.Status.ValidateTransition(target); err != nil {
		return err
	}
	j.Status = target
	j.UpdatedAt = now
	return nil
}

// Validate checks the result/error invariant for the job's status.
func (j Job) Validate() error {
	switch j.Status {
	case JobStatusQueued, JobStatusProcessing:
		if j.Result != nil || j.Error != nil {
			return fmt.Errorf("job %s: %s job must not carry a result or error", j.ID, j.Status)
		}
	case JobStatusCompleted:
		if j.Result == nil || j.Error != nil {
			return fmt.Errorf("job %s: completed job requires a result and no error", j.ID)
		}
	case JobStatusFailed:
		if j.Error == nil || j.Result != nil {
			return fmt.Errorf("job %s: failed job requires an error and no result", j.ID)
		}
	default:
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	j.Request = j.Request.Clone()
	if j.Result != nil {
		r := j.Result.Clone()
		j.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	return j
}
