package models

import (
	"time"
)

// JobType is the media kind a job processes.
type JobType string

const (
	JobTypeVideo JobType = "video"
	JobTypeAudio JobType = "audio"
	JobTypeImage JobType = "image"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeVideo, JobTypeAudio, JobTypeImage:
		return true
	}
	return false
}

// CancelPolicy describes how an in-flight task for this job type is stopped.
type CancelPolicy int

const (
	// CancelCooperative tasks poll a cancel flag once per loop iteration.
	CancelCooperative CancelPolicy = iota
	// CancelPreemptive tasks have their context cancelled directly.
	CancelPreemptive
)

// CancelPolicy returns the cancellation policy for the job type.
// Image jobs run short sequential stages and stop cooperatively; video and
// audio jobs are interrupted preemptively.
func (t JobType) CancelPolicy() CancelPolicy {
	if t == JobTypeImage {
		return CancelCooperative
	}
	return CancelPreemptive
}

// JobStatus is the user-visible state of a job.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "Processing"
	JobStatusLoading    JobStatus = "Loading"
	JobStatusRunning    JobStatus = "Running"
	JobStatusCompleted  JobStatus = "Completed"
	JobStatusFailed     JobStatus = "Failed"
	JobStatusCancelled  JobStatus = "Cancelled"
)

// IsTerminal reports whether s is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TerminalJobStatuses lists every absorbing job status.
var TerminalJobStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// Job process markers, a finer-grained progress label kept next to the status.
const (
	JobProcessStarted      = "started"
	JobProcessProvisioning = "provisioning"
	JobProcessProcessing   = "processing"
	JobProcessCompleted    = "completed"
	JobProcessFailed       = "failed"
	JobProcessCancelled    = "cancelled"
)

// Job is one user-submitted processing request. OneTimeKey and KeyValid form the
// capability token a remote worker presents on every callback.
type Job struct {
	ID            int64     `db:"job_id"         json:"job_id"`
	UserID        int64     `db:"user_id"        json:"user_id"`
	ContentID     int64     `db:"content_id"     json:"content_id"`
	Type          JobType   `db:"job_type"       json:"job_type"`
	Status        JobStatus `db:"job_status"     json:"job_status"`
	Process       string    `db:"job_process"    json:"job_process"`
	Tier          string    `db:"job_tier"       json:"job_tier"`
	TaskRef       *string   `db:"task_ref"       json:"-"`
	OneTimeKey    string    `db:"one_time_key"   json:"-"`
	KeyValid      bool      `db:"key_valid"      json:"-"`
	Config        JobConfig `db:"config"         json:"config"`
	ETASeconds    int64     `db:"eta_seconds"    json:"eta_seconds"`
	Price         float64   `db:"price"          json:"price"`
	FailureReason *string   `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// ETA returns the job's estimated duration.
func (j *Job) ETA() time.Duration {
	return time.Duration(j.ETASeconds) * time.Second
}
