// Package models defines data structures shared by the coordinator's lock,
// ledger and dispatch layers.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusInit                JobStatus = "INIT"
	StatusPreUploaded         JobStatus = "PRE_UPLOADED"
	StatusChunkUploaded       JobStatus = "CHUNK_UPLOADED"
	StatusFinalized           JobStatus = "FINALIZED"
	StatusSucceed             JobStatus = "SUCCEED"
	StatusTerminated          JobStatus = "TERMINATED"
	StatusRunning             JobStatus = "RUNNING"
	StatusZipping             JobStatus = "ZIPPING"
	StatusReadyForDownloading JobStatus = "READY_FOR_DOWNLOADING"
)

var jobStatuses = []JobStatus{
	StatusInit, StatusPreUploaded, StatusChunkUploaded, StatusFinalized,
	StatusSucceed, StatusTerminated, StatusRunning, StatusZipping,
	StatusReadyForDownloading,
}

// ParseJobStatus validates a wire status.
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range jobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Done reports whether no further work is expected for the job.
func (s JobStatus) Done() bool {
	return s == StatusSucceed || s == StatusTerminated
}

// Job actions recorded by the dispatchers.
const (
	ActionUpload   = "data_upload"
	ActionTransfer = "data_transfer"
	ActionDelete   = "data_delete"
	ActionDownload = "data_download"
)

// Job is one asynchronous unit of work as recorded in the ledger.
type Job struct {
	SessionID       string    `json:"session_id"`
	Label           string    `json:"label"`
	TaskID          string    `json:"task_id"`
	JobID           string    `json:"job_id"`
	Code            string    `json:"code"`
	Action          string    `json:"action"`
	Operator        string    `json:"operator"`
	Source          string    `json:"source"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	Payload         Payload   `json:"payload"`
	UpdateTimestamp string    `json:"update_timestamp"` // unix seconds
	UpdateMillis    int64     `json:"update_timestamp_ms,omitempty"`
}

// UpdatedAt parses UpdateTimestamp; unparsable values sort as zero.
func (j *Job) UpdatedAt() int64 {
	ts, err := strconv.ParseInt(j.UpdateTimestamp, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// Touch stamps the job with t.
func (j *Job) Touch(t time.Time) {
	j.UpdateTimestamp = strconv.FormatInt(t.Unix(), 10)
	j.UpdateMillis = t.UnixMilli()
}

// Revision orders saves of jobs in unix milliseconds. Records written
// without a millisecond stamp fall back to UpdateTimestamp.
func (j *Job) Revision() int64 {
	if j.UpdateMillis != 0 {
		return j.UpdateMillis
	}
	return j.UpdatedAt() * 1000
}

// AddPayload sets a single payload entry.
func (j *Job) AddPayload(key string, v Value) {
	if j.Payload == nil {
		j.Payload = make(Payload)
	}
	j.Payload[key] = v
}

// Snapshot returns a deep copy safe to hand out.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.Payload = j.Payload.Clone()
	if cp.Payload == nil {
		cp.Payload = Payload{}
	}
	return cp
}
