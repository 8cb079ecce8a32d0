package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is reported by the health endpoints and the build info metric.
const Version = "0.3.0"

// MediaType is the content type of every API response.
const MediaType = "application/json"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	// JobPaused is reserved; nothing transitions a job into it yet.
	JobPaused JobStatus = "paused"
)

// RecordStatus is the lifecycle state of a single record.
//
//	pending -> sent -> processing -> completed
//	                       \-> failed -> processing (redelivery)
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordSent       RecordStatus = "sent"
	RecordProcessing RecordStatus = "processing"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
)

// JobConfig is the durable description of one bulk delivery request.
type JobConfig struct {
	JobID            string    `json:"jobId"`
	TotalRecords     int       `json:"totalRecords"`
	RecordsPerMinute int       `json:"recordsPerMinute"`
	Status           JobStatus `json:"status"`
	ProcessedCount   int       `json:"processedCount"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// RecordEntry is one unit of work within a job.
type RecordEntry struct {
	JobID          string          `json:"jobId"`
	RecordID       int             `json:"recordId"`
	ScheduledAt    int64           `json:"scheduledAt"`
	Status         RecordStatus    `json:"status"`
	TransitionedAt int64           `json:"transitionedAt"`
	Attempts       int             `json:"attempts,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	// Counted is set once a completed record has been added to the job's
	// processed counter.
	Counted        bool            `json:"counted,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// Member returns the schedule member that identifies this record.
func (r *RecordEntry) Member() string {
	return Member(r.JobID, r.RecordID)
}

// RecordMessage is the body handed to the transport for one dispatch.
type RecordMessage struct {
	JobID       string          `json:"jobId"`
	RecordID    int             `json:"recordId"`
	Data        json.RawMessage `json:"data"`
	ScheduledAt int64           `json:"scheduledAt"`
	SentAt      int64           `json:"sentAt"`
}

// PayloadGenerator produces the opaque content of a record. The scheduling
// core never looks inside the returned bytes.
type PayloadGenerator interface {
	Generate(ctx context.Context, jobID string, recordID int) (json.RawMessage, error)
}

// PayloadGeneratorFunc adapts a function to PayloadGenerator.
type PayloadGeneratorFunc func(ctx context.Context, jobID string, recordID int) (json.RawMessage, error)

// Generate calls f.
func (f PayloadGeneratorFunc) Generate(ctx context.Context, jobID string, recordID int) (json.RawMessage, error) {
	return f(ctx, jobID, recordID)
}

// Member builds the "{jobId}:{recordId}" key used in the schedule and in-flight sets.
func Member(jobID string, recordID int) string {
	return jobID + ":" + strconv.Itoa(recordID)
}

// ParseMember splits a schedule member back into job and record ids.
func ParseMember(member string) (string, int, error) {
	i := strings.LastIndexByte(member, ':')
	if i <= 0 || i == len(member)-1 {
		return "", 0, fmt.Errorf("malformed schedule member %q", member)
	}
	recordID, err := strconv.Atoi(member[i+1:])
	if err != nil || recordID < 0 {
		return "", 0, fmt.Errorf("malformed record id in schedule member %q", member)
	}
	return member[:i], recordID, nil
}
