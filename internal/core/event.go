package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags each variant of the progress event union.
type EventType string

const (
	EventRecordCompleted EventType = "record.completed"
	EventJobStarted      EventType = "job.started"
	EventJobCompleted    EventType = "job.completed"
	EventJobUpdated      EventType = "job.updated"
)

// Event is a progress notification emitted by the pipeline.
type Event interface {
	EventType() EventType
	EventJobID() string
	validate() error
}

// Progress is a point-in-time snapshot of a job's completion.
type Progress struct {
	ProcessedCount int `json:"processedCount"`
	TotalRecords   int `json:"totalRecords"`
	Percentage     int `json:"percentage"`
}

// NewProgress builds a snapshot with the rounded percentage filled in.
func NewProgress(processed, total int) Progress {
	return Progress{ProcessedCount: processed, TotalRecords: total, Percentage: ProgressPercentage(processed, total)}
}

// RecordCompletedEvent is emitted once per record reaching completed.
type RecordCompletedEvent struct {
	JobID       string    `json:"jobId"`
	RecordID    int       `json:"recordId"`
	WorkerID    string    `json:"workerId,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
	Progress    Progress  `json:"progress"`
}

func (e *RecordCompletedEvent) EventType() EventType { return EventRecordCompleted }
func (e *RecordCompletedEvent) EventJobID() string   { return e.JobID }

func (e *RecordCompletedEvent) validate() error {
	if e.JobID == "" {
		return missingField(EventRecordCompleted, "jobId")
	}
	if e.RecordID < 0 {
		return fmt.Errorf("%s: recordId must not be negative", EventRecordCompleted)
	}
	if e.Progress.TotalRecords < 1 {
		return missingField(EventRecordCompleted, "progress.totalRecords")
	}
	return nil
}

// UnmarshalJSON requires recordId to be present, since zero is a valid id.
func (e *RecordCompletedEvent) UnmarshalJSON(data []byte) error {
	type plain RecordCompletedEvent
	var aux struct {
		plain
		RecordID *int `json:"recordId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RecordID == nil {
		return missingField(EventRecordCompleted, "recordId")
	}
	*e = RecordCompletedEvent(aux.plain)
	e.RecordID = *aux.RecordID
	return nil
}

// JobStartedEvent is emitted after a job's records have been scheduled.
type JobStartedEvent struct {
	JobID            string    `json:"jobId"`
	TotalRecords     int       `json:"totalRecords"`
	RecordsPerMinute int       `json:"recordsPerMinute"`
	StartedAt        time.Time `json:"startedAt"`
}

func (e *JobStartedEvent) EventType() EventType { return EventJobStarted }
func (e *JobStartedEvent) EventJobID() string   { return e.JobID }

func (e *JobStartedEvent) validate() error {
	switch {
	case e.JobID == "":
		return missingField(EventJobStarted, "jobId")
	case e.TotalRecords < 1:
		return missingField(EventJobStarted, "totalRecords")
	case e.RecordsPerMinute < 1:
		return missingField(EventJobStarted, "recordsPerMinute")
	}
	return nil
}

// JobCompletedEvent is emitted once when the last record of a job completes.
type JobCompletedEvent struct {
	JobID        string    `json:"jobId"`
	TotalRecords int       `json:"totalRecords"`
	CompletedAt  time.Time `json:"completedAt"`
}

func (e *JobCompletedEvent) EventType() EventType { return EventJobCompleted }
func (e *JobCompletedEvent) EventJobID() string   { return e.JobID }

func (e *JobCompletedEvent) validate() error {
	switch {
	case e.JobID == "":
		return missingField(EventJobCompleted, "jobId")
	case e.TotalRecords < 1:
		return missingField(EventJobCompleted, "totalRecords")
	}
	return nil
}

// JobUpdatedEvent is emitted after a job's rate changes.
type JobUpdatedEvent struct {
	JobID            string    `json:"jobId"`
	RecordsPerMinute int       `json:"recordsPerMinute"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (e *JobUpdatedEvent) EventType() EventType { return EventJobUpdated }
func (e *JobUpdatedEvent) EventJobID() string   { return e.JobID }

func (e *JobUpdatedEvent) validate() error {
	switch {
	case e.JobID == "":
		return missingField(EventJobUpdated, "jobId")
	case e.RecordsPerMinute < 1:
		return missingField(EventJobUpdated, "recordsPerMinute")
	}
	return nil
}

// Envelope is the wire form of an Event.
type Envelope struct {
	Type      EventType       `json:"type"`
	JobID     string          `json:"jobId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalEvent wraps ev in an Envelope and encodes it.
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("marshal event: nil event")
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return json.Marshal(Envelope{
		Type:      ev.EventType(),
		JobID:     ev.EventJobID(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// UnmarshalEvent decodes an Envelope and its typed payload. Unknown tags and
// payloads missing required fields are rejected.
func UnmarshalEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var ev Event
	switch env.Type {
	case EventRecordCompleted:
		ev = &RecordCompletedEvent{}
	case EventJobStarted:
		ev = &JobStartedEvent{}
	case EventJobCompleted:
		ev = &JobCompletedEvent{}
	case EventJobUpdated:
		ev = &JobUpdatedEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if env.JobID != "" && env.JobID != ev.EventJobID() {
		return nil, fmt.Errorf("%s: envelope jobId %q does not match payload %q", env.Type, env.JobID, ev.EventJobID())
	}
	return ev, nil
}

func missingField(t EventType, field string) error {
	return fmt.Errorf("%s: missing required field %s", t, field)
}

// Notifier accepts progress events. Implementations must not block and never
// report delivery failures to the caller.
type Notifier interface {
	Notify(ev Event)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
