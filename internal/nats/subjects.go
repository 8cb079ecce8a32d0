package nats

import "fmt"

// Subject hierarchy for the pacer on NATS.
//
//	pacer.records.process    -- dispatched records awaiting a consumer
//	pacer.records.dead       -- dead-lettered records with diagnostics headers
//	pacer.events.job.{id}    -- progress events of one job
//	pacer.events.all         -- every progress event
const (
	StreamName     = "PACER"
	DeadStreamName = "PACER_DEAD"
	SubjectPrefix  = "pacer"

	// BucketState holds jobs, records and the schedule sets.
	BucketState = "pacer-state"
)

// RecordsSubject is where the dispatcher publishes records.
func RecordsSubject() string {
	return fmt.Sprintf("%s.records.process", SubjectPrefix)
}

// DeadLetterSubject is where exhausted records are parked.
func DeadLetterSubject() string {
	return fmt.Sprintf("%s.records.dead", SubjectPrefix)
}

// EventJobSubject returns the progress subject of one job.
// Example: pacer.events.job.0190c3c4-...
func EventJobSubject(jobID string) string {
	return fmt.Sprintf("%s.events.job.%s", SubjectPrefix, jobID)
}

// EventsAllSubject receives a copy of every progress event.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.all", SubjectPrefix)
}

// ConsumerName returns the durable delivery consumer name.
func ConsumerName() string {
	return fmt.Sprintf("%s-delivery", SubjectPrefix)
}
