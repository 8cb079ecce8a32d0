package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pacer/internal/core"
)

// Publisher publishes dispatched records to the records stream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Publish sends msg. The message id lets JetStream drop a second publish of
// the same dispatch within the duplicate window.
func (p *Publisher) Publish(ctx context.Context, msg core.RecordMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", core.Member(msg.JobID, msg.RecordID), err)
	}
	subject := RecordsSubject()
	msgID := core.Member(msg.JobID, msg.RecordID) + "@" + strconv.FormatInt(msg.SentAt, 10)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish record %s to %s: %w", core.Member(msg.JobID, msg.RecordID), subject, err)
	}
	return nil
}
