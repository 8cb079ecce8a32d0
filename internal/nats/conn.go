// Package nats carries records and progress events over NATS JetStream and
// core pub/sub, and opens the JetStream KV bucket used as the state store.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pacer/internal/kv"
)

// Conn is a NATS connection with its JetStream context.
type Conn struct {
	NC *nats.Conn
	JS jetstream.JetStream
}

// Connect dials NATS and makes sure streams and buckets exist.
func Connect(ctx context.Context, natsURL string) (*Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("ojs-pacer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := SetupJetStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}
	return &Conn{NC: nc, JS: js}, nil
}

// State opens the state bucket as a kv.Backend.
func (c *Conn) State(ctx context.Context) (*kv.NATS, error) {
	bucket, err := c.JS.KeyValue(ctx, BucketState)
	if err != nil {
		return nil, fmt.Errorf("opening KV bucket %s: %w", BucketState, err)
	}
	return kv.NewNATS(bucket), nil
}

// Ping reports whether the connection is usable.
func (c *Conn) Ping(context.Context) error {
	if !c.NC.IsConnected() {
		return fmt.Errorf("nats: %s", c.NC.Status())
	}
	return nil
}

// Close drains the connection.
func (c *Conn) Close() error {
	if err := c.NC.Drain(); err != nil {
		c.NC.Close()
		return err
	}
	return nil
}
