// Package natsbus forwards lifecycle events to NATS and anchors batch roots
// on a JetStream stream.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/paycore/internal/attest"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
)

// Conn is the core-NATS publish surface; *nats.Conn satisfies it.
type Conn interface {
	Publish(subj string, data []byte) error
}

// JetStream is the JetStream publish surface; nats.JetStreamContext
// satisfies it.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Connect dials url with reconnect logging.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Publisher publishes every event as JSON on <prefix>.<type>.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject events of type t are published on.
func (p *Publisher) Subject(t event.Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

// Attach subscribes the publisher to bus.
func (p *Publisher) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe(p.Handle)
}

// Handle publishes ev. Errors go back to the bus, which logs them.
func (p *Publisher) Handle(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// anchorRecord is the message stored per anchored batch.
type anchorRecord struct {
	BatchID   string    `json:"batch_id"`
	Root      string    `json:"merkle_root"`
	Leaves    int       `json:"leaves"`
	CreatedAt time.Time `json:"created_at"`
}

// Anchorer anchors batch roots by publishing them to a JetStream subject.
// The batch id is the message id, so a retried anchor is deduplicated by
// the stream. References have the form nats:<stream>:<sequence>.
type Anchorer struct {
	js      JetStream
	subject string
}

// NewAnchorer creates an anchorer publishing on subject.
func NewAnchorer(js JetStream, subject string) *Anchorer {
	return &Anchorer{js: js, subject: subject}
}

// Anchor implements attest.Anchorer.
func (a *Anchorer) Anchor(ctx context.Context, b *attest.Batch) (string, error) {
	data, err := json.Marshal(anchorRecord{
		BatchID:   b.ID,
		Root:      b.Root,
		Leaves:    len(b.Leaves),
		CreatedAt: b.CreatedAt,
	})
	if err != nil {
		return "", err
	}
	ack, err := a.js.Publish(a.subject, data, nats.Context(ctx), nats.MsgId(b.ID))
	if err != nil {
		return "", fmt.Errorf("anchor batch %s: %w", b.ID, err)
	}
	return fmt.Sprintf("nats:%s:%d", ack.Stream, ack.Sequence), nil
}

// EnsureStream creates the named stream over subject unless it exists.
func EnsureStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream %s: %w", name, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Storage:    nats.FileStorage,
		Duplicates: 10 * time.Minute,
	}); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}
