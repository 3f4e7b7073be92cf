package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/marketdata/internal/metrics"
	"github.com/Checker-Finance/marketdata/pkg/logger"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

const (
	TopicBookReconciled    = "book.reconciled.v1"
	TopicInstrumentClaimed = "instrument.claimed.v1"
)

// jetStream is the slice of nats.JetStreamContext the publisher needs.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and publishes marketdata events.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	prefix  string // e.g. "evt.marketdata"
	service string
}

// New creates a Publisher on JetStream, creating stream if it does not exist
// yet with prefix.> as its subject space.
func New(nc *nats.Conn, stream, prefix, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, err
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{prefix + ".>"},
			MaxAge:   72 * time.Hour,
		}); err != nil {
			return nil, err
		}
	}
	return newPublisher(nc, js, prefix, service), nil
}

func newPublisher(nc *nats.Conn, js jetStream, prefix, service string) *Publisher {
	return &Publisher{nc: nc, js: js, prefix: prefix, service: service}
}

func (p *Publisher) subject(topic string) string {
	return p.prefix + "." + topic
}

// PublishEnvelope serializes and publishes an event envelope to NATS.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			nats.MsgIdHdr:    []string{env.ID.String()},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
	)
	metrics.IncNATSMessage(subject, "ok")
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	subject := p.subject(topic)
	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Topic:         subject,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}
	return p.PublishEnvelope(ctx, subject, env)
}

// PublishBookReconciled emits book.reconciled after a committed batch.
func (p *Publisher) PublishBookReconciled(ctx context.Context, evt model.BookReconciledEvent) error {
	return p.publish(ctx, TopicBookReconciled, "book.reconciled", evt)
}

// PublishInstrumentClaimed emits instrument.claimed after a scheduling claim.
func (p *Publisher) PublishInstrumentClaimed(ctx context.Context, evt model.InstrumentClaimedEvent) error {
	return p.publish(ctx, TopicInstrumentClaimed, "instrument.claimed", evt)
}

// IsConnected reports the state of the underlying connection.
func (p *Publisher) IsConnected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
