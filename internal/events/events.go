// Package events publishes project lifecycle events.
//
// Events are JSON envelopes published to NATS subjects of the form
//
//	{prefix}.projects.{project_id}.{event}
//
// Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "orchestrd"

// Event names published by the engine.
const (
	PhaseAdvanced    = "phase.advanced"
	PhaseRolledBack  = "phase.rolled_back"
	PhaseCompleted   = "phase.completed"
	ArtifactEdited   = "artifact.edited"
	ReviewEscalated  = "review.escalated"
	RemedyAttempted  = "remediation.attempted"
	ProjectHandedOff = "project.handed_off"
)

// Publisher publishes an event for a project.
type Publisher interface {
	Publish(ctx context.Context, projectID, event string, payload any) error
}

// Envelope is the published message body.
type Envelope struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Subject returns the subject an event for projectID is published on.
func Subject(prefix, projectID, event string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.projects.%s.%s", prefix, token(projectID), event)
}

// token makes s safe for use as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Redactor scrubs secrets from encoded payloads before they leave the
// process. *secrets.Detector satisfies it.
type Redactor interface {
	RedactString(s string) string
}

// NATSPublisher publishes envelopes over a NATS connection.
type NATSPublisher struct {
	nc       *nats.Conn
	prefix   string
	owned    bool
	now      func() time.Time
	redactor Redactor
	logger   *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, now: time.Now, logger: logger}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("orchestrd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// WithRedactor makes p pass every encoded payload through r.
func (p *NATSPublisher) WithRedactor(r Redactor) *NATSPublisher {
	p.redactor = r
	return p
}

// Publish marshals payload into an Envelope and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, projectID, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := Envelope{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Event:     event,
		Timestamp: p.now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = p.redact(event, raw)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := Subject(p.prefix, projectID, event)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject), zap.String("event_id", env.ID))
	return nil
}

// redact scrubs raw. A redaction that breaks the JSON drops the payload
// rather than publish it half cleaned.
func (p *NATSPublisher) redact(event string, raw []byte) json.RawMessage {
	if p.redactor == nil {
		return raw
	}
	cleaned := p.redactor.RedactString(string(raw))
	if cleaned == string(raw) {
		return raw
	}
	if !json.Valid([]byte(cleaned)) {
		p.logger.Warn("dropping event payload after redaction", zap.String("event", event))
		return nil
	}
	p.logger.Debug("secrets redacted from event payload", zap.String("event", event))
	return json.RawMessage(cleaned)
}

// Close flushes and closes the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, string, any) error { return nil }
