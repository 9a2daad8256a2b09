// Package events publishes vessel lifecycle changes to NATS so other
// services can follow the tracked fleet without polling the registry.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/metrics"
)

const (
	SubjectPrefix        = "fleetwatch.vessels"
	SubjectVesselsAll    = "fleetwatch.vessels.>"
	SubjectVesselAdded   = "fleetwatch.vessels.added"
	SubjectVesselUpdated = "fleetwatch.vessels.updated"
	SubjectVesselRemoved = "fleetwatch.vessels.removed"
)

// Subject returns the subject a lifecycle op is published on.
func Subject(kind fleet.OpKind) string {
	switch kind {
	case fleet.OpAdd:
		return SubjectVesselAdded
	case fleet.OpUpdate:
		return SubjectVesselUpdated
	case fleet.OpRemove:
		return SubjectVesselRemoved
	default:
		return SubjectPrefix + "." + string(kind)
	}
}

// Event is the payload of one published lifecycle op.
type Event struct {
	ID        string       `json:"id"`
	Op        fleet.OpKind `json:"op"`
	Source    fleet.Source `json:"source"`
	Version   uint64       `json:"version"`
	Vessel    fleet.Entity `json:"vessel"`
	Timestamp time.Time    `json:"timestamp"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher turns store changes into NATS messages. A nil *Publisher or one
// without a connection drops everything.
type Publisher struct {
	log     zerolog.Logger
	conn    Conn
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPublisher(log zerolog.Logger, conn Conn, m *metrics.Metrics) *Publisher {
	return &Publisher{
		log:     log.With().Str("component", "events").Logger(),
		conn:    conn,
		metrics: m,
		now:     time.Now,
	}
}

// HandleChange publishes one message per op of change, in diff order.
func (p *Publisher) HandleChange(change fleet.Change) {
	if p == nil || p.conn == nil {
		return
	}
	for _, op := range change.Diff.Ops {
		ev := Event{
			ID:        uuid.NewString(),
			Op:        op.Kind,
			Source:    change.Source,
			Version:   change.Version,
			Vessel:    op.Entity,
			Timestamp: p.now().UTC(),
		}
		if err := p.publish(ev); err != nil {
			p.metrics.IncEventPublished(string(op.Kind), "error")
			p.log.Warn().Err(err).Str("op", string(op.Kind)).Str("vessel_id", string(op.ID)).Msg("event publish failed")
			continue
		}
		p.metrics.IncEventPublished(string(op.Kind), "ok")
	}
}

func (p *Publisher) publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(ev.Op))
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", ev.ID)
	msg.Header.Set("Fleetwatch-Vessel-Id", string(ev.Vessel.ID))
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Connect dials the broker with unlimited reconnects. Connection state
// changes are logged.
func Connect(log zerolog.Logger, url string) (*nats.Conn, error) {
	log = log.With().Str("component", "events").Logger()
	nc, err := nats.Connect(url,
		nats.Name("fleetwatch"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("nats error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}
