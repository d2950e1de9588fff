// Package notify publishes pipeline notifications to NATS for downstream
// consumers. A nil *Publisher is valid and publishes nothing.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ernie/squad-tracker/internal/domain"
)

// Publisher sends JSON notifications on subjects under a common prefix
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials NATS at url. An empty url disables publishing and returns nil.
func Connect(url, prefix string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = "squad"
	}

	conn, err := nats.Connect(url,
		nats.Name("squad-tracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &Publisher{conn: conn, prefix: prefix, log: log}, nil
}

// EventSubject is the subject committed events of kind are published on
func (p *Publisher) EventSubject(kind domain.EventKind) string {
	return p.prefix + ".events." + strings.ToLower(string(kind))
}

// StateSubject is the subject connection transitions of a server are published on
func (p *Publisher) StateSubject(serverID string) string {
	return p.prefix + ".servers." + subjectToken(serverID) + ".state"
}

// LinkSubject is the subject verification matches are published on
func (p *Publisher) LinkSubject() string {
	return p.prefix + ".verification.matched"
}

// subjectToken makes s safe to use as a single subject token
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// EventCommitted announces an event whose rows are now visible
func (p *Publisher) EventCommitted(ev domain.RawEvent) {
	if p == nil {
		return
	}
	p.publish(p.EventSubject(ev.Kind), ev)
}

// StateChanged announces a server connection transition
func (p *Publisher) StateChanged(sc domain.StateChange) {
	if p == nil {
		return
	}
	p.publish(p.StateSubject(sc.ServerID), sc)
}

// LinkMatched announces a completed account link
func (p *Publisher) LinkMatched(li domain.LinkedIdentity) {
	if p == nil {
		return
	}
	p.publish(p.LinkSubject(), li)
}

// publish is best effort: notifications never hold up persistence
func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("encoding notification")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("publishing notification")
	}
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.log.Warn().Err(err).Msg("flushing nats")
	}
	p.conn.Close()
}
