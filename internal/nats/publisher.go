package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/swiftshield-sync/internal/events"
)

const streamName = "SWIFTSHIELD_EVENTS"

// Publisher forwards bus events to NATS. It uses JetStream when the server offers it
// and plain core publishes otherwise.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    zerolog.Logger
}

// NewPublisher connects to url. Events are published under prefix.<event name>.
func NewPublisher(url, prefix string, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("swiftshield-sync"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
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
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := &Publisher{nc: nc, prefix: prefix, log: log}

	js, err := nc.JetStream()
	if err != nil {
		log.Warn().Err(err).Msg("jetstream unavailable, using core publish")
		return p, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ensureStream(ctx, js, prefix); err != nil {
		log.Warn().Err(err).Msg("jetstream stream unavailable, using core publish")
		return p, nil
	}
	p.js = js
	return p, nil
}

// ensureStream creates the event stream if it does not exist yet.
func ensureStream(ctx context.Context, js nats.JetStreamContext, prefix string) error {
	info, err := js.StreamInfo(streamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject an event name is published on.
func (p *Publisher) Subject(name string) string {
	return p.prefix + "." + name
}

// Deliver implements events.Sink. The event id doubles as the dedup id.
func (p *Publisher) Deliver(evt events.Event) error {
	msg, err := encode(p.Subject(evt.Name), evt)
	if err != nil {
		return err
	}

	if p.js != nil {
		if _, err := p.js.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Attached implements events.Sink.
func (p *Publisher) Attached() bool {
	return p.nc != nil && p.nc.IsConnected()
}

func encode(subject string, evt events.Event) (*nats.Msg, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, evt.ID)
	msg.Header.Set("Swiftshield-Event", evt.Name)
	return msg, nil
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
