// Package bridge carries envelopes between processes over NATS so that a
// worker can publish to hubs running in other server instances.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
)

// DefaultSubject is the NATS subject envelopes are published on.
const DefaultSubject = "chat.envelopes"

type Client struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// Connect dials NATS and keeps reconnecting forever in the background.
func Connect(url, subject string, logger zerolog.Logger) (*Client, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	logger = logger.With().Str("component", "nats").Logger()

	nc, err := nats.Connect(url,
		nats.Name("chat-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, subject: subject, logger: logger}, nil
}

func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.Status() == nats.CONNECTED
}

// Publish implements fanout.Publisher. The envelope reaches every subscribed
// hub, including one in this process.
func (c *Client) Publish(ctx context.Context, env *events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.nc.Publish(c.subject, data)
}

// Forward delivers every envelope seen on the subject to local.
func (c *Client) Forward(local fanout.Publisher) (*nats.Subscription, error) {
	return c.nc.Subscribe(c.subject, func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("dropping malformed envelope")
			return
		}
		if err := local.Publish(context.Background(), env); err != nil {
			c.logger.Error().Err(err).Str("event", env.Name()).Msg("local delivery failed")
		}
	})
}

func decodeEnvelope(data []byte) (*events.Envelope, error) {
	env := &events.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}
