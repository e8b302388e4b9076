package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/flowstate/pkg/core"
)

// NATSOptions configures the NATS-backed broker.
type NATSOptions struct {
	// URL is the server or cluster URL; defaults to nats.DefaultURL.
	URL string

	// Name identifies this node in server-side monitoring.
	Name string

	// ReconnectWait is the delay between reconnect attempts; reconnects
	// never give up.
	ReconnectWait time.Duration

	// OnDisconnect, when set, is invoked on every connection loss with
	// the triggering error (possibly nil).
	OnDisconnect func(err error)

	// OnReconnect, when set, is invoked after a successful reconnect.
	OnReconnect func()

	Logger core.Logger
}

// NATSBroker carries broker channels over NATS subjects one-to-one.
type NATSBroker struct {
	conn   *nats.Conn
	logger core.Logger
}

// NewNATSBroker connects to NATS and returns the broker.
func NewNATSBroker(opts NATSOptions) (*NATSBroker, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("nats disconnected: %v", err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("nats reconnected to %s", nc.ConnectedUrl())
			if opts.OnReconnect != nil {
				opts.OnReconnect()
			}
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}

	logger.Infof("nats broker connected to %s", conn.ConnectedUrl())
	return &NATSBroker{conn: conn, logger: logger}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Close() error { return s.sub.Unsubscribe() }

// Publish sends data on the subject named by channel.
func (b *NATSBroker) Publish(channel string, data []byte) error {
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers h for the subject named by channel.
func (b *NATSBroker) Subscribe(channel string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		h(channel, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &natsSub{sub: sub}, nil
}

// Close flushes pending publishes and drops the connection.
func (b *NATSBroker) Close() error {
	if err := b.conn.Flush(); err != nil {
		b.logger.Warnf("nats flush on close: %v", err)
	}
	b.conn.Close()
	return nil
}
