package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/policyhub/core/infra/logging"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectSettingsChanged carries settings change notifications to every instance.
	SubjectSettingsChanged = "sys.settings.changed"

	maxRedeliveries = 3
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPayload = errors.New("nil bus payload")
	errEmptyTopic = errors.New("empty subject")
	errNilHandler = errors.New("nil handler")
)

// Handler consumes a raw message. Returning a RetryAfter error re-runs the
// handler locally after the requested delay, a bounded number of times.
type Handler func(data []byte) error

// NatsBus is a thin wrapper over a NATS connection that speaks JSON.
type NatsBus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("policyhub-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Error("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsConfig, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logging.Info("bus", "connected to NATS", "url", nc.ConnectedUrl())
	return &NatsBus{nc: nc}, nil
}

// Close drains subscriptions and shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
}

// Publish sends v encoded as JSON on the given subject.
func (b *NatsBus) Publish(subject string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if v == nil {
		return errNilPayload
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode bus payload: %w", err)
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a fan-out subscription: every instance receives every message.
func (b *NatsBus) Subscribe(subject string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errNilHandler
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		deliver(msg.Subject, msg.Data, handler, 0)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func deliver(subject string, data []byte, handler Handler, attempt int) {
	err := handler(data)
	if err == nil {
		return
	}
	delay, retry := RetryDelay(err)
	if !retry || attempt >= maxRedeliveries {
		logging.Error("bus", "handler error", "subject", subject, "attempt", attempt+1, "error", err)
		return
	}
	time.AfterFunc(delay, func() {
		deliver(subject, data, handler, attempt+1)
	})
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}
