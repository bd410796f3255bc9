// Package notify forwards orchestration lifecycle events to NATS.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/licensetool/internal/events"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
)

const (
	DefaultSubjectPrefix = "licensetool.events"

	// HeaderSubject carries the event subject (POM key, job ID, "sidecar").
	HeaderSubject = "Licensetool-Subject"
	HeaderTime    = "Licensetool-Time"

	defaultBuffer = 128
)

// Publisher is the part of *nats.Conn the notifier needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Connect dials the NATS server at url.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "failed to connect to NATS").
			WithContext("url", url).
			Build()
	}
	slog.Info("Connected to NATS", slog.String("url", conn.ConnectedUrlRedacted()))
	return conn, nil
}

// Notifier publishes every bus event as a JSON message on
// <prefix>.<event name>.
type Notifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
	ch     <-chan events.Event
	unsub  func()
}

// New subscribes to bus immediately. An empty prefix uses DefaultSubjectPrefix.
func New(bus *events.Bus, pub Publisher, prefix string, logger *slog.Logger) *Notifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch, unsub := events.Subscribe[events.Event](bus, defaultBuffer)
	return &Notifier{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
		ch:     ch,
		unsub:  unsub,
	}
}

// Run forwards events until the bus closes or ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	defer n.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-n.ch:
			if !ok {
				return
			}
			if err := n.Notify(evt); err != nil {
				n.logger.Warn("Failed to publish event to NATS", slog.String("event", evt.Name()), logfields.Error(err))
			}
		}
	}
}

// Subject returns the NATS subject for evt.
func (n *Notifier) Subject(evt events.Event) string {
	return n.prefix + "." + evt.Name()
}

// Notify publishes one event.
func (n *Notifier) Notify(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to marshal event").Build()
	}
	msg := nats.NewMsg(n.Subject(evt))
	msg.Data = data
	msg.Header.Set(HeaderSubject, evt.Subject())
	msg.Header.Set(HeaderTime, evt.OccurredAt().UTC().Format(time.RFC3339Nano))

	if err := n.pub.PublishMsg(msg); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryNetwork, "failed to publish event").
			WithContext("subject", msg.Subject).
			Build()
	}
	n.logger.Debug("Published event", slog.String("subject", msg.Subject), logfields.Key(evt.Subject()))
	return nil
}
