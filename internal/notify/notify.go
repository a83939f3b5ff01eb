// Package notify delivers flush notifications to listeners outside the
// process.
//
// Delivery is at most once: a failed publish is reported to the tracker,
// which logs it and moves on. Nothing is retried or buffered here.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/logging"
	"github.com/roach88/changefeed/internal/tracker"
)

// DefaultSubject is the NATS subject flush notifications are published on.
const DefaultSubject = "changefeed.content_changed"

// Header names set on every published message.
const (
	HeaderUnitOfWork = "Changefeed-Unit-Of-Work"
	HeaderCount      = "Changefeed-Count"
)

// MsgPublisher is the part of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSPublisher publishes each notification as one JSON message.
type NATSPublisher struct {
	conn    MsgPublisher
	closer  func()
	subject string
	logger  *zap.Logger
}

// ConnectNATS dials the server and returns a publisher owning the
// connection.
func ConnectNATS(opts NATSOptions, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logging.OrNop(logger).Named("notify")
	natsOpts := []nats.Option{
		nats.Name("changefeed"),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", opts.URL))

	p := NewNATSPublisher(conn, opts.Subject, logger)
	p.closer = conn.Close
	return p, nil
}

// NewNATSPublisher wraps an existing connection. An empty subject uses
// DefaultSubject.
func NewNATSPublisher(conn MsgPublisher, subject string, logger *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logging.OrNop(logger),
	}
}

// Subject returns the subject messages are published on.
func (p *NATSPublisher) Subject() string {
	return p.subject
}

// Notify implements tracker.Notifier.
func (p *NATSPublisher) Notify(_ context.Context, n tracker.Notification) error {
	msg, err := Message(p.subject, n)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	p.logger.Debug("published flush notification",
		zap.String("subject", p.subject),
		zap.String("unit_of_work", n.UnitOfWork),
		zap.Int("count", len(n.Events)))
	return nil
}

// Close closes the connection if the publisher opened it.
func (p *NATSPublisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}

// Message encodes n as a NATS message on subject.
func Message(subject string, n tracker.Notification) (*nats.Msg, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderUnitOfWork, n.UnitOfWork)
	msg.Header.Set(HeaderCount, strconv.Itoa(len(n.Events)))
	return msg, nil
}

// Dispatcher fans one notification out to several notifiers. Every notifier
// is called even when an earlier one fails; the errors are joined.
type Dispatcher struct {
	notifiers []tracker.Notifier
}

// NewDispatcher creates a Dispatcher. Nil notifiers are dropped.
func NewDispatcher(notifiers ...tracker.Notifier) *Dispatcher {
	d := &Dispatcher{}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// Len returns the number of notifiers.
func (d *Dispatcher) Len() int {
	return len(d.notifiers)
}

// Notify implements tracker.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, n tracker.Notification) error {
	var errs []error
	for _, target := range d.notifiers {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier logs every notification at info level.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements tracker.Notifier.
func (l LogNotifier) Notify(_ context.Context, n tracker.Notification) error {
	fields := []zap.Field{
		zap.String("unit_of_work", n.UnitOfWork),
		zap.Int("count", len(n.Events)),
	}
	if n.PublishEventID != nil {
		fields = append(fields, zap.Int64("publish_event", *n.PublishEventID))
	}
	logging.OrNop(l.Logger).Info("content changed", fields...)
	return nil
}
