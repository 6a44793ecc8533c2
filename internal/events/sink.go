package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Sink consumes events one at a time.
type Sink interface {
	Handle(ev Event) error
}

// Pump drains the feed into every sink until ctx is cancelled or the feed is
// closed. A failing sink is logged and does not stop the others.
func Pump(ctx context.Context, feed *Feed, logger *logrus.Logger, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed.Events():
			if !ok {
				return
			}
			feed.ring.metrics.addProcessed(1)
			for _, s := range sinks {
				if err := s.Handle(ev); err != nil {
					feed.ring.addError()
					logger.WithError(err).WithFields(logrus.Fields{
						"event": ev.Type,
						"id":    ev.ID,
					}).Warn("Event sink failed")
				}
			}
		}
	}
}

// Publisher is the slice of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on "<prefix>.<type>".
type NATSSink struct {
	publisher Publisher
	prefix    string
}

func NewNATSSink(p Publisher, prefix string) *NATSSink {
	return &NATSSink{publisher: p, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Handle(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.publisher.Publish(s.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	return nil
}

// ConnectNATS dials url with connection lifecycle logging.
func ConnectNATS(url string, logger *logrus.Logger, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.Name("proxim"),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.WithError(err).Error("NATS error")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
