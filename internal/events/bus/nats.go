package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/common/config"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

// NATSEventBus implements EventBus using NATS, so several conduit processes
// and external observers can share lifecycle notifications.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSEventBus connects to cfg.URL. The client reconnects on its own and
// buffers publishes while disconnected.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	bus := &NATSEventBus{
		logger: log,
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(clientName(cfg.ClientID)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL), zap.String("client", clientName(cfg.ClientID)))

	return bus, nil
}

// Headers set on every published message so NATS tooling can route and
// filter without decoding the body.
const (
	HeaderEventType = "Conduit-Event-Type"
	HeaderSource    = "Conduit-Source"
)

// encodeMsg wraps event in a NATS message for subject. The event id doubles
// as the JetStream deduplication id.
func encodeMsg(subject string, event *Event) (*nats.Msg, error) {
	if event.Type == "" {
		return nil, fmt.Errorf("event %s has no type", event.ID)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set(HeaderEventType, event.Type)
	if event.Source != "" {
		msg.Header.Set(HeaderSource, event.Source)
	}
	return msg, nil
}

// decodeMsg unpacks a message written by encodeMsg. Messages without
// headers are accepted as long as the body carries a type.
func decodeMsg(msg *nats.Msg) (*Event, error) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event %s has no type", event.ID)
	}
	if t := msg.Header.Get(HeaderEventType); t != "" && t != event.Type {
		return nil, fmt.Errorf("event %s: header type %q does not match body type %q", event.ID, t, event.Type)
	}
	return &event, nil
}

// Publish sends an event to a subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encodeMsg(subject, event)
	if err != nil {
		return err
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		b.logger.Error("failed to publish session notification",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("published session notification",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed to session notifications", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) msgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		event, err := decodeMsg(msg)
		if err != nil {
			b.logger.Warn("dropping malformed session notification",
				zap.String("subject", msg.Subject),
				zap.String("source", msg.Header.Get(HeaderSource)),
				zap.Error(err),
			)
			return
		}

		if err := handler(context.Background(), event); err != nil {
			b.logger.Error("notification handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}
	}
}

// clientName is the connection name shown by NATS monitoring.
func clientName(id string) string {
	if id == "" {
		return "conduit"
	}
	return id
}

// Close drains pending messages and closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS event bus closed")
}

// IsConnected reports whether the connection is up.
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
