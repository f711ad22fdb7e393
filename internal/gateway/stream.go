package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/common/logger"
	conduitevents "github.com/BoozeLee/conduit/internal/events"
	"github.com/BoozeLee/conduit/internal/events/bus"
	"github.com/BoozeLee/conduit/internal/session"
)

const unsubscribeTimeout = 5 * time.Second

// GET /api/v1/sessions/:id/stream
//
// Each text frame is one unified event. The stream closes normally once
// the session terminates.
func (g *Gateway) streamSession(c *gin.Context) {
	id := c.Param("id")
	sub, err := g.orch.Subscribe(c.Request.Context(), id)
	if err != nil {
		g.writeError(c, err, "failed to subscribe to session")
		return
	}
	log := g.logger.WithSessionID(id).WithFields(zap.Uint64("subscription", sub.ID()))
	defer g.unsubscribe(id, sub, log)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	log.Debug("session stream opened", zap.String("remote_addr", c.Request.RemoteAddr))

	client := newWSClient(conn, log)
	go client.readPump()
	go func() {
		defer close(client.send)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.Error("failed to encode event", zap.String("event_type", string(ev.Type)), zap.Error(err))
					continue
				}
				if !client.enqueue(data) {
					return
				}
			case <-client.gone:
				return
			}
		}
	}()
	client.writePump(g.ctx)
	log.Debug("session stream closed", zap.Uint64("dropped", sub.Dropped()))
}

func (g *Gateway) unsubscribe(id string, sub *session.Subscription, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := g.orch.Unsubscribe(ctx, id, sub); err != nil {
		log.Debug("unsubscribe after stream end", zap.Error(err))
	}
}

// GET /api/v1/notifications
//
// Each text frame is one bus event about a session lifecycle change.
func (g *Gateway) notifications(c *gin.Context) {
	if g.bus == nil {
		g.writeError(c, errNoBus, "")
		return
	}
	// Subscribe before upgrading so nothing published after the handshake
	// is missed.
	client := newWSClient(nil, g.logger.WithFields(zap.String("stream", "notifications")))
	sub, err := g.bus.Subscribe(conduitevents.AllSessions, func(_ context.Context, ev *bus.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		client.tryEnqueue(data)
		return nil
	})
	if err != nil {
		g.writeError(c, err, "failed to subscribe to session notifications")
		return
	}
	defer func() {
		if sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	client.conn = conn
	go client.readPump()
	client.writePump(g.ctx)
}
