package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/common/clock"
	"github.com/BoozeLee/conduit/internal/common/logger"
	conduitevents "github.com/BoozeLee/conduit/internal/events"
	"github.com/BoozeLee/conduit/internal/events/bus"
	"github.com/BoozeLee/conduit/internal/session"
	"github.com/BoozeLee/conduit/internal/storage"
)

const (
	busSource    = "orchestrator"
	storeTimeout = 5 * time.Second
)

// notifier persists session snapshots and publishes lifecycle
// notifications. onChange runs on session loops, one call at a time per
// session.
type notifier struct {
	store  storage.SessionStore
	bus    bus.EventBus
	clock  clock.Clock
	logger *logger.Logger

	mu   sync.Mutex
	seen map[string]session.Lifecycle
}

func newNotifier(store storage.SessionStore, b bus.EventBus, clk clock.Clock, log *logger.Logger) *notifier {
	return &notifier{
		store:  store,
		bus:    b,
		clock:  clk,
		logger: log,
		seen:   make(map[string]session.Lifecycle),
	}
}

func (n *notifier) onChange(info session.Info) {
	eventType := n.classify(info)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if n.store != nil && !info.ReplayOnly {
		if err := n.store.Upsert(ctx, recordOf(info)); err != nil {
			n.logger.Error("failed to persist session", zap.String("session_id", info.ID), zap.Error(err))
		}
	}

	if n.bus == nil {
		return
	}
	ev, err := bus.NewEvent(eventType, busSource, info, n.clock.Now())
	if err != nil {
		n.logger.Error("failed to build session notification", zap.String("session_id", info.ID), zap.Error(err))
		return
	}
	if err := n.bus.Publish(ctx, conduitevents.SessionSubject(info.ID), ev); err != nil {
		n.logger.Warn("failed to publish session notification",
			zap.String("session_id", info.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// classify names the notification for info by comparing its lifecycle
// with the last one seen for the session.
func (n *notifier) classify(info session.Info) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev, known := n.seen[info.ID]
	n.seen[info.ID] = info.Lifecycle

	switch {
	case info.Lifecycle == session.LifecycleTerminated:
		if prev == session.LifecycleTerminated {
			return conduitevents.SessionUpdated
		}
		return conduitevents.SessionEnded
	case !known || prev == session.LifecycleTerminated:
		if info.Lifecycle == session.LifecycleReplaying {
			return conduitevents.SessionReplaying
		}
		return conduitevents.SessionStarted
	case prev == session.LifecycleReplaying && info.Lifecycle == session.LifecycleLive:
		return conduitevents.SessionWentLive
	}
	return conduitevents.SessionUpdated
}

func recordOf(info session.Info) *storage.SessionRecord {
	return &storage.SessionRecord{
		ID:             info.ID,
		Backend:        info.Backend,
		WorkingDir:     info.WorkingDir,
		Model:          info.Model,
		PlanMode:       info.PlanMode,
		AgentSessionID: info.AgentSessionID,
		Status:         string(info.Status),
		Turns:          info.Turns,
		InputTokens:    info.Usage.Input,
		OutputTokens:   info.Usage.Output,
		CachedTokens:   info.Usage.Cached,
		TotalTokens:    info.Usage.Total,
		LastError:      info.LastError,
		CreatedAt:      info.CreatedAt,
		UpdatedAt:      info.UpdatedAt,
	}
}
