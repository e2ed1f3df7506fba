package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/config"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

// GarbageCollector is a store with a reclaimable value log.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunBadgerGC runs value-log garbage collection on every tick until ctx is done.
func RunBadgerGC(ctx context.Context, store GarbageCollector, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = config.BadgerGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Cache GC scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// An error means nothing was rewritten.
			if err := store.RunGC(config.BadgerGCDiscard); err != nil {
				logger.Debug("Cache GC found nothing to reclaim", zap.Duration("took", time.Since(start)))
			} else {
				logger.Info("Cache GC reclaimed space", zap.Duration("took", time.Since(start)))
			}
		case <-ctx.Done():
			logger.Info("Stopping cache GC scheduler")
			return
		}
	}
}

// eventQueue collects controller events between broadcasts. signal has room
// for one wakeup so bursts collapse into a single snapshot.
type eventQueue struct {
	mu     sync.Mutex
	events []viewport.Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev viewport.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []viewport.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// broadcastLoop pushes a controller snapshot to websocket clients after every
// burst of change events, until ctx is done.
func broadcastLoop(ctx context.Context, q *eventQueue, ctrl *viewport.Controller, hub *Hub, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
			events := q.drain()
			if !hub.HasClients() {
				continue
			}
			if err := hub.Broadcast(newUpdate(ctrl.Snapshot(), events)); err != nil {
				logger.Error("Failed to broadcast snapshot", zap.Error(err))
			}
		}
	}
}
