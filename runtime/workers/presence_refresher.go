package workers

import (
	"context"
	"log/slog"
	"time"
)

// TimerTracker accounts for live timers per topic.
type TimerTracker interface {
	TrackTimer(topic string) (release func())
}

// PresenceRefresher pushes a presence count once after InitialDelay, then on
// every Interval tick. It is the resynchronization backstop for presence
// events that may have been missed.
type PresenceRefresher struct {
	log          *slog.Logger
	topic        string
	initialDelay time.Duration
	interval     time.Duration
	push         func()
	timers       TimerTracker
}

func NewPresenceRefresher(log *slog.Logger, topic string, initialDelay, interval time.Duration,
	timers TimerTracker, push func()) *PresenceRefresher {
	return &PresenceRefresher{
		log:          log,
		topic:        topic,
		initialDelay: initialDelay,
		interval:     interval,
		push:         push,
		timers:       timers,
	}
}

func (w *PresenceRefresher) Run(ctx context.Context) error {
	if w.timers != nil {
		defer w.timers.TrackTimer(w.topic)()
	}

	delay := time.NewTimer(w.initialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-delay.C:
		w.push()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Presence refresh stopped", "topic", w.topic)
			return nil
		case <-ticker.C:
			w.push()
		}
	}
}
