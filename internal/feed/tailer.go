package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tbos/internal/domain"
	"tbos/internal/obs"
)

const (
	defaultInterval = time.Second
	defaultBatch    = 100
)

// EventSource is the slice of repo.Repo the tailer reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Tailer polls the events table and publishes new rows to a Hub. It starts
// at the newest event so subscribers only see what happens after startup.
type Tailer struct {
	Source   EventSource
	Hub      *Hub
	Interval time.Duration
	Logger   *zap.Logger

	cursor int64
	primed bool
}

// Run polls until ctx ends.
func (t *Tailer) Run(ctx context.Context) error {
	interval := t.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			obs.OrNop(t.Logger).Warn("feed: poll events failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll publishes every event past the cursor and returns how many it sent.
func (t *Tailer) Poll(ctx context.Context) (int, error) {
	if !t.primed {
		cur, err := t.Source.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		t.cursor = cur
		t.primed = true
	}
	sent := 0
	for {
		evts, err := t.Source.EventsAfter(ctx, defaultBatch, t.cursor)
		if err != nil {
			return sent, err
		}
		for _, evt := range evts {
			t.Hub.Publish(evt)
			t.cursor = evt.ID
			sent++
		}
		if len(evts) < defaultBatch {
			break
		}
	}
	return sent, nil
}

// Cursor is the id of the last published event.
func (t *Tailer) Cursor() int64 { return t.cursor }
