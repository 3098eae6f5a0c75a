package feed

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"tbos/internal/obs"
)

// PendingSource counts documents waiting on technical review.
type PendingSource interface {
	CountPendingApprovals(ctx context.Context) (int, error)
}

// PendingCounter caches the technical review backlog and mirrors it to the
// pending approvals gauge.
type PendingCounter struct {
	Source PendingSource
	Logger *zap.Logger
	last   atomic.Int64
}

func (p *PendingCounter) Refresh(ctx context.Context) (int, error) {
	n, err := p.Source.CountPendingApprovals(ctx)
	if err != nil {
		return 0, err
	}
	p.last.Store(int64(n))
	obs.SetPendingApprovals(n)
	return n, nil
}

// Last is the most recent count, 0 before the first refresh.
func (p *PendingCounter) Last() int {
	return int(p.last.Load())
}

// Run counts once, then recounts after every document event seen on hub
// until ctx ends.
func (p *PendingCounter) Run(ctx context.Context, hub *Hub) error {
	ch := hub.Subscribe(ctx)
	if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
		obs.OrNop(p.Logger).Warn("feed: count pending approvals failed", zap.Error(err))
	}
	for evt := range ch {
		if !strings.HasPrefix(evt.Type, "document.") {
			continue
		}
		if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.OrNop(p.Logger).Warn("feed: count pending approvals failed", zap.Error(err))
		}
	}
	return ctx.Err()
}
