package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"tbos/internal/config"
	"tbos/internal/domain"
	"tbos/internal/obs"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	// defaultGapGrace bounds how long a hook waits on a missing id before
	// treating it as a rolled-back sequence value.
	defaultGapGrace = 10 * time.Second
)

// eventLog is the part of repo.Repo the dispatcher reads.
type eventLog interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// WebhookDispatcher relays committed events to workflow automation
// endpoints. Each hook keeps its own cursor; a failed delivery stops that
// hook's batch and is retried from the same event on the next tick.
//
// Ids are assigned before commit, so on Postgres a lower id can become
// visible after a higher one. A hook does not move its cursor across a
// missing id until gapGrace has passed since the gap was first seen.
type WebhookDispatcher struct {
	events   eventLog
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration
	gapGrace time.Duration
	now      func() time.Time
	mu       sync.Mutex
	cursors  map[int]int64
	gaps     map[int]pendingGap
}

// pendingGap is a missing id right after cursor, first seen at since.
type pendingGap struct {
	after int64
	since time.Time
}

func NewWebhookDispatcher(events eventLog, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		events: events,
		webhooks: lo.Filter(hooks, func(h config.WebhookConfig, _ int) bool {
			return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
		}),
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   obs.OrNop(logger),
		interval: defaultWebhookInterval,
		gapGrace: defaultGapGrace,
		now:      time.Now,
		cursors:  make(map[int]int64),
		gaps:     make(map[int]pendingGap),
	}
}

// Run dispatches until ctx ends. It returns immediately when no hook is
// enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	events, err := d.events.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	events = d.holdAtGap(idx, cursor, events)
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			obs.ObserveWebhook("failed")
			d.logger.Warn("webhook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		obs.ObserveWebhook("delivered")
		d.setCursor(idx, evt.ID)
	}
}

// holdAtGap trims events at the first id that does not follow its
// predecessor, unless that gap has already outlived gapGrace.
func (d *WebhookDispatcher) holdAtGap(idx int, cursor int64, events []domain.Event) []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := cursor
	for i, evt := range events {
		if evt.ID == prev+1 {
			prev = evt.ID
			continue
		}
		now := d.now()
		gap, ok := d.gaps[idx]
		if !ok || gap.after != prev {
			d.gaps[idx] = pendingGap{after: prev, since: now}
			return events[:i]
		}
		if now.Sub(gap.since) < d.gapGrace {
			return events[:i]
		}
		d.logger.Debug("webhook: skipping id gap",
			zap.Int64("after", prev),
			zap.Int64("next", evt.ID))
		delete(d.gaps, idx)
		prev = evt.ID
	}
	if gap, ok := d.gaps[idx]; ok && gap.after < prev {
		delete(d.gaps, idx)
	}
	return events
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.events.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		DocumentID: evt.DocumentID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tbos-Event", evt.Type)
	req.Header.Set("X-Tbos-Delivery", uuid.NewString())
	req.Header.Set("X-Tbos-Event-Id", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tbos-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	keys := lo.Compact(lo.Map(events, func(evt string, _ int) string { return strings.TrimSpace(evt) }))
	if len(keys) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: lo.SliceToMap(keys, func(k string) (string, struct{}) { return k, struct{}{} })}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
