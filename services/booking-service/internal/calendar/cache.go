package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// CachedAdapter caches FetchBusy results in Redis per provider and window.
// Mirror calls go straight to the wrapped adapter.
type CachedAdapter struct {
	next   Adapter
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCachedAdapter(next Adapter, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedAdapter {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &CachedAdapter{next: next, rdb: rdb, ttl: ttl, prefix: "busy", logger: logger}
}

type cachedBusy struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Source Source    `json:"source"`
}

func (c *CachedAdapter) windowKey(providerID string, from, to time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", c.prefix, providerID, from.UTC().Unix(), to.UTC().Unix())
}

func (c *CachedAdapter) indexKey(providerID string) string {
	return fmt.Sprintf("%s:idx:%s", c.prefix, providerID)
}

func (c *CachedAdapter) FetchBusy(ctx context.Context, providerID string, from, to time.Time) ([]BusyInterval, error) {
	key := c.windowKey(providerID, from, to)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var items []cachedBusy
		if jsonErr := json.Unmarshal(raw, &items); jsonErr == nil {
			out := make([]BusyInterval, 0, len(items))
			for _, it := range items {
				out = append(out, BusyInterval{Start: it.Start, End: it.End, Source: it.Source})
			}
			return out, nil
		}
	case err != redis.Nil:
		c.logger.Warn("busy cache read failed", "provider_id", providerID, "err", err)
	}

	busy, err := c.next.FetchBusy(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}

	items := make([]cachedBusy, 0, len(busy))
	for _, b := range busy {
		items = append(items, cachedBusy{Start: b.Start, End: b.End, Source: b.Source})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return busy, nil
	}
	idx := c.indexKey(providerID)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, payload, c.ttl)
		p.SAdd(ctx, idx, key)
		p.Expire(ctx, idx, c.ttl)
		return nil
	})
	if err != nil {
		c.logger.Warn("busy cache write failed", "provider_id", providerID, "err", err)
	}
	return busy, nil
}

// Invalidate drops every cached window of providerID.
func (c *CachedAdapter) Invalidate(ctx context.Context, providerID string) error {
	idx := c.indexKey(providerID)
	keys, err := c.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("list cached windows: %w", err)
	}
	keys = append(keys, idx)
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cached windows: %w", err)
	}
	return nil
}

func (c *CachedAdapter) MirrorCreate(ctx context.Context, appt model.Appointment) (string, error) {
	return c.next.MirrorCreate(ctx, appt)
}

func (c *CachedAdapter) MirrorUpdate(ctx context.Context, appt model.Appointment) error {
	return c.next.MirrorUpdate(ctx, appt)
}

func (c *CachedAdapter) MirrorDelete(ctx context.Context, externalRef string) error {
	return c.next.MirrorDelete(ctx, externalRef)
}
