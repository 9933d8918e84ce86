package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
)

const invalidateTimeout = 5 * time.Second

// Attach subscribes the cache to every bus event and invalidates the tags the
// event carries. Mutations publish their tags so that concurrently cached
// reads of the parent, the logical key, or any latest-pointer entry go stale
// together.
func (c *TagCache) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) {
		if len(event.Tags) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		if err := c.Invalidate(ctx, event.Tags); err != nil {
			c.logger.Error("cache invalidation failed",
				zap.String("event_type", event.Type),
				zap.Strings("tags", event.Tags),
				zap.Error(err))
		}
	})
}
