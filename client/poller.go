package client

import (
	"context"
	"time"

	"Richee/internal/host"
	"Richee/internal/logger"
)

// pollPage is the number of events fetched per request.
const pollPage = 100

// Poll follows the node's event log, calling fn for every event with
// id > after in order, until ctx is cancelled. An event whose handler fails
// is retried on the next tick.
func (c *Client) Poll(ctx context.Context, after uint64, interval time.Duration, fn func(host.Event) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		after = c.drain(ctx, after, fn)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain handles every available event and returns the new cursor.
func (c *Client) drain(ctx context.Context, after uint64, fn func(host.Event) error) uint64 {
	for {
		events, err := c.Events(ctx, after, pollPage)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("poll events failed", "error", err)
			}

			return after
		}

		for _, ev := range events {
			if err := fn(ev); err != nil {
				logger.Warn("event handler failed", "event", ev.ID, "topic", ev.Topic, "error", err)
				return after
			}

			after = ev.ID
		}

		if len(events) < pollPage {
			return after
		}
	}
}
