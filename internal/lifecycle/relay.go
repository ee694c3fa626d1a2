package lifecycle

import (
	"context"
	"time"

	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/notifier"
	"github.com/italolelis/background_downloader/internal/pubsub"
	"github.com/italolelis/background_downloader/internal/transfer"
)

const notifyTimeout = 10 * time.Second

// relay forwards transfer events to the notifier while the background view
// is attached.
type relay struct {
	sub  *pubsub.Subscription[transfer.Event]
	done chan struct{}
}

func (c *Coordinator) startRelayLocked() *relay {
	r := &relay{
		sub:  c.events.Subscribe(),
		done: make(chan struct{}),
	}

	prev := c.lastRelay
	c.lastRelay = r.done

	c.wg.Add(1)

	go c.runRelay(r, prev)

	return r
}

func (c *Coordinator) releaseRelayLocked() {
	if c.relay == nil {
		return
	}

	c.events.Unsubscribe(c.relay.sub)
	c.relay = nil
}

func (c *Coordinator) runRelay(r *relay, prev <-chan struct{}) {
	defer c.wg.Done()
	defer close(r.done)

	// Notifier calls outlive the base context so the indicator can still be
	// hidden during shutdown.
	ctx := context.WithoutCancel(c.ctx)
	logger := logctx.LoggerFromContext(ctx)

	// The previous relay must have hidden its indicator before this one
	// shows a new one.
	if prev != nil {
		<-prev
	}

	for {
		event, ok := <-r.sub.C()
		if !ok {
			break
		}

		event, open := coalesce(r.sub, event)
		if !open {
			break
		}

		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := c.notifier.Notify(notifyCtx, notifier.FromEvent(event)); err != nil {
			logger.Warn("failed to update background notification", "percent", event.Percent, "err", err)
		}
		cancel()
	}

	hideCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := c.notifier.Hide(hideCtx); err != nil {
		logger.Warn("failed to hide background notification", "err", err)
	}
}

// coalesce returns the newest event already queued on sub, starting from
// event. open is false once the subscription was closed.
func coalesce(sub *pubsub.Subscription[transfer.Event], event transfer.Event) (transfer.Event, bool) {
	for {
		select {
		case next, ok := <-sub.C():
			if !ok {
				return event, false
			}

			event = next
		default:
			return event, true
		}
	}
}
