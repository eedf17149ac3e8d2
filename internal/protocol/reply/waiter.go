package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/labctl/internal/observability"
	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/rs/zerolog/log"
)

var ErrNoReply = errors.New("reply: no reply before deadline")

const DefaultPollInterval = 100 * time.Millisecond

// Waiter polls a Store for a tag until it appears or a deadline passes.
// Replies usually land within tens of milliseconds, so a fixed poll interval
// is used instead of per-tag wakeups.
type Waiter struct {
	store    *Store
	interval time.Duration
}

func NewWaiter(store *Store, interval time.Duration) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Waiter{store: store, interval: interval}
}

func (w *Waiter) Interval() time.Duration { return w.interval }

// WaitFor returns the oldest reply matching tag, or ErrNoReply after timeout.
// A reply arriving after the deadline stays in the store.
func (w *Waiter) WaitFor(ctx context.Context, tag string, timeout time.Duration) (document.Document, error) {
	return w.WaitForAfter(ctx, tag, timeout, 0)
}

// WaitForAfter is WaitFor that discards matches with an arrival sequence at or
// before mark. Those replies belong to an earlier request.
func (w *Waiter) WaitForAfter(ctx context.Context, tag string, timeout time.Duration, mark uint64) (document.Document, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		p, stale, ok := w.store.TakeFirstAfter(tag, mark)
		for _, s := range stale {
			observability.RecordStaleReply(tag)
			log.Warn().
				Str("component", "reply").
				Str("tag", s.Doc.Tag()).
				Uint64("seq", s.Seq).
				Uint64("mark", mark).
				Msg("discarding reply that predates the current request")
		}
		if ok {
			observability.RecordReplyWait(tag, true, time.Since(start))
			return p.Doc, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			observability.RecordReplyWait(tag, false, time.Since(start))
			return document.Document{}, fmt.Errorf("%w: tag=%s timeout=%s", ErrNoReply, tag, timeout)
		}
		timer := time.NewTimer(min(w.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return document.Document{}, ctx.Err()
		case <-timer.C:
		}
	}
}
