package geosched

import (
	"context"
	"time"

	"github.com/geodisk/geodisk/geosched/bus"
)

// HealthFetcher resolves the current Health for a fs id, called once per fs per
// coalesced frame rather than once per individual stat change.
type HealthFetcher func(ctx context.Context, fsID string) (Health, error)

// RunNotificationUpdater drains b for groupName's subscribed queue paths, coalescing
// every Modification notification received within one TimeFrameDurationMs window into a
// single fetch+UpdateFsHealth call per fs, per spec.md §4.2's "reduces notifications to a
// bitmask of changed keys and applies one consolidated update per fs at frame end".
// A Deletion event drops any update still pending for that fs; Creation and other event
// types are ignored, since membership changes only through InsertFsIntoGroup and
// RemoveFsFromGroup. It blocks until ctx is canceled.
func (e *Engine) RunNotificationUpdater(ctx context.Context, groupName string, b *bus.Bus, fetch HealthFetcher) {
	e.paramsMu.RLock()
	interval := time.Duration(e.params.TimeFrameDurationMs) * time.Millisecond
	e.paramsMu.RUnlock()
	if interval <= 0 {
		interval = time.Minute
	}

	dirty := make(map[string]bool) // fs id -> modified since last frame
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushDirty(ctx, groupName, dirty, fetch)
		default:
			e.pollOnce(ctx, groupName, b, dirty)
		}
	}
}

// pollOnce drains one pending event, if any, from each of groupName's subscribed queues
// without blocking the caller beyond a short poll window.
func (e *Engine) pollOnce(ctx context.Context, groupName string, b *bus.Bus, dirty map[string]bool) {
	pollCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	g, err := e.getGroup(groupName)
	if err != nil {
		<-pollCtx.Done()
		return
	}
	fsByQueue := make(map[string]string)
	g.slowMu.RLock()
	for id, fs := range g.fsByID {
		if fs.QueuePath != "" {
			fsByQueue[fs.QueuePath] = id
		}
	}
	g.slowMu.RUnlock()

	for subject, fsID := range fsByQueue {
		ev, ok, err := b.Next(pollCtx, subject)
		if err != nil || !ok {
			continue
		}
		switch ev.Type {
		case bus.Modification:
			dirty[fsID] = true
		case bus.Deletion:
			delete(dirty, fsID)
		}
	}
}

func (e *Engine) flushDirty(ctx context.Context, groupName string, dirty map[string]bool, fetch HealthFetcher) {
	for fsID := range dirty {
		delete(dirty, fsID)
		h, err := fetch(ctx, fsID)
		if err != nil {
			continue
		}
		_ = e.UpdateFsHealth(groupName, fsID, h)
	}
}
