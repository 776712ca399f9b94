// Package bus implements the in-memory change-notification bus spec.md §6 describes:
// per-subscriber event queues, parsed "queue;key" subjects, and a bounded-wait Next call
// the GeoTree updater thread polls. A concrete, testable stand-in for the production
// publish/subscribe transport the scheduler is built against.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventType distinguishes the four notification kinds spec.md §6 enumerates.
type EventType int

const (
	Creation EventType = iota
	Deletion
	Modification
	KeyDeletion
)

// Event is one change notification: the queue-path subject it was published on, its
// type, and the stat key it concerns (empty for whole-subject events).
type Event struct {
	Subject string
	Type    EventType
	Key     string
}

// Bus is an in-memory, per-subscriber event queue keyed by queue path ("subject" in
// spec.md's vocabulary). Publish fans an event out to the matching subscriber's queue;
// Next drains one event for a subscriber with a bounded wait.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	keys  map[string]bool
	queue chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers queuePath with the given watched key-set, per spec.md §4.2
// "subscribes to change notifications for a watched key-set". Re-subscribing replaces
// the previous key-set.
func (b *Bus) Subscribe(queuePath string, keys []string) {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.subs[queuePath]; ok {
		existing.keys = keySet
		return
	}
	b.subs[queuePath] = &subscriber{keys: keySet, queue: make(chan Event, 256)}
}

// Unsubscribe removes queuePath's subscription.
func (b *Bus) Unsubscribe(queuePath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, queuePath)
}

// Publish parses subject as "queue;key" and delivers the event to queue's subscriber, if
// any and if key is watched (or the event isn't a Modification, which always watched
// keys gate — other event types concern the whole subject). Non-modification events on
// an unknown subject are discarded, per spec.md §6.
func (b *Bus) Publish(subject string, typ EventType, payloadKey string) {
	queue, key, ok := strings.Cut(subject, ";")
	if !ok {
		queue, key = subject, payloadKey
	}
	b.mu.Lock()
	sub, ok := b.subs[queue]
	b.mu.Unlock()
	if !ok {
		return
	}
	if typ == Modification && key != "" && !sub.keys[key] {
		return
	}
	select {
	case sub.queue <- Event{Subject: queue, Type: typ, Key: key}:
	default:
		// Queue full: the updater isn't draining fast enough. Drop rather than block
		// the publisher, matching the bus's "fire and forget" role.
	}
}

// Next blocks for one event on queuePath's queue until ctx is done, returning ok=false
// on cancellation.
func (b *Bus) Next(ctx context.Context, queuePath string) (Event, bool, error) {
	b.mu.Lock()
	sub, ok := b.subs[queuePath]
	b.mu.Unlock()
	if !ok {
		return Event{}, false, fmt.Errorf("bus: unknown subject %q", queuePath)
	}
	select {
	case ev := <-sub.queue:
		return ev, true, nil
	case <-ctx.Done():
		return Event{}, false, nil
	}
}

// Subjects returns every currently subscribed queue path, for the updater's fan-out
// poll loop.
func (b *Bus) Subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	subjects := make([]string, 0, len(b.subs))
	for s := range b.subs {
		subjects = append(subjects, s)
	}
	return subjects
}
