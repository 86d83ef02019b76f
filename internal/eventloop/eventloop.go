// Package eventloop runs setTimeout and setInterval callbacks for a single
// JS runtime on the goroutine that owns it.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/workerdev/internal/core"
)

// MinInterval is the shortest period a setInterval timer may have.
const MinInterval = 10 * time.Millisecond

// timerEntry tracks scheduling for one timer. The callback itself lives in
// globalThis.__timerCallbacks[id] on the JS side.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout
	id       int
}

// EventLoop manages Go-backed timers for a JS runtime.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
	now    func() time.Time
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		now:    time.Now,
	}
}

// RegisterTimer schedules a timer and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	if delay < 0 {
		delay = 0
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	entry := &timerEntry{id: el.nextID, deadline: el.now().Add(delay)}
	if isInterval {
		if delay < MinInterval {
			delay = MinInterval
		}
		entry.interval = delay
	}
	el.timers[entry.id] = entry
	return entry.id
}

// ClearTimer cancels a timer. Unknown IDs are ignored.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	delete(el.timers, id)
	el.mu.Unlock()
}

// HasPending reports whether any timer is still scheduled.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset drops every timer.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.mu.Unlock()
}

// next returns the earliest timer, or nil.
func (el *EventLoop) next() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if next == nil || t.deadline.Before(next.deadline) || (t.deadline.Equal(next.deadline) && t.id < next.id) {
			next = t
		}
	}
	return next
}

func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	return rt.Eval(fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id))
}

// RunNext waits for the earliest timer, fires it and pumps microtasks. It
// reports false when no timer is scheduled. It must be called on the
// runtime's goroutine.
func (el *EventLoop) RunNext(ctx context.Context, rt core.JSRuntime) (bool, error) {
	for {
		next := el.next()
		if next == nil {
			return false, nil
		}

		if wait := next.deadline.Sub(el.now()); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return false, err
		}

		el.mu.Lock()
		if _, ok := el.timers[next.id]; !ok {
			// Cleared while we were waiting.
			el.mu.Unlock()
			continue
		}
		if next.interval > 0 {
			next.deadline = el.now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, next.id); err != nil {
			return true, fmt.Errorf("timer %d: %w", next.id, err)
		}
		rt.RunMicrotasks()
		return true, nil
	}
}

// Drain fires timers in deadline order until none remain or ctx is done.
func (el *EventLoop) Drain(ctx context.Context, rt core.JSRuntime) error {
	for {
		fired, err := el.RunNext(ctx, rt)
		if err != nil || !fired {
			return err
		}
	}
}
