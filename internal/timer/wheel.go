// =============================================================================
// TIMER WHEEL - ONE-SHOT DEFERRED CALLBACKS
// =============================================================================
//
// WHAT IS THIS?
// A small hierarchical timer wheel used by the producer for deferred
// re-attempts (e.g. "retry the identifier request in 500ms"). A wheel gives
// O(1) schedule/cancel where a heap would cost O(log n).
//
//   Level 0 (10ms precision):  256 buckets × 10ms  = 2.56 seconds
//   Level 1 (2.56s precision):  64 buckets × 2.56s ≈ 2.73 minutes
//
// Two levels are enough here: the producer schedules retry-scale delays
// (hundreds of milliseconds to a few seconds), never the multi-day delays a
// broker's delayed-message wheel has to cover.
//
// RE-ARM SEMANTICS:
// Scheduling an id that is already pending REPLACES the pending timer
// (restarts the countdown). The producer relies on this: there is at most
// one pending retry timer at any time, and re-arming through Schedule is
// always safe.
//
// SHUTDOWN SEMANTICS:
// Close() blocks until the tick goroutine has exited. Because callbacks are
// only ever invoked from the tick goroutine, no callback can fire after
// Close() returns. The producer's termination path depends on this.
//
// =============================================================================

package timer

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Level 0: fine-grained buckets.
	level0Buckets = 256
	level0TickMs  = 10
	level0SpanMs  = level0Buckets * level0TickMs // 2560ms

	// Level 1: coarse buckets, cascaded down as they come due.
	level1Buckets = 64
	level1SpanMs  = level1Buckets * level0SpanMs // ≈2.73 min

	numLevels = 2
)

// MaxDelay is the longest schedulable delay.
const MaxDelay = time.Duration(level1SpanMs) * time.Millisecond

var (
	// ErrDelayTooLong means the requested delay exceeds MaxDelay.
	ErrDelayTooLong = errors.New("delay exceeds maximum supported duration")

	// ErrDelayNegative means the requested delay is negative.
	ErrDelayNegative = errors.New("delay cannot be negative")

	// ErrWheelClosed means the wheel has been stopped.
	ErrWheelClosed = errors.New("timer wheel is closed")
)

// entry is one scheduled one-shot timer.
type entry struct {
	id        string
	deliverAt time.Time
	fn        func()

	element *list.Element
	level   int
	bucket  int
}

// Wheel is a two-level hierarchical timer wheel for one-shot callbacks.
//
// THREAD SAFETY:
// All public methods are safe for concurrent use. Callbacks run on the
// wheel's tick goroutine and should return quickly; anything slow must be
// dispatched elsewhere by the callback itself.
type Wheel struct {
	levels  [numLevels][]*list.List
	cursors [numLevels]int

	// timers maps id to entry for O(1) cancellation and re-arm.
	timers map[string]*entry

	mu     sync.Mutex
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	logger *slog.Logger

	scheduled atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
}

// NewWheel creates and starts a timer wheel. The wheel immediately starts a
// goroutine ticking every 10ms; call Close() to stop it.
func NewWheel(logger *slog.Logger) *Wheel {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Wheel{
		timers: make(map[string]*entry),
		done:   make(chan struct{}),
		logger: logger,
	}

	bucketCounts := [numLevels]int{level0Buckets, level1Buckets}
	for level := 0; level < numLevels; level++ {
		w.levels[level] = make([]*list.List, bucketCounts[level])
		for i := range w.levels[level] {
			w.levels[level][i] = list.New()
		}
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Schedule arms a one-shot timer. If a timer with the same id is already
// pending it is replaced and its countdown restarts; the old callback will
// not fire.
func (w *Wheel) Schedule(id string, delay time.Duration, fn func()) error {
	if w.closed.Load() {
		return ErrWheelClosed
	}
	if delay < 0 {
		return ErrDelayNegative
	}
	if delay > MaxDelay {
		return ErrDelayTooLong
	}
	// Always round up to at least one tick so callbacks only ever run on
	// the tick goroutine. This is what makes Close() a hard barrier.
	if delay < level0TickMs*time.Millisecond {
		delay = level0TickMs * time.Millisecond
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.timers[id]; exists {
		w.removeLocked(id)
	}

	e := &entry{
		id:        id,
		deliverAt: time.Now().Add(delay),
		fn:        fn,
	}
	w.insert(e)
	w.timers[id] = e
	w.scheduled.Add(1)

	return nil
}

// Cancel removes a pending timer. Returns true if the timer existed and was
// removed before firing.
func (w *Wheel) Cancel(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.removeLocked(id) {
		w.cancelled.Add(1)
		return true
	}
	return false
}

// Pending reports whether a timer with the given id is currently armed.
func (w *Wheel) Pending(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[id]
	return ok
}

// Size returns the number of armed timers.
func (w *Wheel) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Close stops the wheel. Pending timers will not fire. Blocks until the
// tick goroutine has exited, so no callback runs after Close returns.
func (w *Wheel) Close() error {
	if w.closed.Swap(true) {
		return nil // already closed
	}

	close(w.done)
	w.wg.Wait()

	w.logger.Debug("timer wheel stopped",
		"scheduled", w.scheduled.Load(),
		"fired", w.fired.Load(),
		"cancelled", w.cancelled.Load())

	return nil
}

// insert places an entry in the bucket matching its remaining delay.
func (w *Wheel) insert(e *entry) {
	delay := time.Until(e.deliverAt)
	if delay < 0 {
		delay = 0
	}
	delayMs := delay.Milliseconds()

	var level, bucket int
	if delayMs < level0SpanMs {
		level = 0
		bucket = (w.cursors[0] + int(delayMs/level0TickMs)) % level0Buckets
	} else {
		level = 1
		bucket = (w.cursors[1] + int(delayMs/level0SpanMs)) % level1Buckets
	}

	e.level = level
	e.bucket = bucket
	e.element = w.levels[level][bucket].PushBack(e)
}

// removeLocked removes a timer by id. Caller holds mu.
func (w *Wheel) removeLocked(id string) bool {
	e, exists := w.timers[id]
	if !exists {
		return false
	}
	if e.element != nil {
		w.levels[e.level][e.bucket].Remove(e.element)
		e.element = nil
	}
	delete(w.timers, id)
	return true
}

// run is the tick goroutine.
func (w *Wheel) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(level0TickMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick advances the level-0 cursor, fires the current bucket and cascades
// level 1 when level 0 wraps.
func (w *Wheel) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cursors[0] = (w.cursors[0] + 1) % level0Buckets
	w.fireBucket(w.levels[0][w.cursors[0]])

	if w.cursors[0] == 0 {
		w.cursors[1] = (w.cursors[1] + 1) % level1Buckets
		w.cascadeBucket(w.levels[1][w.cursors[1]])
	}
}

// fireBucket fires every timer in a level-0 bucket. The bucket placement
// already accounts for timing; entries are not re-checked against the clock.
func (w *Wheel) fireBucket(bucket *list.List) {
	for el := bucket.Front(); el != nil; {
		e := el.Value.(*entry)
		next := el.Next()

		bucket.Remove(el)
		e.element = nil
		delete(w.timers, e.id)
		w.fired.Add(1)

		// Release the lock around the callback so it may call back
		// into Schedule/Cancel without deadlocking.
		w.mu.Unlock()
		e.fn()
		w.mu.Lock()

		el = next
	}
}

// cascadeBucket redistributes a due level-1 bucket down to level 0, firing
// anything already overdue.
func (w *Wheel) cascadeBucket(bucket *list.List) {
	for el := bucket.Front(); el != nil; {
		e := el.Value.(*entry)
		next := el.Next()

		bucket.Remove(el)
		e.element = nil

		if time.Until(e.deliverAt) <= 0 {
			delete(w.timers, e.id)
			w.fired.Add(1)
			w.mu.Unlock()
			e.fn()
			w.mu.Lock()
		} else {
			w.insert(e)
		}

		el = next
	}
}
