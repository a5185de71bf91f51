package batching

import (
	"context"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/observability/metrics"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// BatchHandler receives one ripe batch. The slice is a copy; consumers
// cannot corrupt in-flight batching state through it.
type BatchHandler func(key events.ConversationKey, batch []events.InboundEvent)

// Scheduler accumulates inbound events per conversation key and hands each
// ripe batch to the handler exactly once. Different keys process fully
// independently; within a key, timer fires and AddEvent calls serialize on
// the entry mutex.
type Scheduler struct {
	policy  Policy
	handler BatchHandler
	logger  *logging.Logger
	metrics *metrics.PipelineMetrics

	sweepInterval time.Duration
	retention     time.Duration

	mu      sync.Mutex
	entries map[events.ConversationKey]*entry
}

type entry struct {
	mu sync.Mutex

	pending       []events.InboundEvent
	timer         *time.Timer
	timerDeadline time.Time
	gen           uint64
	lastEventAt   time.Time
	futureRefSeen bool
	processing    bool
	deferredFlush bool
	dead          bool
}

// PendingInfo is a diagnostic view of one conversation's batching state.
type PendingInfo struct {
	Count        int       `json:"count"`
	Processing   bool      `json:"processing"`
	LastEventAt  time.Time `json:"last_event_at,omitempty"`
	TimerPending bool      `json:"timer_pending"`
	FlushAt      time.Time `json:"flush_at,omitempty"`
}

// SchedulerConfig tunes the scheduler; zero values take defaults.
type SchedulerConfig struct {
	Policy        Policy
	SweepInterval time.Duration
	Retention     time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.PipelineMetrics
}

// NewScheduler builds a scheduler delivering batches to handler.
func NewScheduler(cfg SchedulerConfig, handler BatchHandler) *Scheduler {
	if handler == nil {
		panic("batching: batch handler cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Scheduler{
		policy:        cfg.Policy.normalized(),
		handler:       handler,
		logger:        logger.Component("batching"),
		metrics:       cfg.Metrics,
		sweepInterval: sweep,
		retention:     retention,
		entries:       make(map[events.ConversationKey]*entry),
	}
}

// AddEvent appends an event to the conversation's active batch, recomputes
// the debounce interval, and resets the pending timer. Never blocks on a
// running callback: a processing batch is sealed and events open a new one.
func (s *Scheduler) AddEvent(key events.ConversationKey, evt events.InboundEvent) {
	for {
		e := s.entryFor(key)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue // swept out underneath us, grab a fresh entry
		}

		now := time.Now()
		var sinceLast time.Duration
		if !e.lastEventAt.IsZero() && len(e.pending) > 0 {
			sinceLast = now.Sub(e.lastEventAt)
		}
		interval := s.policy.Interval(e.pending, evt, e.futureRefSeen, sinceLast)

		if evt.Kind == events.KindText && s.policy.MatchesFutureMediaRef(evt.Text) {
			e.futureRefSeen = true
		}
		e.pending = append(e.pending, evt)
		e.lastEventAt = now

		if len(e.pending) >= s.policy.MaxBatchSize {
			s.flushLocked(key, e, "size")
			e.mu.Unlock()
			return
		}
		s.resetTimerLocked(key, e, interval)
		e.mu.Unlock()
		return
	}
}

// ForceFlush delivers the pending batch immediately, bypassing the timer.
func (s *Scheduler) ForceFlush(key events.ConversationKey) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	s.flushLocked(key, e, "forced")
	e.mu.Unlock()
}

// Clear drops any pending events and cancels the timer for the key. A
// callback already in flight is unaffected.
func (s *Scheduler) Clear(key events.ConversationKey) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	s.stopTimerLocked(e)
	e.pending = nil
	e.futureRefSeen = false
	e.deferredFlush = false
	e.mu.Unlock()
}

// MarkCompleted clears the processing flag set when a batch was handed to
// the callback. Safe to call repeatedly; also called implicitly when the
// callback returns.
func (s *Scheduler) MarkCompleted(key events.ConversationKey) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.processing = false
	if e.deferredFlush && len(e.pending) > 0 {
		s.flushLocked(key, e, "deferred")
	} else {
		e.deferredFlush = false
	}
	e.mu.Unlock()
}

// PendingInfo reports the batching state for one conversation.
func (s *Scheduler) PendingInfo(key events.ConversationKey) PendingInfo {
	e := s.lookup(key)
	if e == nil {
		return PendingInfo{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return PendingInfo{
		Count:        len(e.pending),
		Processing:   e.processing,
		LastEventAt:  e.lastEventAt,
		TimerPending: e.timer != nil,
		FlushAt:      e.timerDeadline,
	}
}

// Keys lists conversations currently tracked, for diagnostics.
func (s *Scheduler) Keys() []events.ConversationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]events.ConversationKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Run executes the garbage-collection sweep until ctx is done, removing
// conversations idle beyond the retention window.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		idle := !e.processing && len(e.pending) == 0 && e.timer == nil &&
			(e.lastEventAt.IsZero() || now.Sub(e.lastEventAt) > s.retention)
		if idle {
			e.dead = true
			delete(s.entries, key)
		}
		e.mu.Unlock()
	}
}

func (s *Scheduler) entryFor(key events.ConversationKey) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

func (s *Scheduler) lookup(key events.ConversationKey) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

// flushLocked seals the pending batch and hands a copy to the handler in
// its own goroutine. Caller holds e.mu. If a callback is already in flight
// for this key the flush is deferred until MarkCompleted.
func (s *Scheduler) flushLocked(key events.ConversationKey, e *entry, reason string) {
	if len(e.pending) == 0 {
		return
	}
	if e.processing {
		e.deferredFlush = true
		s.stopTimerLocked(e)
		return
	}

	batch := make([]events.InboundEvent, len(e.pending))
	copy(batch, e.pending)
	e.pending = nil
	e.futureRefSeen = false
	e.deferredFlush = false
	e.processing = true
	s.stopTimerLocked(e)

	s.metrics.ObserveBatchFlushed(reason, len(batch))
	s.logger.Debug("batch flushed",
		"conversation", key,
		"reason", reason,
		"events", len(batch),
	)

	go func() {
		s.handler(key, batch)
		s.MarkCompleted(key)
	}()
}

// resetTimerLocked re-arms the debounce timer. Caller holds e.mu.
func (s *Scheduler) resetTimerLocked(key events.ConversationKey, e *entry, interval time.Duration) {
	s.stopTimerLocked(e)
	e.gen++
	gen := e.gen
	e.timerDeadline = time.Now().Add(interval)
	e.timer = time.AfterFunc(interval, func() {
		s.timerFire(key, gen)
	})
}

func (s *Scheduler) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerDeadline = time.Time{}
}

func (s *Scheduler) timerFire(key events.ConversationKey, gen uint64) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return // timer was reset after this fire was scheduled
	}
	e.timer = nil
	e.timerDeadline = time.Time{}
	s.flushLocked(key, e, "timer")
}
