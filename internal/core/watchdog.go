package core

import (
	"sync"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// Watchdog defaults. The idle window catches a worker that went silent; the
// hard window caps total wall-clock cost for a chatty but unproductive one.
const (
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultHardTimeout       = 20 * time.Minute
	DefaultWarningLead       = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	// partialEventLimit bounds how many recent events a timeout envelope carries.
	partialEventLimit = 50
	// partialOutputLimit bounds the captured tail of combined worker output.
	partialOutputLimit = 64 * 1024
)

// TimeoutInfo describes the deadline that fired and the diagnostic tail
// captured at that moment.
type TimeoutInfo struct {
	Kind      models.TimeoutKind
	ElapsedMS int64
	Partial   models.PartialResults
}

// WarningInfo is delivered a lead time before a deadline so a human can be
// notified before the cutoff.
type WarningInfo struct {
	Kind      models.TimeoutKind
	ElapsedMS int64
	// RemainingMS is the approximate time left before the deadline fires.
	RemainingMS int64
}

// WatchdogConfig configures the two timers and the observation callbacks.
// Callbacks are invoked from the watchdog's own goroutine and must not block.
type WatchdogConfig struct {
	IdleTimeout       time.Duration
	HardTimeout       time.Duration
	WarningLead       time.Duration
	HeartbeatInterval time.Duration

	// OnHeartbeat fires on a fixed interval purely for liveness reporting,
	// independent of the two timeout timers.
	OnHeartbeat func(elapsed time.Duration)
	OnWarning   func(WarningInfo)
	OnTimeout   func(TimeoutInfo)

	// Terminate escalates process termination after a timeout fires:
	// graceful signal first, forceful kill after a grace period.
	Terminate func()
}

// Watchdog tracks last-activity and total elapsed time for one running
// operation and fires at most one terminal timeout. Two independent timers
// run concurrently: an inactivity timer re-armed on every activity signal,
// and a hard timer fixed from start that cannot be starved by activity.
type Watchdog struct {
	cfg       WatchdogConfig
	id        string
	startedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	events       []protocol.Event
	output       []byte
	idleWarned   bool

	stop     chan struct{}
	stopOnce sync.Once
	fired    sync.Once
}

// NewWatchdog starts monitoring immediately. Stop must be called when the
// monitored unit reaches any terminal outcome.
func NewWatchdog(id string, cfg WatchdogConfig) *Watchdog {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.WarningLead <= 0 {
		cfg.WarningLead = DefaultWarningLead
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	now := time.Now()
	w := &Watchdog{
		cfg:          cfg,
		id:           id,
		startedAt:    now,
		lastActivity: now,
		stop:         make(chan struct{}),
	}
	go w.run()
	return w
}

// RecordActivity resets the inactivity window.
func (w *Watchdog) RecordActivity() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.idleWarned = false
	w.mu.Unlock()
}

// RecordEvent notes a parsed worker event as activity and retains it in the
// bounded diagnostic ring.
func (w *Watchdog) RecordEvent(ev protocol.Event) {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.idleWarned = false
	w.events = append(w.events, ev)
	if len(w.events) > partialEventLimit {
		w.events = w.events[len(w.events)-partialEventLimit:]
	}
	w.mu.Unlock()
}

// RecordOutput notes raw worker output as activity and retains a bounded tail
// of it for the timeout envelope.
func (w *Watchdog) RecordOutput(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.idleWarned = false
	w.output = append(w.output, chunk...)
	if len(w.output) > partialOutputLimit {
		w.output = w.output[len(w.output)-partialOutputLimit:]
	}
	w.mu.Unlock()
}

// Stop cancels both timers. At most one terminal outcome fires per watchdog:
// a Stop that wins the race suppresses any later timeout, and vice versa.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		w.fired.Do(func() {}) // claim the terminal slot
		close(w.stop)
	})
}

// Elapsed returns the wall-clock time since monitoring began.
func (w *Watchdog) Elapsed() time.Duration {
	return time.Since(w.startedAt)
}

func (w *Watchdog) run() {
	hardTimer := time.NewTimer(w.cfg.HardTimeout)
	defer hardTimer.Stop()

	// No hard warning when the whole window is shorter than the lead.
	var hardWarnC <-chan time.Time
	if w.cfg.HardTimeout > w.cfg.WarningLead {
		hardWarn := time.NewTimer(w.cfg.HardTimeout - w.cfg.WarningLead)
		defer hardWarn.Stop()
		hardWarnC = hardWarn.C
	}

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	idleTimer := time.NewTimer(w.idleWake())
	defer idleTimer.Stop()

	for {
		select {
		case <-w.stop:
			return

		case <-heartbeat.C:
			if w.cfg.OnHeartbeat != nil {
				w.cfg.OnHeartbeat(w.Elapsed())
			}

		case <-hardWarnC:
			w.warn(models.TimeoutHard, w.cfg.WarningLead)

		case <-hardTimer.C:
			w.fire(models.TimeoutHard)
			return

		case <-idleTimer.C:
			w.mu.Lock()
			idle := time.Since(w.lastActivity)
			warned := w.idleWarned
			w.mu.Unlock()

			if idle >= w.cfg.IdleTimeout {
				w.fire(models.TimeoutInactivity)
				return
			}
			remaining := w.cfg.IdleTimeout - idle
			if !warned && remaining <= w.cfg.WarningLead {
				w.warn(models.TimeoutInactivity, remaining)
				idleTimer.Reset(remaining)
				continue
			}
			if !warned && remaining > w.cfg.WarningLead {
				// Wake again at the warning point for the current silence run.
				idleTimer.Reset(remaining - w.cfg.WarningLead)
			} else {
				idleTimer.Reset(remaining)
			}
		}
	}
}

// idleWake is the initial idle-timer delay: the warning point when the idle
// window is long enough to carry one, otherwise the deadline itself.
func (w *Watchdog) idleWake() time.Duration {
	if w.cfg.IdleTimeout > w.cfg.WarningLead {
		return w.cfg.IdleTimeout - w.cfg.WarningLead
	}
	return w.cfg.IdleTimeout
}

func (w *Watchdog) warn(kind models.TimeoutKind, remaining time.Duration) {
	w.mu.Lock()
	if kind == models.TimeoutInactivity {
		if w.idleWarned {
			w.mu.Unlock()
			return
		}
		w.idleWarned = true
	}
	w.mu.Unlock()

	if w.cfg.OnWarning != nil {
		w.cfg.OnWarning(WarningInfo{
			Kind:        kind,
			ElapsedMS:   w.Elapsed().Milliseconds(),
			RemainingMS: remaining.Milliseconds(),
		})
	}
}

// fire delivers the timeout exactly once, then escalates termination.
func (w *Watchdog) fire(kind models.TimeoutKind) {
	w.fired.Do(func() {
		info := TimeoutInfo{
			Kind:      kind,
			ElapsedMS: w.Elapsed().Milliseconds(),
			Partial:   w.partialResults(kind),
		}
		if w.cfg.OnTimeout != nil {
			w.cfg.OnTimeout(info)
		}
		if w.cfg.Terminate != nil {
			w.cfg.Terminate()
		}
	})
}

// partialResults assembles the bounded diagnostic tail captured so far.
func (w *Watchdog) partialResults(kind models.TimeoutKind) models.PartialResults {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := make([]string, 0, len(w.events))
	for _, ev := range w.events {
		lines = append(lines, string(ev.Raw))
	}
	return models.PartialResults{
		Kind:       kind,
		ElapsedMS:  w.Elapsed().Milliseconds(),
		EventCount: len(w.events),
		LastEvents: lines,
		OutputTail: string(w.output),
	}
}
