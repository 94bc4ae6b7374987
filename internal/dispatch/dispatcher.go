package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentworkforce/livesync/internal/schedule"
)

const DefaultDelay = 500 * time.Millisecond

var (
	scheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_dispatch_scheduled_total",
		Help: "Outbound updates handed to the debouncer",
	})
	supersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_dispatch_superseded_total",
		Help: "Pending outbound updates replaced by a newer one before transmission",
	})
	transmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_dispatch_transmitted_total",
		Help: "Debounced updates passed to the transmit callback",
	})
)

type Transmit func(content string)

type Options struct {
	Delay     time.Duration
	Scheduler schedule.Scheduler
	Logger    *slog.Logger
}

// Dispatcher collapses bursts of content into a single trailing-edge call
// of the transmit callback.
type Dispatcher struct {
	transmit Transmit
	delay    time.Duration
	sched    schedule.Scheduler
	logger   *slog.Logger

	mu         sync.Mutex
	timer      schedule.Timer
	generation uint64
	pending    string
	hasPending bool
	cancelled  bool
}

func New(transmit Transmit, opts Options) *Dispatcher {
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedule.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		transmit: transmit,
		delay:    delay,
		sched:    sched,
		logger:   logger,
	}
}

// Schedule restarts the delay window with content as the payload.
func (d *Dispatcher) Schedule(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		d.logger.Debug("dropping update scheduled after cancel")
		return
	}
	scheduledTotal.Inc()
	if d.hasPending {
		supersededTotal.Inc()
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.pending = content
	d.hasPending = true
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.fire(generation)
	})
}

// Flush transmits the pending payload now instead of waiting for the window.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	content, ok := d.takeLocked()
	d.mu.Unlock()
	if ok {
		d.send(content)
	}
}

// Cancel discards any pending payload and drops every later Schedule call.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return
	}
	d.cancelled = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = ""
	d.hasPending = false
	d.generation++
}

func (d *Dispatcher) Pending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending, d.hasPending
}

func (d *Dispatcher) fire(generation uint64) {
	d.mu.Lock()
	if d.cancelled || generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	content, ok := d.takeLocked()
	d.mu.Unlock()
	if ok {
		d.send(content)
	}
}

func (d *Dispatcher) takeLocked() (string, bool) {
	if !d.hasPending || d.cancelled {
		return "", false
	}
	content := d.pending
	d.pending = ""
	d.hasPending = false
	d.generation++
	return content, true
}

func (d *Dispatcher) send(content string) {
	transmittedTotal.Inc()
	if d.transmit != nil {
		d.transmit(content)
	}
}
