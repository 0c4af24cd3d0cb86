// Package msdhealth tracks the mass-storage controller's operational
// health: whether its last ConfigFS/image operation succeeded, and, if
// not, why. Transitions (not every report) are published on the event
// bus so subscribers see state changes rather than a flood of identical
// error events.
package msdhealth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/eventbus"
)

// Status is the monitor's current health reading.
type Status struct {
	Healthy   bool
	Reason    string
	ErrorCode string
}

// Config tunes the monitor.
type Config struct {
	// LogThrottle is the per-error-code interval of the monitor's
	// throttler. The monitor itself writes no log lines.
	LogThrottle time.Duration
}

// DefaultConfig matches the appliance's default posture.
func DefaultConfig() Config {
	return Config{LogThrottle: 5 * time.Second}
}

// Monitor tracks MSD operation health and notifies the event bus on
// state transitions.
type Monitor struct {
	mu            sync.RWMutex
	status        Status
	lastErrorCode string

	busMu sync.RWMutex
	bus   *eventbus.Bus

	throttle   throttler
	errorCount uint32
}

// New creates a monitor with the given configuration, starting healthy.
func New(cfg Config) *Monitor {
	return &Monitor{
		status:   Status{Healthy: true},
		throttle: newThrottler(cfg.LogThrottle),
	}
}

// WithDefaults creates a monitor with DefaultConfig.
func WithDefaults() *Monitor {
	return New(DefaultConfig())
}

// SetEventBus attaches the bus used for health-transition notifications.
func (m *Monitor) SetEventBus(bus *eventbus.Bus) {
	m.busMu.Lock()
	m.bus = bus
	m.busMu.Unlock()
}

func (m *Monitor) publish(ev eventbus.Event) {
	m.busMu.RLock()
	bus := m.bus
	m.busMu.RUnlock()
	if bus != nil {
		bus.Publish(ev)
	}
}

// ReportError records an operation failure. reason is a human-readable
// description; errorCode is a short machine-stable tag (e.g.
// "configfs_error", "image_not_found"). An event is published only the
// first time this code is seen, or whenever the code changes — repeated
// identical errors are never re-published, so a jammed retry loop doesn't
// flood subscribers. No report is logged.
func (m *Monitor) ReportError(reason, errorCode string) {
	count := atomic.AddUint32(&m.errorCount, 1)

	m.mu.Lock()
	changed := m.lastErrorCode != errorCode
	m.lastErrorCode = errorCode
	m.status = Status{Healthy: false, Reason: reason, ErrorCode: errorCode}
	m.mu.Unlock()

	if changed || m.throttle.shouldLog("msd_"+errorCode) {
		// Nothing is logged here; the throttler only records when this
		// code was last seen.
		_ = count
	}

	if changed || count == 1 {
		m.publish(eventbus.Event{
			Kind:     eventbus.KindMsdError,
			Module:   "msd",
			Severity: "error",
			Message:  reason,
		})
	}
}

// ReportRecovered clears the error state if one was set, publishing a
// recovery event. A no-op when already healthy.
func (m *Monitor) ReportRecovered() {
	m.mu.Lock()
	wasHealthy := m.status.Healthy
	m.status = Status{Healthy: true}
	m.lastErrorCode = ""
	m.mu.Unlock()

	if wasHealthy {
		return
	}
	atomic.StoreUint32(&m.errorCount, 0)
	m.throttle.clearAll()
	m.publish(eventbus.Event{Kind: eventbus.KindMsdRecovered, Module: "msd"})
}

// Status returns the current health reading.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ErrorCount returns the number of ReportError calls since the last
// recovery (or since creation).
func (m *Monitor) ErrorCount() uint32 {
	return atomic.LoadUint32(&m.errorCount)
}

// IsHealthy reports whether the monitor is currently in the healthy
// state.
func (m *Monitor) IsHealthy() bool {
	return m.Status().Healthy
}

// IsError reports whether the monitor is currently in an error state.
func (m *Monitor) IsError() bool {
	return !m.IsHealthy()
}

// ErrorMessage returns the current error reason, or "" if healthy.
func (m *Monitor) ErrorMessage() string {
	return m.Status().Reason
}

// Reset returns the monitor to healthy without publishing an event,
// intended for use during controller initialization.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.status = Status{Healthy: true}
	m.lastErrorCode = ""
	m.mu.Unlock()
	atomic.StoreUint32(&m.errorCount, 0)
	m.throttle.clearAll()
}

// CheckDiskSpace reports an error (and returns it) if the filesystem
// backing path has less than minFreeBytes available, reporting recovery
// if a prior low-space error has cleared. Intended to be polled
// periodically by whatever owns the monitor.
func (m *Monitor) CheckDiskSpace(path string, minFreeBytes uint64) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return errutil.Wrapf(err, "check disk space at %s failed", path)
	}
	if usage.Free < minFreeBytes {
		m.ReportError(
			errutil.Errorf("low disk space at %s: %d bytes free", path, usage.Free).Error(),
			"low_disk_space",
		)
		return errutil.Errorf("msd: low disk space at %s: %d bytes free", path, usage.Free)
	}
	if m.Status().ErrorCode == "low_disk_space" {
		m.ReportRecovered()
	}
	return nil
}

// throttler reports, per key, whether at least one interval has passed
// since the key was last accepted, recording the time when it has.
type throttler struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func newThrottler(interval time.Duration) throttler {
	return throttler{interval: interval, last: make(map[string]time.Time)}
}

func (t *throttler) shouldLog(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

func (t *throttler) clearAll() {
	t.mu.Lock()
	t.last = make(map[string]time.Time)
	t.mu.Unlock()
}
