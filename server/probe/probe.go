// Package probe samples host CPU, memory and power state for the condition
// gates of the scheduler.
package probe

import (
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	metricsCacheKey = "metrics"
	powerCacheKey   = "power"

	metricsTTL = 1 * time.Second
	powerTTL   = 10 * time.Second

	// highBatteryPct is the battery level treated as equivalent to being
	// plugged in.
	highBatteryPct = 80
)

// Probe implements semantica.SystemProbe on top of gopsutil. Samples are
// cached because the worker loop asks on every iteration; the idle signal is
// additionally smoothed so a single quiet sample between compile bursts does
// not count as idleness.
type Probe struct {
	logger           log.Logger
	clock            clock.Clock
	cache            *gocache.Cache
	idleThresholdPct float64
	idleSustain      time.Duration
	assumeOnAC       bool

	mu            sync.Mutex
	idleSince     time.Time
	haveIdleSince bool
}

// Option configures a Probe.
type Option func(*Probe)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(p *Probe) { p.clock = c }
}

// WithIdleSustain overrides how long CPU must stay below the threshold
// before the host counts as idle.
func WithIdleSustain(d time.Duration) Option {
	return func(p *Probe) { p.idleSustain = d }
}

// New returns a Probe using the given idle threshold (percent CPU) and the
// AC fallback for batteryless hosts.
func New(logger log.Logger, idleThresholdPct float64, assumeOnAC bool, opts ...Option) *Probe {
	p := &Probe{
		logger:           logger,
		clock:            clock.C,
		cache:            gocache.New(metricsTTL, 2*time.Minute),
		idleThresholdPct: idleThresholdPct,
		idleSustain:      time.Second,
		assumeOnAC:       assumeOnAC,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metrics returns the current host load. Sampling failures degrade open:
// the host is reported busy so condition-gated jobs wait rather than run on
// bad data.
func (p *Probe) Metrics() semantica.SystemMetrics {
	if cached, ok := p.cache.Get(metricsCacheKey); ok {
		return cached.(semantica.SystemMetrics)
	}

	m := semantica.SystemMetrics{CPUPercent: 100, MemPercent: 100, IsIdle: false}

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		level.Debug(p.logger).Log("msg", "cpu sample failed", "err", err)
		return m
	}
	m.CPUPercent = percents[0]

	if vm, err := mem.VirtualMemory(); err != nil {
		level.Debug(p.logger).Log("msg", "memory sample failed", "err", err)
	} else {
		m.MemPercent = vm.UsedPercent
	}

	m.IsIdle = p.updateIdle(m.CPUPercent)

	p.cache.Set(metricsCacheKey, m, metricsTTL)
	return m
}

// updateIdle tracks how long CPU has stayed below the threshold. Idle is
// only reported after the sustain window has elapsed.
func (p *Probe) updateIdle(cpuPct float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if cpuPct >= p.idleThresholdPct {
		p.haveIdleSince = false
		return false
	}
	if !p.haveIdleSince {
		p.idleSince = now
		p.haveIdleSince = true
	}
	return now.Sub(p.idleSince) >= p.idleSustain
}

// Power returns the host power source, cached with a longer TTL than load
// metrics. On read failure or on batteryless hosts the configured AC
// assumption applies.
func (p *Probe) Power() semantica.PowerState {
	if cached, ok := p.cache.Get(powerCacheKey); ok {
		return cached.(semantica.PowerState)
	}

	state := p.readPower()
	p.cache.Set(powerCacheKey, state, powerTTL)
	return state
}

// IsChargingOrHighBattery implements the require_charging gate.
func (p *Probe) IsChargingOrHighBattery() bool {
	power := p.Power()
	if power.OnAC {
		return true
	}
	return power.BatteryPercent != nil && *power.BatteryPercent >= highBatteryPct
}

var _ semantica.SystemProbe = (*Probe)(nil)
