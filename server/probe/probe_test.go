package probe

import (
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/josongmin/semantica-task-engine/server/semantica"
	"github.com/stretchr/testify/assert"
)

func TestUpdateIdleRequiresSustainedQuiet(t *testing.T) {
	mock := clock.NewMockClock()
	p := New(log.NewNopLogger(), 30, true,
		WithClock(mock), WithIdleSustain(time.Second))

	// First quiet sample starts the window but is not yet idle.
	assert.False(t, p.updateIdle(5))

	mock.AddTime(500 * time.Millisecond)
	assert.False(t, p.updateIdle(10))

	mock.AddTime(600 * time.Millisecond)
	assert.True(t, p.updateIdle(12))

	// Any busy sample resets the window.
	assert.False(t, p.updateIdle(95))
	mock.AddTime(2 * time.Second)
	assert.False(t, p.updateIdle(5))
	mock.AddTime(time.Second)
	assert.True(t, p.updateIdle(5))
}

func TestUpdateIdleThresholdBoundary(t *testing.T) {
	mock := clock.NewMockClock()
	p := New(log.NewNopLogger(), 30, true,
		WithClock(mock), WithIdleSustain(time.Second))

	// Exactly at the threshold counts as busy.
	assert.False(t, p.updateIdle(30))
	assert.False(t, p.haveIdleSince)
}

func TestIsChargingOrHighBattery(t *testing.T) {
	p := New(log.NewNopLogger(), 30, true)

	pct := func(v int32) *int32 { return &v }
	cases := []struct {
		name  string
		onAC  bool
		batt  *int32
		wants bool
	}{
		{"on ac", true, nil, true},
		{"high battery", false, pct(85), true},
		{"boundary battery", false, pct(80), true},
		{"low battery", false, pct(40), false},
		{"no battery info", false, nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p.cache.Set(powerCacheKey, semantica.PowerState{OnAC: c.onAC, BatteryPercent: c.batt}, time.Minute)
			assert.Equal(t, c.wants, p.IsChargingOrHighBattery())
		})
	}
}
