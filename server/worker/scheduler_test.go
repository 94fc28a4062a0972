package worker

import (
	"testing"

	"github.com/josongmin/semantica-task-engine/server/semantica"
	"github.com/stretchr/testify/assert"
)

type fakeProbe struct {
	idle     bool
	charging bool
	cpuPct   float64
}

func (f *fakeProbe) Metrics() semantica.SystemMetrics {
	return semantica.SystemMetrics{CPUPercent: f.cpuPct, IsIdle: f.idle}
}

func (f *fakeProbe) Power() semantica.PowerState {
	return semantica.PowerState{OnAC: f.charging}
}

func (f *fakeProbe) IsChargingOrHighBattery() bool { return f.charging }

func ptr[T any](v T) *T { return &v }

func TestEvaluateReadiness(t *testing.T) {
	probe := &fakeProbe{idle: true, charging: true}
	now := int64(1_000_000)

	cases := []struct {
		name  string
		job   semantica.Job
		probe *fakeProbe
		want  Decision
	}{
		{"no conditions", semantica.Job{CreatedAt: now - 100}, probe, DecisionReady},
		{"deadline passed", semantica.Job{CreatedAt: now - 100, Deadline: ptr(now - 1)}, probe, DecisionSkipDeadline},
		{"deadline ahead", semantica.Job{CreatedAt: now - 100, Deadline: ptr(now + 1)}, probe, DecisionReady},
		{"ttl expired", semantica.Job{CreatedAt: now - 5_000, TTLMs: ptr(int64(4_000))}, probe, DecisionSkipTTL},
		{"ttl alive", semantica.Job{CreatedAt: now - 3_000, TTLMs: ptr(int64(4_000))}, probe, DecisionReady},
		{"schedule_at future", semantica.Job{CreatedAt: now - 100, ScheduleAt: ptr(now + 1)}, probe, DecisionRevert},
		{"schedule_at due", semantica.Job{CreatedAt: now - 100, ScheduleAt: ptr(now)}, probe, DecisionReady},
		{"idle wanted, busy host", semantica.Job{CreatedAt: now - 100, WaitForIdle: true}, &fakeProbe{idle: false, charging: true}, DecisionRevert},
		{"idle wanted, idle host", semantica.Job{CreatedAt: now - 100, WaitForIdle: true}, probe, DecisionReady},
		{"charging wanted, on battery", semantica.Job{CreatedAt: now - 100, RequireCharging: true}, &fakeProbe{idle: true}, DecisionRevert},
		{"charging wanted, plugged in", semantica.Job{CreatedAt: now - 100, RequireCharging: true}, probe, DecisionReady},
		{"event gate always defers", semantica.Job{CreatedAt: now - 100, WaitForEvent: ptr("repo-synced")}, probe, DecisionRevert},
		// Deadline wins over deferrable conditions: the job terminates
		// instead of waiting forever.
		{"deadline beats event gate", semantica.Job{CreatedAt: now - 100, Deadline: ptr(now - 1), WaitForEvent: ptr("x")}, probe, DecisionSkipDeadline},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, EvaluateReadiness(&c.job, now, c.probe))
		})
	}
}
