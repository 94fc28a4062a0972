package semantica

// SystemMetrics is a point-in-time snapshot of host load.
type SystemMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	// IsIdle is true iff the smoothed CPU estimate stayed below the idle
	// threshold for the sustain window.
	IsIdle bool `json:"is_idle"`
}

// PowerState describes the host power source.
type PowerState struct {
	OnAC           bool   `json:"on_ac"`
	BatteryPercent *int32 `json:"battery_percent,omitempty"`
}

// SystemProbe samples host CPU, memory and power state. Implementations
// cache aggressively (≈1s) because the worker loop queries on every
// iteration. Probe failures degrade open: IsIdle=false, OnAC=true.
type SystemProbe interface {
	Metrics() SystemMetrics
	Power() PowerState
	// IsChargingOrHighBattery is OnAC || battery >= 80.
	IsChargingOrHighBattery() bool
}
