//go:build linux

package probe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

const powerSupplyRoot = "/sys/class/power_supply"

// readPower scans the kernel power_supply class. Mains adapters report
// online state, batteries report capacity. Hosts exposing neither (servers,
// VMs) fall back to the configured AC assumption.
func (p *Probe) readPower() semantica.PowerState {
	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		level.Debug(p.logger).Log("msg", "power supply scan failed", "err", err)
		return semantica.PowerState{OnAC: p.assumeOnAC}
	}

	state := semantica.PowerState{}
	sawSupply := false
	for _, entry := range entries {
		dir := filepath.Join(powerSupplyRoot, entry.Name())
		kind, err := readSysfsValue(filepath.Join(dir, "type"))
		if err != nil {
			continue
		}

		switch kind {
		case "Mains", "USB":
			sawSupply = true
			if online, err := readSysfsValue(filepath.Join(dir, "online")); err == nil && online == "1" {
				state.OnAC = true
			}
		case "Battery":
			sawSupply = true
			if capacity, err := readSysfsValue(filepath.Join(dir, "capacity")); err == nil {
				if pct, err := strconv.ParseInt(capacity, 10, 32); err == nil {
					v := int32(pct)
					state.BatteryPercent = &v
				}
			}
		}
	}

	if !sawSupply {
		state.OnAC = p.assumeOnAC
	}
	return state
}

func readSysfsValue(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
