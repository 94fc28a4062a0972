//go:build darwin

package probe

import (
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

var batteryPctRegexp = regexp.MustCompile(`(\d+)%`)

// readPower shells out to pmset, the same source the menubar uses.
func (p *Probe) readPower() semantica.PowerState {
	out, err := exec.Command("/usr/bin/pmset", "-g", "batt").Output()
	if err != nil {
		level.Debug(p.logger).Log("msg", "pmset failed", "err", err)
		return semantica.PowerState{OnAC: p.assumeOnAC}
	}

	text := string(out)
	state := semantica.PowerState{
		OnAC: strings.Contains(text, "AC Power"),
	}
	if m := batteryPctRegexp.FindStringSubmatch(text); m != nil {
		if pct, err := strconv.ParseInt(m[1], 10, 32); err == nil {
			v := int32(pct)
			state.BatteryPercent = &v
		}
	}
	if state.BatteryPercent == nil && !state.OnAC {
		// No battery info at all, trust the configured fallback.
		state.OnAC = p.assumeOnAC
	}
	return state
}
