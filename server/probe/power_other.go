//go:build !linux && !darwin

package probe

import (
	"github.com/josongmin/semantica-task-engine/server/semantica"
)

func (p *Probe) readPower() semantica.PowerState {
	return semantica.PowerState{OnAC: p.assumeOnAC}
}
