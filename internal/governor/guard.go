package governor

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/lonkamikaze/powerd/internal/topology"
)

// FreqGuard brackets the main loop. Construction proves that every
// controller's frequency variable is writable, so the daemon never
// detaches without being able to actuate. Release sets every
// controller to its hardware maximum, the safe state to leave the
// machine in until another governor takes over.
type FreqGuard struct {
	topo *topology.Topology
	log  logr.Logger
}

// NewFreqGuard reads and immediately writes back every controller's
// current frequency. The first failure is returned; callers map
// sysctl.ErrDenied to a privilege diagnostic.
func NewFreqGuard(topo *topology.Topology, log logr.Logger) (*FreqGuard, error) {
	var failure error
	topo.Controllers(func(core *topology.Core) {
		if failure != nil {
			return
		}
		freq, err := core.Freq.Get()
		if err == nil {
			err = core.Freq.Set(freq)
		}
		if err != nil {
			failure = fmt.Errorf("cpu%d: %w", core.ID, err)
		}
	})
	if failure != nil {
		return nil, failure
	}
	log.V(4).Info("frequency write access verified")
	return &FreqGuard{topo: topo, log: log}, nil
}

// Release restores the hardware maximum on every controller. Errors
// are swallowed; the process is exiting and the caller already decided.
func (g *FreqGuard) Release() {
	g.topo.Controllers(func(core *topology.Core) {
		if err := core.Freq.Set(core.MaxFreq); err != nil {
			g.log.V(5).Info("cannot restore maximum frequency",
				"cpu", core.ID, "err", err.Error())
		}
	})
}
