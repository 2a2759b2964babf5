// Package governor decides and actuates per-core-group CPU clock
// frequencies from observed load and the current power source.
package governor

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/lonkamikaze/powerd/internal/load"
	"github.com/lonkamikaze/powerd/internal/topology"
	"github.com/lonkamikaze/powerd/pkg/util"
)

// Config carries the operator settings for a Governor.
type Config struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// Policies are the per AC line state settings, already
	// backfilled and validated.
	Policies Policies

	// Foreground enables one status line per controller per tick
	// on Out.
	Foreground bool
	Out        io.Writer
}

// Governor runs the sample, estimate, decide, actuate cycle. It is
// single threaded: all state mutation happens on the goroutine calling
// Run or Tick. Snapshot exposes an immutable copy for observers.
type Governor struct {
	topo        *topology.Topology
	ring        *load.Ring
	acline      ACLineReader
	cfg         Config
	log         logr.Logger
	controllers []int
	loads       []load.Ticks
	snapshot    atomic.Pointer[Snapshot]
}

// New assembles a Governor over a primed ring buffer.
func New(topo *topology.Topology, ring *load.Ring, acline ACLineReader,
	cfg Config, log logr.Logger,
) *Governor {
	return &Governor{
		topo:        topo,
		ring:        ring,
		acline:      acline,
		cfg:         cfg,
		log:         log,
		controllers: topo.ControllerIDs(),
		loads:       make([]load.Ticks, topo.NCPU),
	}
}

// Tick performs one governing cycle: sample the tick counters, compute
// the window loads, fold follower loads into their controllers, then
// set each controller's clock for the active policy.
func (g *Governor) Tick() error {
	if err := g.ring.Sample(); err != nil {
		return err
	}
	g.ring.Loads(g.loads)
	load.Coalesce(g.loads, g.controllers)

	line := g.acline.State()
	policy := g.cfg.Policies[line]

	var status []CoreStatus
	var failure error
	g.topo.Controllers(func(core *topology.Core) {
		if failure != nil {
			return
		}
		old, err := core.Freq.Get()
		if err != nil {
			failure = err
			return
		}

		coreLoad := g.loads[core.ID]
		var want topology.MHz
		if policy.TargetLoad > 0 {
			// adaptive mode: scale the clock so the group
			// would run at the target load
			want = topology.MHz(uint64(old) * coreLoad / policy.TargetLoad)
		} else {
			want = policy.TargetFreq
		}

		lo := max(core.MinFreq, policy.FreqMin)
		hi := min(core.MaxFreq, policy.FreqMax)
		next := util.Clamp(want, lo, hi)
		if next != old {
			if err := core.Freq.Set(next); err != nil {
				failure = err
				return
			}
		}
		status = append(status, CoreStatus{ID: core.ID, Freq: next, Load: coreLoad})

		if g.cfg.Foreground {
			fmt.Fprintf(g.cfg.Out,
				"power: %7s, load: %3d%%, cpu%d.freq: %4d MHz, wanted: %4d MHz\n",
				line, (coreLoad*100+512)/1024, core.ID, old, want)
		}
	})
	if failure != nil {
		return failure
	}

	g.snapshot.Store(&Snapshot{ACLine: line, Cores: status})
	return nil
}

// Run ticks at the configured cadence until ctx is cancelled. Sleeping
// targets absolute deadlines so the loop does not drift under load; a
// tick that overruns skips the next sleep. Cancellation is observed at
// the top of every iteration, an in-flight tick always completes.
func (g *Governor) Run(ctx context.Context) error {
	deadline := time.Now()
	for {
		deadline = deadline.Add(g.cfg.Interval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(deadline)):
		}
		if err := g.Tick(); err != nil {
			return err
		}
	}
}

// Snapshot is an immutable copy of the controller state, published
// after every completed tick.
type Snapshot struct {
	ACLine ACLine
	Cores  []CoreStatus
}

// CoreStatus describes one controller after a tick.
type CoreStatus struct {
	ID   int
	Freq topology.MHz
	Load load.Ticks
}

// Snapshot returns the state published by the latest tick, nil before
// the first one. Safe to call from other goroutines.
func (g *Governor) Snapshot() *Snapshot {
	return g.snapshot.Load()
}
