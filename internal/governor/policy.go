package governor

import (
	"github.com/go-logr/logr"

	"github.com/lonkamikaze/powerd/internal/load"
	"github.com/lonkamikaze/powerd/internal/sysctl"
	"github.com/lonkamikaze/powerd/internal/topology"
)

// ACLine enumerates the power source states reported by the kernel's
// AC line variable.
type ACLine int

const (
	ACBattery ACLine = iota
	ACOnline
	ACUnknown
)

var aclineStr = [...]string{"battery", "online", "unknown"}

func (l ACLine) String() string { return aclineStr[l] }

const aclineName = "hw.acpi.acline"

const (
	// AdaptiveTarget and HiAdaptiveTarget are the preset load
	// targets, 50% and 37.5% of the fixed point range.
	AdaptiveTarget   load.Ticks = 512
	HiAdaptiveTarget load.Ticks = 384

	// FreqUnset marks an operator bound that was never configured.
	FreqUnset topology.MHz = 1000001
)

// Policy is the operator configuration for one AC line state.
type Policy struct {
	// FreqMin and FreqMax bound the frequencies the governor may
	// set while this policy is active.
	FreqMin topology.MHz
	FreqMax topology.MHz

	// TargetLoad is the desired load in [0, 1024]; zero selects
	// fixed frequency mode.
	TargetLoad load.Ticks

	// TargetFreq is the fixed target, consulted only when
	// TargetLoad is zero.
	TargetFreq topology.MHz
}

// Policies holds one slot per AC line state, indexed by ACLine.
type Policies [3]Policy

// DefaultPolicies returns the configuration in effect before the
// operator sets anything: adaptive on battery, hiadaptive otherwise.
// The unknown slot carries the fallback bounds and is never unset.
func DefaultPolicies() Policies {
	return Policies{
		ACBattery: {FreqUnset, FreqUnset, AdaptiveTarget, 0},
		ACOnline:  {FreqUnset, FreqUnset, HiAdaptiveTarget, 0},
		ACUnknown: {topology.DefaultMinFreq, topology.DefaultMaxFreq, HiAdaptiveTarget, 0},
	}
}

// Backfill copies unset bounds from the unknown slot.
func (p *Policies) Backfill() {
	for i := range p {
		if p[i].FreqMin == FreqUnset {
			p[i].FreqMin = p[ACUnknown].FreqMin
		}
		if p[i].FreqMax == FreqUnset {
			p[i].FreqMax = p[ACUnknown].FreqMax
		}
	}
}

// ACLineReader reports the current power source.
type ACLineReader interface {
	State() ACLine
}

// NewACLineReader resolves the AC line variable. Absence is tolerated:
// it is logged once and the returned reader always reports ACUnknown.
func NewACLineReader(log logr.Logger) ACLineReader {
	m, err := sysctl.Resolve(aclineName)
	if err != nil {
		log.Info("cannot read " + aclineName)
		return absentACLine{}
	}
	return aclineSysctl{mib: m}
}

type aclineSysctl struct {
	mib sysctl.MIB
}

// State reads the AC line variable, mapping read failures and values
// outside the known states to ACUnknown.
func (a aclineSysctl) State() ACLine {
	v := sysctl.ReadOnce(uint32(ACUnknown), a.mib)
	if v > uint32(ACUnknown) {
		return ACUnknown
	}
	return ACLine(v)
}

type absentACLine struct{}

func (absentACLine) State() ACLine { return ACUnknown }
