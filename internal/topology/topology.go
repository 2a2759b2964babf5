// Package topology enumerates the machine's logical CPUs and groups
// them by clock control.
//
// The kernel exposes one frequency variable per clock domain, attached
// to the first core of the domain. That core is the group's controller;
// the cores after it up to the next controller follow its clock.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/lonkamikaze/powerd/internal/sysctl"
)

// MHz is the kernel's representation of core clock frequencies.
type MHz int32

const (
	// DefaultMinFreq and DefaultMaxFreq are the hardware bounds
	// assumed when the advertised level list is unavailable.
	DefaultMinFreq MHz = 0
	DefaultMaxFreq MHz = 1000000
)

// MIB name templates of the kernel's power management tree.
const (
	ncpuName       = "hw.ncpu"
	freqName       = "dev.cpu.%d.freq"
	freqLevelsName = "dev.cpu.%d.freq_levels"
)

// hw.ncpu has a fixed address, from <sys/sysctl.h>.
const (
	ctlHW  int32 = 6
	hwNCPU int32 = 3
)

// ErrNoFreqDriver is returned when not even the first core exposes a
// frequency variable; the daemon has nothing to govern.
var ErrNoFreqDriver = errors.New("at least the first CPU core must support frequency updates")

// FreqHandle is a live view of one core's clock frequency variable.
type FreqHandle interface {
	Get() (MHz, error)
	Set(MHz) error
}

// Core holds the management information for a single logical CPU.
type Core struct {
	ID int

	// Controller is the ID of the core whose frequency variable
	// drives this core's clock; equals ID iff this is a controller.
	Controller int

	// Freq is set on controllers only.
	Freq FreqHandle

	// MinFreq and MaxFreq are the advertised hardware clock bounds,
	// meaningful on controllers only.
	MinFreq MHz
	MaxFreq MHz
}

// Topology is the immutable result of core discovery.
type Topology struct {
	NCPU  int
	Cores []Core
}

// Func definitions for unit testing
var (
	readNCPUFunc   = readNCPU
	freqHandleFunc = freqHandle
	freqLevelsFunc = freqLevels
)

func readNCPU() int {
	return int(sysctl.ReadOnce[int32](1, sysctl.Address(ncpuName, ctlHW, hwNCPU)))
}

func freqHandle(core int) (FreqHandle, error) {
	return sysctl.SyncByName[MHz](fmt.Sprintf(freqName, core))
}

func freqLevels(core int) (string, error) {
	m, err := sysctl.Resolve(fmt.Sprintf(freqLevelsName, core))
	if err != nil {
		return "", err
	}
	return m.ReadString()
}

// Discover enumerates all cores, assigns each to its clock controller
// and reads per-controller hardware bounds from the advertised level
// list. Cores without their own frequency variable follow the last
// controller seen; the first core must be a controller.
func Discover(log logr.Logger) (*Topology, error) {
	ncpu := readNCPUFunc()
	topo := &Topology{NCPU: ncpu, Cores: make([]Core, ncpu)}

	controller := -1
	for i := 0; i < ncpu; i++ {
		core := &topo.Cores[i]
		core.ID = i
		core.MinFreq, core.MaxFreq = DefaultMinFreq, DefaultMaxFreq

		handle, err := freqHandleFunc(i)
		switch {
		case err == nil:
			core.Freq = handle
			controller = i
		case errors.Is(err, sysctl.ErrNotFound):
			log.V(4).Info("cannot access frequency sysctl", "cpu", i)
			if controller < 0 {
				return nil, ErrNoFreqDriver
			}
		default:
			return nil, err
		}
		core.Controller = controller
	}

	for i := range topo.Cores {
		core := &topo.Cores[i]
		if core.Controller != i {
			continue
		}
		levels, err := freqLevelsFunc(i)
		if err != nil {
			log.V(4).Info("cannot access frequency levels sysctl", "cpu", i)
			continue
		}
		if lo, hi, ok := parseLevels(levels); ok {
			core.MinFreq, core.MaxFreq = lo, hi
		}
	}

	log.V(4).Info("discovered topology", "ncpu", ncpu)
	return topo, nil
}

// Controllers calls fn for every clock controlling core.
func (t *Topology) Controllers(fn func(*Core)) {
	for i := range t.Cores {
		if t.Cores[i].Controller == t.Cores[i].ID {
			fn(&t.Cores[i])
		}
	}
}

// ControllerIDs returns each core's controller ID, indexed by core ID.
func (t *Topology) ControllerIDs() []int {
	ids := make([]int, len(t.Cores))
	for i := range t.Cores {
		ids[i] = t.Cores[i].Controller
	}
	return ids
}

// parseLevels extracts the hardware clock bounds from a freq_levels
// string, a space separated list of freq/power pairs. The second value
// of each pair is only parsed for the delimiter.
func parseLevels(levels string) (lo, hi MHz, ok bool) {
	lo, hi = DefaultMaxFreq, DefaultMinFreq
	for _, pair := range strings.Fields(levels) {
		freqStr, _, found := strings.Cut(pair, "/")
		if !found {
			break
		}
		freq, err := strconv.Atoi(freqStr)
		if err != nil {
			break
		}
		lo = min(lo, MHz(freq))
		hi = max(hi, MHz(freq))
		ok = true
	}
	if !ok {
		return DefaultMinFreq, DefaultMaxFreq, false
	}
	return lo, hi, true
}
