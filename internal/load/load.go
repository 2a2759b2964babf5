// Package load estimates per-core CPU load from the kernel's tick
// accounting.
//
// A Ring keeps the last few kern.cp_times snapshots; the load of a core
// is the non-idle share of the tick delta between the oldest and the
// newest snapshot, as a fixed point fraction with denominator 1024.
package load

import (
	"encoding/binary"
	"fmt"

	"github.com/lonkamikaze/powerd/internal/sysctl"
)

const (
	// CPUStates is the number of per-CPU accounting buckets in
	// kern.cp_times: user, nice, system, interrupt, idle.
	CPUStates = 5

	// StateIdle indexes the idle bucket.
	StateIdle = 4

	// LoadMax is the fixed point representation of full load.
	LoadMax = 1024
)

// Ticks is the kernel's tick counter width. All counter arithmetic
// stays in this width so wraparound cancels out in the differences.
type Ticks = uint64

const cpTimesName = "kern.cp_times"

// SampleFunc fills dst with one atomic snapshot of every core's tick
// counters, ncpu*CPUStates values in core-major order.
type SampleFunc func(dst []Ticks) error

// Ring is a fixed size circular store of tick counter snapshots, laid
// out as a flat array with stride arithmetic.
type Ring struct {
	samples int
	ncpu    int
	head    int
	buf     []Ticks
	sample  SampleFunc
}

// NewRing allocates a ring of samples snapshots for ncpu cores. The
// estimator needs at least two snapshots to form a window.
func NewRing(samples, ncpu int, sample SampleFunc) *Ring {
	return &Ring{
		samples: samples,
		ncpu:    ncpu,
		buf:     make([]Ticks, samples*ncpu*CPUStates),
		sample:  sample,
	}
}

// Sample overwrites the oldest snapshot with a fresh one and advances
// the ring, making the just written slot the newest.
func (r *Ring) Sample() error {
	stride := r.ncpu * CPUStates
	if err := r.sample(r.buf[r.head*stride : (r.head+1)*stride]); err != nil {
		return err
	}
	r.head = (r.head + 1) % r.samples
	return nil
}

// Prime takes samples-1 back-to-back snapshots so the first real tick
// sees a full window of history. The first adaptive decision is thus
// based on a very short window.
func (r *Ring) Prime() error {
	for i := 1; i < r.samples; i++ {
		if err := r.Sample(); err != nil {
			return err
		}
	}
	return nil
}

// Loads computes each core's load over the current window into dst, a
// fixed point value in [0, LoadMax]. A window without any ticks counts
// as idle.
func (r *Ring) Loads(dst []Ticks) {
	newest := (r.head - 1 + r.samples) % r.samples
	oldest := r.head
	for core := 0; core < r.ncpu; core++ {
		n := r.buf[(newest*r.ncpu+core)*CPUStates:][:CPUStates]
		o := r.buf[(oldest*r.ncpu+core)*CPUStates:][:CPUStates]
		var all Ticks
		for s := 0; s < CPUStates; s++ {
			all += n[s] - o[s]
		}
		if all == 0 {
			dst[core] = 0
			continue
		}
		idle := n[StateIdle] - o[StateIdle]
		dst[core] = ((all - idle) << 10) / all
	}
}

// Coalesce folds every follower core's load into its controller, which
// then clocks for the worst case in its group. controller maps core ID
// to controlling core ID.
func Coalesce(loads []Ticks, controller []int) {
	for core, ctl := range controller {
		if ctl == core {
			continue
		}
		if loads[core] > loads[ctl] {
			loads[ctl] = loads[core]
		}
	}
}

// NewTimesReader resolves kern.cp_times and returns a SampleFunc
// reading it in a single kernel round trip. The kernel sizes the value
// by its own core count, which may exceed ncpu; the snapshot buffer is
// sized once and the leading ncpu cores are delivered.
func NewTimesReader(ncpu int) (SampleFunc, error) {
	m, err := sysctl.Resolve(cpTimesName)
	if err != nil {
		return nil, err
	}
	size, err := m.Size()
	if err != nil {
		return nil, err
	}
	want := ncpu * CPUStates * 8
	if size < want {
		return nil, fmt.Errorf("%s: %d bytes for %d cores: %w",
			cpTimesName, size, ncpu, sysctl.ErrTruncated)
	}
	raw := make([]byte, size)
	return func(dst []Ticks) error {
		n, err := m.Read(raw)
		if err != nil {
			return err
		}
		if n < want {
			return fmt.Errorf("%s: %w", cpTimesName, sysctl.ErrTruncated)
		}
		for i := range dst {
			dst[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		return nil
	}, nil
}
