package governor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonkamikaze/powerd/internal/load"
	"github.com/lonkamikaze/powerd/internal/sysctl"
	"github.com/lonkamikaze/powerd/internal/topology"
)

type fakeFreq struct {
	freq   topology.MHz
	writes []topology.MHz
	getErr error
	setErr error
}

func (f *fakeFreq) Get() (topology.MHz, error) {
	if f.getErr != nil {
		return 0, f.getErr
	}
	return f.freq, nil
}

func (f *fakeFreq) Set(v topology.MHz) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.writes = append(f.writes, v)
	f.freq = v
	return nil
}

type aclineStub struct {
	line ACLine
}

func (a aclineStub) State() ACLine { return a.line }

// makeTopology builds a synthetic machine from a controller map:
// controllers[i] == i marks core i as a controller.
func makeTopology(controllers []int, handles map[int]*fakeFreq, lo, hi topology.MHz) *topology.Topology {
	topo := &topology.Topology{NCPU: len(controllers), Cores: make([]topology.Core, len(controllers))}
	for i := range topo.Cores {
		topo.Cores[i] = topology.Core{
			ID:         i,
			Controller: controllers[i],
			MinFreq:    lo,
			MaxFreq:    hi,
		}
		if h, ok := handles[i]; ok {
			topo.Cores[i].Freq = h
		}
	}
	return topo
}

// loadsSnapshot yields one tick counter snapshot whose deltas against
// all-zero history produce exactly the given per-core loads.
func loadsSnapshot(loads ...load.Ticks) []load.Ticks {
	snap := make([]load.Ticks, 0, len(loads)*load.CPUStates)
	for _, l := range loads {
		snap = append(snap, l, 0, 0, 0, load.LoadMax-l)
	}
	return snap
}

// ringWithLoads returns a primed ring whose next Sample yields the
// given per-core loads.
func ringWithLoads(t *testing.T, loads ...load.Ticks) *load.Ring {
	snapshots := [][]load.Ticks{
		make([]load.Ticks, len(loads)*load.CPUStates),
		loadsSnapshot(loads...),
	}
	next := 0
	r := load.NewRing(2, len(loads), func(dst []load.Ticks) error {
		copy(dst, snapshots[next])
		if next < len(snapshots)-1 {
			next++
		}
		return nil
	})
	require.NoError(t, r.Prime())
	return r
}

func onlinePolicies(targetLoad load.Ticks, lo, hi topology.MHz) Policies {
	p := DefaultPolicies()
	p[ACOnline] = Policy{FreqMin: lo, FreqMax: hi, TargetLoad: targetLoad}
	return p
}

func TestTickAdaptiveSteadyState(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1000}, 1: {freq: 1000}}
	topo := makeTopology([]int{0, 1}, handles, 500, 3000)
	ring := ringWithLoads(t, 512, 512)

	var out bytes.Buffer
	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval:   500 * time.Millisecond,
		Policies:   onlinePolicies(512, 500, 3000),
		Foreground: true,
		Out:        &out,
	}, logr.Discard())

	require.NoError(t, g.Tick())

	// load equals the target: the clock stays put, nothing is written
	assert.Empty(t, handles[0].writes)
	assert.Empty(t, handles[1].writes)
	assert.Contains(t, out.String(), "load:  50%")
}

func TestTickLoadSpikeDoublesClock(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1000}, 1: {freq: 1000}}
	topo := makeTopology([]int{0, 1}, handles, 500, 3000)
	ring := ringWithLoads(t, 1024, 512)

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 500 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	require.NoError(t, g.Tick())

	assert.Equal(t, []topology.MHz{2000}, handles[0].writes)
	assert.Empty(t, handles[1].writes)
}

func TestTickClampsToBounds(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 2500}}
	topo := makeTopology([]int{0}, handles, 500, 3000)
	ring := ringWithLoads(t, 1024)

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 500 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	require.NoError(t, g.Tick())

	// want = 2500 * 1024 / 512 = 5000, clamped to the group maximum
	assert.Equal(t, []topology.MHz{3000}, handles[0].writes)
}

func TestTickFollowerCoalescing(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1000}, 2: {freq: 1000}}
	topo := makeTopology([]int{0, 0, 2, 2}, handles, 500, 3000)
	ring := ringWithLoads(t, 100, 900, 100, 100)

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 500 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	require.NoError(t, g.Tick())

	// controller 0 decides with its follower's load of 900
	assert.Equal(t, []topology.MHz{topology.MHz(1000 * 900 / 512)}, handles[0].writes)
	// group {2,3} is quiet and drops to the lower bound
	assert.Equal(t, []topology.MHz{500}, handles[2].writes)
}

func TestTickFixedFrequencyMode(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 2000}}
	topo := makeTopology([]int{0}, handles, 500, 3000)
	ring := ringWithLoads(t, 1024)

	policies := DefaultPolicies()
	policies[ACBattery] = Policy{FreqMin: 500, FreqMax: 3000, TargetLoad: 0, TargetFreq: 800}

	g := New(topo, ring, aclineStub{ACBattery}, Config{
		Interval: 500 * time.Millisecond,
		Policies: policies,
	}, logr.Discard())

	require.NoError(t, g.Tick())

	// full load is irrelevant in fixed mode
	assert.Equal(t, []topology.MHz{800}, handles[0].writes)
}

func TestTickIdleWindowNoWrite(t *testing.T) {
	// identical counters yield zero load; a clock already at the
	// lower bound is left alone
	handles := map[int]*fakeFreq{0: {freq: 500}}
	topo := makeTopology([]int{0}, handles, 500, 3000)

	ring := load.NewRing(2, 1, func(dst []load.Ticks) error {
		copy(dst, []load.Ticks{100, 0, 0, 0, 100})
		return nil
	})
	require.NoError(t, ring.Prime())

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 500 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	require.NoError(t, g.Tick())
	assert.Empty(t, handles[0].writes)
}

func TestTickUnknownACLinePolicy(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1000}}
	topo := makeTopology([]int{0}, handles, 500, 3000)
	ring := ringWithLoads(t, 1024)

	policies := DefaultPolicies()
	policies[ACUnknown] = Policy{FreqMin: 500, FreqMax: 3000, TargetLoad: 0, TargetFreq: 1234}
	policies.Backfill()

	g := New(topo, ring, absentACLine{}, Config{
		Interval: 500 * time.Millisecond,
		Policies: policies,
	}, logr.Discard())

	require.NoError(t, g.Tick())
	assert.Equal(t, []topology.MHz{1234}, handles[0].writes)
}

func TestTickWriteFailureIsFatal(t *testing.T) {
	wantErr := errors.New("dev.cpu.0.freq: io")
	handles := map[int]*fakeFreq{0: {freq: 1000, setErr: wantErr}}
	topo := makeTopology([]int{0}, handles, 500, 3000)
	ring := ringWithLoads(t, 1024)

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 500 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	assert.ErrorIs(t, g.Tick(), wantErr)
}

func TestTickPublishesSnapshot(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1000}}
	topo := makeTopology([]int{0}, handles, 500, 3000)
	ring := ringWithLoads(t, 512)

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 500 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	assert.Nil(t, g.Snapshot())
	require.NoError(t, g.Tick())

	snap := g.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, ACOnline, snap.ACLine)
	require.Len(t, snap.Cores, 1)
	assert.Equal(t, load.Ticks(512), snap.Cores[0].Load)
	assert.Equal(t, topology.MHz(1000), snap.Cores[0].Freq)
}

func TestRunStopsOnCancellation(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1000}}
	topo := makeTopology([]int{0}, handles, 500, 3000)
	ring := ringWithLoads(t, 512)

	g := New(topo, ring, aclineStub{ACOnline}, Config{
		Interval: 10 * time.Millisecond,
		Policies: onlinePolicies(512, 500, 3000),
	}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- g.Run(ctx) }()

	// give the loop time to tick at least once
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.NotNil(t, g.Snapshot())
}

func TestNewFreqGuardProbesWrites(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1800}, 2: {freq: 2200}}
	topo := makeTopology([]int{0, 0, 2, 2}, handles, 500, 3000)

	guard, err := NewFreqGuard(topo, logr.Discard())
	require.NoError(t, err)
	require.NotNil(t, guard)

	// the probe writes back the value it read
	assert.Equal(t, []topology.MHz{1800}, handles[0].writes)
	assert.Equal(t, []topology.MHz{2200}, handles[2].writes)
}

func TestNewFreqGuardDenied(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 1800, setErr: sysctl.ErrDenied}}
	topo := makeTopology([]int{0}, handles, 500, 3000)

	_, err := NewFreqGuard(topo, logr.Discard())
	assert.ErrorIs(t, err, sysctl.ErrDenied)
}

func TestFreqGuardReleaseSetsMaximum(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 800}, 2: {freq: 900}}
	topo := makeTopology([]int{0, 0, 2, 2}, handles, 500, 3000)

	guard, err := NewFreqGuard(topo, logr.Discard())
	require.NoError(t, err)

	guard.Release()
	assert.Equal(t, topology.MHz(3000), handles[0].freq)
	assert.Equal(t, topology.MHz(3000), handles[2].freq)
}

func TestFreqGuardReleaseSwallowsErrors(t *testing.T) {
	handles := map[int]*fakeFreq{0: {freq: 800}, 2: {freq: 900}}
	topo := makeTopology([]int{0, 0, 2, 2}, handles, 500, 3000)

	guard, err := NewFreqGuard(topo, logr.Discard())
	require.NoError(t, err)

	handles[0].setErr = errors.New("io error")
	guard.Release()

	// the failing controller is skipped, the other one still reset
	assert.Equal(t, topology.MHz(3000), handles[2].freq)
}

func TestBackfillCopiesUnknownBounds(t *testing.T) {
	p := DefaultPolicies()
	p[ACUnknown].FreqMin = 600
	p[ACUnknown].FreqMax = 2800
	p.Backfill()

	assert.Equal(t, topology.MHz(600), p[ACBattery].FreqMin)
	assert.Equal(t, topology.MHz(2800), p[ACBattery].FreqMax)
	assert.Equal(t, topology.MHz(600), p[ACOnline].FreqMin)
	assert.Equal(t, topology.MHz(2800), p[ACOnline].FreqMax)
}

func TestBackfillKeepsConfiguredBounds(t *testing.T) {
	p := DefaultPolicies()
	p[ACBattery].FreqMax = 1500
	p.Backfill()

	assert.Equal(t, topology.MHz(1500), p[ACBattery].FreqMax)
	assert.Equal(t, topology.DefaultMinFreq, p[ACBattery].FreqMin)
}
