package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lonkamikaze/powerd/internal/config"
	"github.com/lonkamikaze/powerd/internal/exit"
	"github.com/lonkamikaze/powerd/internal/governor"
	"github.com/lonkamikaze/powerd/internal/topology"
)

func TestReportCodes(t *testing.T) {
	assert.Equal(t, int(exit.OK), report(&exit.Status{Code: exit.OK, Msg: "usage"}))
	assert.Equal(t, int(exit.Conflict),
		report(exit.Failf(exit.Conflict, nil, "a power daemon is already running under PID: 17")))
	assert.Equal(t, int(exit.Except), report(errors.New("surprise")))
}

func TestSysctlStatus(t *testing.T) {
	err := sysctlStatus(errors.New("kern.cp_times: io"))
	assert.Equal(t, exit.Sysctl, exit.CodeOf(err))
	assert.Contains(t, err.Error(), "(ESYSCTL) sysctl failed")
}

func TestShowSettings(t *testing.T) {
	policies := governor.DefaultPolicies()
	policies.Backfill()
	opts := &config.Options{
		Verbose:  true,
		Interval: 500 * time.Millisecond,
		Samples:  5,
		Policies: policies,
	}
	topo := &topology.Topology{NCPU: 4, Cores: []topology.Core{
		{ID: 0, Controller: 0, MinFreq: 800, MaxFreq: 2400},
		{ID: 1, Controller: 0},
		{ID: 2, Controller: 2, MinFreq: 800, MaxFreq: 2400},
		{ID: 3, Controller: 2},
	}}

	var out bytes.Buffer
	showSettings(&out, opts, topo)
	settings := out.String()

	assert.Contains(t, settings, "cp_time samples:       5")
	assert.Contains(t, settings, "polling interval:      500 ms")
	assert.Contains(t, settings, "load average over:     2000 ms")
	assert.Contains(t, settings, "0: [0, 1]")
	assert.Contains(t, settings, "2: [2, 3]")
	assert.Contains(t, settings, "0: [800 MHz, 2400 MHz]")
	assert.Contains(t, settings, "battery power target:  50% load")
	assert.Contains(t, settings, "online power target:   38% load")
}
