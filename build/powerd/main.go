/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lonkamikaze/powerd/internal/config"
	"github.com/lonkamikaze/powerd/internal/daemonize"
	"github.com/lonkamikaze/powerd/internal/exit"
	"github.com/lonkamikaze/powerd/internal/governor"
	"github.com/lonkamikaze/powerd/internal/load"
	"github.com/lonkamikaze/powerd/internal/monitoring"
	"github.com/lonkamikaze/powerd/internal/pidfile"
	"github.com/lonkamikaze/powerd/internal/sysctl"
	"github.com/lonkamikaze/powerd/internal/topology"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := config.Parse(args)
	if err != nil {
		return report(err)
	}
	log := newLogger(opts.Verbose)

	// Detaching re-executes the binary; everything below runs only
	// in the foreground process or the detached child.
	if !opts.Foreground && !daemonize.Detached() {
		if err := daemonize.Respawn(); err != nil {
			return report(exit.Failf(exit.Daemon, err, "detaching the process failed"))
		}
		return int(exit.OK)
	}
	if daemonize.Detached() {
		daemonize.Finish()
	}

	topo, err := topology.Discover(log)
	if err != nil {
		if errors.Is(err, topology.ErrNoFreqDriver) {
			return report(exit.Failf(exit.NoFreq, err, "%v", err))
		}
		return report(sysctlStatus(err))
	}
	if opts.Verbose {
		showSettings(os.Stderr, opts, topo)
	}

	sample, err := load.NewTimesReader(topo.NCPU)
	if err != nil {
		return report(sysctlStatus(err))
	}
	ring := load.NewRing(opts.Samples, topo.NCPU, sample)
	if err := ring.Prime(); err != nil {
		return report(sysctlStatus(err))
	}

	pf, err := pidfile.Open(opts.PIDFile)
	if err != nil {
		var conflict *pidfile.ConflictError
		if errors.As(err, &conflict) {
			return report(exit.Failf(exit.Conflict, err,
				"a power daemon is already running under PID: %d", conflict.PID))
		}
		return report(exit.Failf(exit.PIDFile, err, "cannot create pidfile %s", opts.PIDFile))
	}
	defer pf.Close()

	// try to set frequencies once, before committing to run
	guard, err := governor.NewFreqGuard(topo, log)
	if err != nil {
		if errors.Is(err, sysctl.ErrDenied) {
			return report(exit.Failf(exit.Forbidden, err,
				"insufficient privileges to change core frequency"))
		}
		return report(sysctlStatus(err))
	}
	defer guard.Release()

	// SIGHUP terminates in foreground and is ignored when detached,
	// so a terminal hangup cannot kill the daemon.
	sigs := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	if opts.Foreground {
		sigs = append(sigs, syscall.SIGHUP)
	} else {
		signal.Ignore(syscall.SIGHUP)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var lastSignal atomic.Int32
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	go func() {
		if sig, ok := (<-sigCh).(syscall.Signal); ok {
			lastSignal.Store(int32(sig))
		}
		cancel()
	}()

	if err := pf.Write(); err != nil {
		return report(exit.Failf(exit.PIDFile, err, "cannot write to pidfile: %s", opts.PIDFile))
	}

	gov := governor.New(topo, ring, governor.NewACLineReader(log), governor.Config{
		Interval:   opts.Interval,
		Policies:   opts.Policies,
		Foreground: opts.Foreground,
		Out:        os.Stdout,
	}, log)

	if opts.MetricsAddr != "" {
		handler, err := monitoring.Handler(monitoring.NewGovernorCollector(gov, log))
		if err != nil {
			return report(exit.Failf(exit.Except, err, "cannot register metrics: %v", err))
		}
		server := &http.Server{Addr: opts.MetricsAddr, Handler: handler}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "metrics server failed")
			}
		}()
		defer server.Close()
	}

	if err := gov.Run(ctx); err != nil {
		return report(sysctlStatus(err))
	}
	log.V(4).Info("signal received, exiting ...", "signal", lastSignal.Load())
	return int(exit.OK)
}

// sysctlStatus wraps a kernel failure, at startup or in steady state,
// into a fatal ESYSCTL status.
func sysctlStatus(err error) error {
	return exit.Failf(exit.Sysctl, err, "sysctl failed: %v", err)
}

// report prints a diagnostic for the top level and yields the process
// exit code. Help output travels as a Status with code OK.
func report(err error) int {
	var status *exit.Status
	if errors.As(err, &status) {
		if status.Code == exit.OK {
			if status.Msg != "" {
				fmt.Fprintln(os.Stderr, status.Msg)
			}
		} else {
			fmt.Fprintln(os.Stderr, status.Error())
		}
		return int(status.Code)
	}
	fmt.Fprintf(os.Stderr, "powerd: untreated failure: %v\n", err)
	return int(exit.Except)
}

func newLogger(verbose bool) logr.Logger {
	level := zapcore.ErrorLevel
	if verbose {
		// expose V(5) per-tick detail
		level = zapcore.Level(-5)
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zapr.NewLogger(zap.New(core))
}

func yesno(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// showSettings dumps the effective configuration on w in verbose mode.
func showSettings(w io.Writer, opts *config.Options, topo *topology.Topology) {
	fmt.Fprintf(w, "Terminal Output\n")
	fmt.Fprintf(w, "\tverbose:               yes\n")
	fmt.Fprintf(w, "\tforeground:            %s\n", yesno(opts.Foreground))
	fmt.Fprintf(w, "Load Sampling\n")
	fmt.Fprintf(w, "\tcp_time samples:       %d\n", opts.Samples)
	fmt.Fprintf(w, "\tpolling interval:      %d ms\n", opts.Interval.Milliseconds())
	fmt.Fprintf(w, "\tload average over:     %d ms\n",
		int64(opts.Samples-1)*opts.Interval.Milliseconds())
	fmt.Fprintf(w, "Frequency Limits\n")
	for line := governor.ACBattery; line <= governor.ACUnknown; line++ {
		fmt.Fprintf(w, "\t%-23s[%d MHz, %d MHz]\n", line.String()+":",
			opts.Policies[line].FreqMin, opts.Policies[line].FreqMax)
	}
	fmt.Fprintf(w, "CPU Cores\n")
	fmt.Fprintf(w, "\tCPU cores:             %d\n", topo.NCPU)
	fmt.Fprintf(w, "Core Groups\n")
	for first := 0; first < topo.NCPU; {
		last := first
		for last+1 < topo.NCPU && topo.Cores[last+1].Controller == first {
			last++
		}
		fmt.Fprintf(w, "\t%d: [%d, %d]\n", first, first, last)
		first = last + 1
	}
	fmt.Fprintf(w, "Core Frequency Limits\n")
	topo.Controllers(func(core *topology.Core) {
		fmt.Fprintf(w, "\t%d: [%d MHz, %d MHz]\n", core.ID, core.MinFreq, core.MaxFreq)
	})
	fmt.Fprintf(w, "Load Targets\n")
	for line := governor.ACBattery; line <= governor.ACUnknown; line++ {
		policy := opts.Policies[line]
		if policy.TargetLoad > 0 {
			fmt.Fprintf(w, "\t%-23s%d%% load\n", line.String()+" power target:",
				(policy.TargetLoad*100+512)/1024)
		} else {
			fmt.Fprintf(w, "\t%-23s%d MHz\n", line.String()+" power target:",
				policy.TargetFreq)
		}
	}
}
