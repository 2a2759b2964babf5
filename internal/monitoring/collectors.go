// Package monitoring exposes the governor's state as prometheus
// metrics. Collection reads the snapshot published after each tick and
// never touches the kernel itself.
package monitoring

import (
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lonkamikaze/powerd/internal/governor"
	"github.com/lonkamikaze/powerd/internal/load"
)

const promNamespace string = "powerd"

// StatusSource delivers the latest per-tick state, nil before the
// first tick.
type StatusSource interface {
	Snapshot() *governor.Snapshot
}

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

// NewGovernorCollector builds a Collector over the governor's tick
// snapshots: per-controller clock frequency and load plus the AC line
// state.
func NewGovernorCollector(src StatusSource, log logr.Logger) prom.Collector {
	freqDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, "cpu", "frequency_mhz"),
		"Clock frequency of the controlling core",
		[]string{"cpu"},
		nil,
	)
	loadDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, "cpu", "load_ratio"),
		"Group load of the controlling core over the sampling window",
		[]string{"cpu"},
		nil,
	)
	aclineDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, "", "ac_line_state"),
		"Power source: 0 battery, 1 online, 2 unknown",
		nil,
		nil,
	)

	log.V(4).Info("New governor prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- freqDesc
			ch <- loadDesc
			ch <- aclineDesc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			snap := src.Snapshot()
			if snap == nil {
				log.V(5).Info("no tick completed yet, nothing to collect")
				return
			}
			ch <- prom.MustNewConstMetric(
				aclineDesc, prom.GaugeValue, float64(snap.ACLine))
			for _, core := range snap.Cores {
				cpu := strconv.Itoa(core.ID)
				ch <- prom.MustNewConstMetric(
					freqDesc, prom.GaugeValue, float64(core.Freq), cpu)
				ch <- prom.MustNewConstMetric(
					loadDesc, prom.GaugeValue,
					float64(core.Load)/float64(load.LoadMax), cpu)
			}
		},
	}
}

// Handler registers the given collectors on a fresh registry and
// returns the scrape handler.
func Handler(collectors ...prom.Collector) (http.Handler, error) {
	registry := prom.NewRegistry()
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
