package metrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports the metrics stream as counters and histograms.
type Prometheus struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	PacketsDropped  prometheus.Counter
	HopCount        prometheus.Histogram
	WaitCycles      prometheus.Histogram
	RouterUsage     *prometheus.CounterVec
}

// NewPrometheus registers the simulator's metrics with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)

	return &Prometheus{
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "routesim_packets_sent_total",
			Help: "Total number of data packets sent by hosts.",
		}),
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "routesim_packets_received_total",
			Help: "Total number of data packets delivered to their destination host.",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "routesim_packets_dropped_total",
			Help: "Total number of packets dropped anywhere in the network.",
		}),
		HopCount: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "routesim_hop_count",
			Help:    "Number of links crossed by delivered packets.",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		WaitCycles: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "routesim_wait_cycles",
			Help:    "Ticks delivered packets spent queued in router buffers.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RouterUsage: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routesim_router_forwarded_total",
			Help: "Data packets forwarded, per router.",
		}, []string{"router"}),
	}
}

func (p *Prometheus) RecordPacketSent() {
	p.PacketsSent.Inc()
}

func (p *Prometheus) RecordPacketReceived([]netip.Addr) {
	p.PacketsReceived.Inc()
}

func (p *Prometheus) RecordPacketDropped() {
	p.PacketsDropped.Inc()
}

func (p *Prometheus) RecordHopCount(n int) {
	p.HopCount.Observe(float64(n))
}

func (p *Prometheus) RecordWaitCycle(n int) {
	p.WaitCycles.Observe(float64(n))
}

func (p *Prometheus) RecordRouterUsage(router netip.Addr) {
	p.RouterUsage.WithLabelValues(router.String()).Inc()
}
