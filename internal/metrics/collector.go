package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/eventfeed/internal/connection"
	"github.com/rickgao/eventfeed/internal/pubsub"
)

const namespace = "eventfeed"

// Collector is a prometheus.Collector for every eventfeed component. It
// implements the observer interfaces of loader, pubsub and connection.
type Collector struct {
	batches       *prometheus.CounterVec
	batchKeys     *prometheus.HistogramVec
	batchDuration *prometheus.HistogramVec

	publications    *prometheus.CounterVec
	fanout          *prometheus.HistogramVec
	publishDuration *prometheus.HistogramVec
	overflows       *prometheus.CounterVec
	subscribers     *prometheus.GaugeVec

	connections prometheus.Gauge
	framesIn    *prometheus.CounterVec
	violations  *prometheus.CounterVec

	transitions    *prometheus.CounterVec
	reconnectDelay prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "batches_total",
				Help:      "The number of batch function calls.",
			}, []string{"kind", "result"},
		),
		batchKeys: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "batch_keys",
				Help:      "The number of keys per batch function call.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
			}, []string{"kind"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "batch_duration_seconds",
				Help:      "The time taken by one batch function call.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"},
		),
		publications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "publications_total",
				Help:      "The number of publications per topic.",
			}, []string{"topic"},
		),
		fanout: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "matched_subscribers",
				Help:      "The number of subscribers matched by one publication.",
				Buckets:   []float64{0, 1, 2, 5, 10, 50, 100, 500},
			}, []string{"topic"},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "publish_duration_seconds",
				Help:      "The time taken to filter and enqueue one publication.",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			}, []string{"topic"},
		),
		overflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "overflows_total",
				Help:      "The number of full subscriber queues, by overflow policy.",
			}, []string{"topic", "policy"},
		),
		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "subscribers",
				Help:      "The number of active subscribers per topic.",
			}, []string{"topic"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections",
				Help:      "The number of open subscription connections.",
			},
		),
		framesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "frames_received_total",
				Help:      "The number of inbound frames by type.",
			}, []string{"type"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "protocol_violations_total",
				Help:      "The number of error frames sent, by code.",
			}, []string{"code"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "status_transitions_total",
				Help:      "The number of connection state transitions.",
			}, []string{"from", "to"},
		),
		reconnectDelay: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "reconnect_delay_seconds",
				Help:      "The delay scheduled before each reconnect attempt.",
				Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors() {
		col.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors() {
		col.Collect(ch)
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.batches, c.batchKeys, c.batchDuration,
		c.publications, c.fanout, c.publishDuration, c.overflows, c.subscribers,
		c.connections, c.framesIn, c.violations,
		c.transitions, c.reconnectDelay,
	}
}

// ObserveBatch records one loader window.
func (c *Collector) ObserveBatch(kind string, keys int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.batches.WithLabelValues(kind, result).Inc()
	c.batchKeys.WithLabelValues(kind).Observe(float64(keys))
	c.batchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObservePublish records one router publication.
func (c *Collector) ObservePublish(topic string, matched int, elapsed time.Duration) {
	c.publications.WithLabelValues(topic).Inc()
	c.fanout.WithLabelValues(topic).Observe(float64(matched))
	c.publishDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

// ObserveOverflow records a full subscriber queue.
func (c *Collector) ObserveOverflow(topic string, policy pubsub.OverflowPolicy) {
	c.overflows.WithLabelValues(topic, string(policy)).Inc()
}

// ObserveSubscribers records the subscriber count of a topic.
func (c *Collector) ObserveSubscribers(topic string, count int) {
	c.subscribers.WithLabelValues(topic).Set(float64(count))
}

// ConnectionOpened counts a new subscription connection.
func (c *Collector) ConnectionOpened() { c.connections.Inc() }

// ConnectionClosed counts a closed subscription connection.
func (c *Collector) ConnectionClosed() { c.connections.Dec() }

// FrameReceived counts one inbound frame.
func (c *Collector) FrameReceived(frameType string) {
	c.framesIn.WithLabelValues(frameType).Inc()
}

// Violation counts one error frame sent to a peer.
func (c *Collector) Violation(code string) {
	c.violations.WithLabelValues(code).Inc()
}

// ObserveStatus records a client state transition.
func (c *Collector) ObserveStatus(from, to connection.Status) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveReconnect records a scheduled reconnect delay.
func (c *Collector) ObserveReconnect(_ int, delay time.Duration) {
	c.reconnectDelay.Observe(delay.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
