package xbroker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports broker events as Prometheus metrics.
type PrometheusObserver struct {
	published     *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	publishTime   *prometheus.HistogramVec
	ingested      *prometheus.CounterVec
	decodeFailed  *prometheus.CounterVec
	replies       *prometheus.CounterVec
	replyLatency  prometheus.Histogram
	errors        prometheus.Counter
}

// NewPrometheusObserver creates the collectors. Call Register before use.
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "xbroker"
	}
	return &PrometheusObserver{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "messages_total",
			Help:      "Envelopes published by topic",
		}, []string{"topic"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Failed publishes by topic",
		}, []string{"topic"}),
		publishTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "duration_seconds",
			Help:      "Publish latency by topic",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Envelopes received by topic and type",
		}, []string{"topic", "type"}),
		decodeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "decode_failures_total",
			Help:      "Inbound messages dropped as malformed",
		}, []string{"topic"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "outcomes_total",
			Help:      "Request/reply outcomes (matched, timeout)",
		}, []string{"outcome"}),
		replyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "wait_seconds",
			Help:      "Time between publish and matched reply",
			Buckets:   prometheus.DefBuckets,
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Ingestion and ack errors",
		}),
	}
}

// Register adds all collectors to reg. Already-registered collectors are tolerated.
func (p *PrometheusObserver) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		p.published, p.publishErrors, p.publishTime,
		p.ingested, p.decodeFailed,
		p.replies, p.replyLatency, p.errors,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (p *PrometheusObserver) OnEvent(e Event) {
	switch e.Type {
	case PublishDone:
		p.published.WithLabelValues(e.Topic).Inc()
		p.publishTime.WithLabelValues(e.Topic).Observe(e.Duration.Seconds())
		if e.Err != nil {
			p.publishErrors.WithLabelValues(e.Topic).Inc()
		}
	case Ingest:
		p.ingested.WithLabelValues(e.Topic, e.MessageType).Inc()
	case DecodeFailed:
		p.decodeFailed.WithLabelValues(e.Topic).Inc()
	case ReplyMatched:
		p.replies.WithLabelValues("matched").Inc()
		p.replyLatency.Observe(e.Duration.Seconds())
	case ReplyTimeout:
		p.replies.WithLabelValues("timeout").Inc()
	case Error:
		p.errors.Inc()
	}
}
