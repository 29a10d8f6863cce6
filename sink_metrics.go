package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func init() {
	register("metrics", newMetricsSink)
}

const metricsNamespace = "dnstap"

// statsCollector exposes the receiver counters at scrape time
type statsCollector struct {
	st *stats

	frames, records, decodeErrors, filtered, queueFull *prometheus.Desc
	accessDenied, protocolErrors, sessionsTotal        *prometheus.Desc
	sessionsActive                                     *prometheus.Desc
	sinkDelivered, sinkDropped, sinkErrors             *prometheus.Desc
	streamQueries, streamResponses, streamLastSeen     *prometheus.Desc
}

func newStatsCollector(st *stats) *statsCollector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}

	return &statsCollector{
		st:              st,
		frames:          d("frames_total", "Data frames received"),
		records:         d("decoded_total", "Envelopes decoded into records"),
		decodeErrors:    d("decode_errors_total", "Envelopes dropped as undecodable"),
		filtered:        d("filtered_total", "Records dropped by filters"),
		queueFull:       d("queue_full_total", "Records dropped because a sink queue was full"),
		accessDenied:    d("access_denied_total", "Connections rejected by the access control list"),
		protocolErrors:  d("protocol_errors_total", "Sessions terminated by a Frame Streams protocol error"),
		sessionsTotal:   d("sessions_total", "Sessions accepted"),
		sessionsActive:  d("sessions_active", "Sessions currently open"),
		sinkDelivered:   d("sink_delivered_total", "Records delivered by sink", "sink"),
		sinkDropped:     d("sink_dropped_total", "Records dropped before reaching sink", "sink"),
		sinkErrors:      d("sink_errors_total", "Sink failures", "sink"),
		streamQueries:   d("stream_queries", "Queries seen per dnstap identity", "identity"),
		streamResponses: d("stream_responses", "Responses seen per dnstap identity", "identity"),
		streamLastSeen:  d("stream_last_seen_seconds", "Unix time of the last record per dnstap identity", "identity"),
	}
}

// Describe lists every descriptor up front, labeled series may not exist yet at registration
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.frames, c.records, c.decodeErrors, c.filtered, c.queueFull,
		c.accessDenied, c.protocolErrors, c.sessionsTotal, c.sessionsActive,
		c.sinkDelivered, c.sinkDropped, c.sinkErrors,
		c.streamQueries, c.streamResponses, c.streamLastSeen,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ss := c.st.snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.frames, ss.Frames)
	counter(c.records, ss.Records)
	counter(c.decodeErrors, ss.DecodeErrors)
	counter(c.filtered, ss.Filtered)
	counter(c.queueFull, ss.QueueFull)
	counter(c.accessDenied, ss.AccessDenied)
	counter(c.protocolErrors, ss.ProtocolErrors)
	counter(c.sessionsTotal, ss.SessionsTotal)
	gauge(c.sessionsActive, float64(ss.SessionsActive))

	for n, s := range ss.Sinks {
		counter(c.sinkDelivered, s.Delivered, n)
		counter(c.sinkDropped, s.Dropped, n)
		counter(c.sinkErrors, s.Errors, n)
	}

	if c.st.streams == nil {
		return
	}

	for _, e := range c.st.streams.getAll() {
		gauge(c.streamQueries, float64(e.Queries), e.Identity)
		gauge(c.streamResponses, float64(e.Responses), e.Identity)
		gauge(c.streamLastSeen, float64(e.LastSeen.Unix()), e.Identity)
	}
}

type metricsSink struct {
	reg     *prometheus.Registry
	records *prometheus.CounterVec
	latency *prometheus.HistogramVec

	s *http.Server
	l net.Listener
}

func newMetricsSink(c *config, st *stats) (sink, error) {
	mc := &c.Output.Metrics

	ms := &metricsSink{
		reg: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_total",
			Help:      "Records by identity, query type and response code",
		}, []string{"identity", "qtype", "rcode"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "response_latency_seconds",
			Help:      "Latency between query and response",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"identity"}),
	}

	ms.reg.MustRegister(ms.records, ms.latency, newStatsCollector(st))

	addr, err := net.ResolveTCPAddr("tcp", mc.Listen)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve '%s': %w", mc.Listen, err)
	}

	if ms.l, err = net.ListenTCP("tcp", addr); err != nil {
		return nil, fmt.Errorf("unable to listen on '%s': %w", mc.Listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(ms.reg, promhttp.HandlerOpts{}))

	ms.s = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := ms.s.Serve(ms.l); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics HTTP server failed")
		}
	}()

	log.Infof("Serving metrics on http://%s%s", ms.l.Addr(), mc.Path)
	return ms, nil
}

func (s *metricsSink) name() string {
	return "metrics"
}

func (s *metricsSink) observe(r *record) {
	s.records.WithLabelValues(r.Identity, r.QueryType, r.ResponseCode).Inc()

	if r.Latency > 0 {
		s.latency.WithLabelValues(r.Identity).Observe(r.Latency.Seconds())
	}
}

func (s *metricsSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	for {
		select {
		case r, ok := <-q:
			if !ok {
				return nil
			}

			s.observe(&r)
			st.delivered.Add(1)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *metricsSink) close() error {
	c, f := context.WithTimeout(context.Background(), 5*time.Second)
	defer f()

	return s.s.Shutdown(c)
}
