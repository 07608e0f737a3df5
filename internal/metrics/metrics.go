// Package metrics holds the process-wide counters, exported both as
// Prometheus collectors and as a plain snapshot for the status endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stereo"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	framesReceived  atomic.Uint64
	framesSubmitted atomic.Uint64
	framesDropped   atomic.Uint64
	decodeErrors    atomic.Uint64
	framesProcessed atomic.Uint64
	noFix           atomic.Uint64
	detectorErrors  atomic.Uint64
	outboundSent    atomic.Uint64
	dedupDropped    atomic.Uint64
	textReceived    atomic.Uint64
	published       atomic.Uint64
	publishErrors   atomic.Uint64

	received      prometheus.Counter
	submitted     prometheus.Counter
	dropped       prometheus.Counter
	decodeErr     prometheus.Counter
	processed     prometheus.Counter
	noFixC        prometheus.Counter
	detectorErr   prometheus.Counter
	sent          *prometheus.CounterVec
	deduped       prometheus.Counter
	texts         prometheus.Counter
	publishedC    *prometheus.CounterVec
	publishErrC   *prometheus.CounterVec
	processTime   prometheus.Histogram
	transportUp   prometheus.Gauge
	detectorRate  *prometheus.GaugeVec
	pointDistance prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		received:    counter("frames_received_total", "Binary frame-pair payloads received from the peer."),
		submitted:   counter("frames_submitted_total", "Frame pairs accepted into the pipeline queue."),
		dropped:     counter("frames_dropped_total", "Frame pairs dropped because the pipeline queue was full."),
		decodeErr:   counter("decode_errors_total", "Frame pairs that failed to decode."),
		processed:   counter("frames_processed_total", "Frame pairs fully processed."),
		noFixC:      counter("no_fix_total", "Processed frame pairs without a 3D point."),
		detectorErr: counter("detector_errors_total", "Detector calls that failed or panicked."),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_sent_total", Help: "Outbound messages written to the peer.",
		}, []string{"kind"}),
		deduped: counter("outbound_dedup_dropped_total", "Outbound messages suppressed as duplicates."),
		texts:   counter("text_messages_total", "Text messages received from the peer."),
		publishedC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "points_published_total", Help: "Points sent to downstream publishers.",
		}, []string{"sink"}),
		publishErrC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_errors_total", Help: "Failed point publications.",
		}, []string{"sink"}),
		processTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "process_seconds", Help: "Time to process one frame pair.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		transportUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_connected", Help: "1 while the peer connection is up.",
		}),
		detectorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "detector_fps", Help: "Mean detector rate per camera.",
		}, []string{"camera"}),
		pointDistance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "point_distance_meters", Help: "Distance of the latest point from camera 1.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.received, m.submitted, m.dropped, m.decodeErr, m.processed, m.noFixC,
			m.detectorErr, m.sent, m.deduped, m.texts, m.publishedC, m.publishErrC,
			m.processTime, m.transportUp, m.detectorRate, m.pointDistance,
		)
	}
	return m
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Add(1)
	m.received.Inc()
}

func (m *Metrics) FrameSubmitted() {
	if m == nil {
		return
	}
	m.framesSubmitted.Add(1)
	m.submitted.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Add(1)
	m.dropped.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Add(1)
	m.decodeErr.Inc()
}

// FrameProcessed records one finished cycle. seconds is the processing time.
func (m *Metrics) FrameProcessed(seconds float64, fix bool, distance float64) {
	if m == nil {
		return
	}
	m.framesProcessed.Add(1)
	m.processed.Inc()
	m.processTime.Observe(seconds)
	if fix {
		m.pointDistance.Set(distance)
	} else {
		m.noFix.Add(1)
		m.noFixC.Inc()
	}
}

func (m *Metrics) DetectorError() {
	if m == nil {
		return
	}
	m.detectorErrors.Add(1)
	m.detectorErr.Inc()
}

func (m *Metrics) DetectorRate(camera string, fps float64) {
	if m == nil {
		return
	}
	m.detectorRate.WithLabelValues(camera).Set(fps)
}

func (m *Metrics) OutboundSent(kind string) {
	if m == nil {
		return
	}
	m.outboundSent.Add(1)
	m.sent.WithLabelValues(kind).Inc()
}

func (m *Metrics) DedupDropped() {
	if m == nil {
		return
	}
	m.dedupDropped.Add(1)
	m.deduped.Inc()
}

func (m *Metrics) TextReceived() {
	if m == nil {
		return
	}
	m.textReceived.Add(1)
	m.texts.Inc()
}

func (m *Metrics) TransportConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.transportUp.Set(1)
	} else {
		m.transportUp.Set(0)
	}
}

func (m *Metrics) Published(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishErrors.Add(1)
		m.publishErrC.WithLabelValues(sink).Inc()
		return
	}
	m.published.Add(1)
	m.publishedC.WithLabelValues(sink).Inc()
}

// Snapshot returns the counter totals keyed by metric name.
func (m *Metrics) Snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return map[string]any{
		"frames_received_total":        m.framesReceived.Load(),
		"frames_submitted_total":       m.framesSubmitted.Load(),
		"frames_dropped_total":         m.framesDropped.Load(),
		"decode_errors_total":          m.decodeErrors.Load(),
		"frames_processed_total":       m.framesProcessed.Load(),
		"no_fix_total":                 m.noFix.Load(),
		"detector_errors_total":        m.detectorErrors.Load(),
		"outbound_sent_total":          m.outboundSent.Load(),
		"outbound_dedup_dropped_total": m.dedupDropped.Load(),
		"text_messages_total":          m.textReceived.Load(),
		"points_published_total":       m.published.Load(),
		"publish_errors_total":         m.publishErrors.Load(),
	}
}
