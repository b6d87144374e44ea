// Package metrics exposes Prometheus counters for the ingestion/replay/
// annotation pipeline, following the teacher's pattern of GaugeFunc
// collectors wrapping atomic.Uint64 counters on a private registry.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every application counter.
type Metrics struct {
	// Ingestion
	FramesPushed   atomic.Uint64
	FrameParseErrs atomic.Uint64

	// Annotation pipeline
	AnnotationsSent     atomic.Uint64
	AnnotationsReceived atomic.Uint64
	AnnotationsSkipped  atomic.Uint64
	SegmentationErrors  atomic.Uint64
	SidecarWriteErrors  atomic.Uint64

	// Dashboard viewers
	ActiveViewers atomic.Uint64
	TotalViewers  atomic.Uint64

	// Replay
	ReplayActive atomic.Uint64 // 0 = inactive, 1 = active

	registry *prometheus.Registry
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	register := func(name, help string, get func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help}, get,
		))
	}

	register("vision_frames_pushed_total", "Frames currently buffered in the frame store",
		func() float64 { return float64(m.FramesPushed.Load()) })
	register("vision_frame_parse_errors_total", "Total device frames that failed to parse",
		func() float64 { return float64(m.FrameParseErrs.Load()) })

	register("vision_annotations_sent_total", "Segmentation requests sent in the current annotation batch",
		func() float64 { return float64(m.AnnotationsSent.Load()) })
	register("vision_annotations_received_total", "Segmentation results received in the current annotation batch",
		func() float64 { return float64(m.AnnotationsReceived.Load()) })
	register("vision_annotations_skipped_total", "Total frames skipped because already annotated or pending",
		func() float64 { return float64(m.AnnotationsSkipped.Load()) })
	register("vision_segmentation_errors_total", "Total segmentation service connection failures (status probe, session open, websocket dial)",
		func() float64 { return float64(m.SegmentationErrors.Load()) })
	register("vision_sidecar_write_errors_total", "Total annotation sidecar write errors",
		func() float64 { return float64(m.SidecarWriteErrors.Load()) })

	register("vision_active_viewers", "Number of connected dashboard viewers",
		func() float64 { return float64(m.ActiveViewers.Load()) })
	register("vision_total_viewers_total", "Total dashboard viewers ever connected",
		func() float64 { return float64(m.TotalViewers.Load()) })

	register("vision_replay_active", "Replay active (0=inactive, 1=active)",
		func() float64 { return float64(m.ReplayActive.Load()) })
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr. Blocks until the server stops.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
