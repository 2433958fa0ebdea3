package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// failure stages recorded in the frames failed counter
const (
	StageFetch      = "fetch"
	StagePreprocess = "preprocess"
	StageInfer      = "infer"
	StageRoute      = "route"
)

// Metrics are the Prometheus collectors updated by the Controller
type Metrics struct {
	// FramesProcessed counts frames that passed every stage
	FramesProcessed prometheus.Counter
	// FramesFailed counts frames skipped by the stage that failed
	FramesFailed *prometheus.CounterVec
	// Detections counts detections by class name
	Detections *prometheus.CounterVec
	// InferenceSeconds observes inference and suppression time per frame
	InferenceSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {

	m := &Metrics{
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detect",
			Name:      "frames_processed_total",
			Help:      "Frames that completed all pipeline stages",
		}),
		FramesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detect",
			Name:      "frames_failed_total",
			Help:      "Frames skipped after a failure, by stage",
		}, []string{"stage"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detect",
			Name:      "detections_total",
			Help:      "Detections after suppression, by class",
		}, []string{"class"}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detect",
			Name:      "inference_seconds",
			Help:      "Inference and suppression latency per frame",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.FramesProcessed, m.FramesFailed, m.Detections, m.InferenceSeconds)
	}

	return m
}

func (m *Metrics) processed() {
	if m != nil {
		m.FramesProcessed.Inc()
	}
}

func (m *Metrics) failed(stage string) {
	if m != nil {
		m.FramesFailed.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) detected(class string, n int) {
	if m != nil {
		m.Detections.WithLabelValues(class).Add(float64(n))
	}
}

func (m *Metrics) inference(seconds float64) {
	if m != nil {
		m.InferenceSeconds.Observe(seconds)
	}
}
