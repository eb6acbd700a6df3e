package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	imageUploadsTotal     = "image_uploads_total"
	analysisRequestsTotal = "analysis_requests_total"
	analysisErrorsTotal   = "analysis_errors_total"
	analysisDuration      = "analysis_duration_seconds"
	activePushSessions    = "active_push_sessions"
	retentionEvictedTotal = "retention_evicted_total"

	// Labels
	stageLabel  = "stage"
	statusLabel = "status"
)

// Stages at which an analysis can fail.
const (
	StageSubmit  = "submit"
	StageEnqueue = "enqueue"
	StageDecode  = "decode"
	StageScore   = "score"
	StageStore   = "store"
	StagePublish = "publish"
)

var imageUploadsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: imageUploadsTotal,
		Help: "number of images accepted for analysis",
	},
)

var analysisRequestsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: analysisRequestsTotal,
		Help: "number of analyses finished by workers, by terminal status",
	},
	[]string{statusLabel},
)

var analysisErrorsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: analysisErrorsTotal,
		Help: "number of errors in the analysis pipeline, by stage",
	},
	[]string{stageLabel},
)

var analysisDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    analysisDuration,
		Help:    "time spent decoding and scoring an image",
		Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	},
)

var activePushSessionsMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: activePushSessions,
		Help: "number of open push sessions",
	},
)

var retentionEvictedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: retentionEvictedTotal,
		Help: "number of terminal requests removed by the retention sweep",
	},
)

func IncreaseImageUploads() {
	imageUploadsTotalMetric.Inc()
}

func IncreaseAnalysisRequests(status string) {
	analysisRequestsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseAnalysisErrors(stage string) {
	analysisErrorsTotalMetric.With(prometheus.Labels{stageLabel: stage}).Inc()
}

func ObserveAnalysisDuration(d time.Duration) {
	analysisDurationMetric.Observe(d.Seconds())
}

func SetActivePushSessions(count int) {
	activePushSessionsMetric.Set(float64(count))
}

func IncreaseRetentionEvicted(count int) {
	retentionEvictedTotalMetric.Add(float64(count))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(imageUploadsTotalMetric)
	prometheus.MustRegister(analysisRequestsTotalMetric)
	prometheus.MustRegister(analysisErrorsTotalMetric)
	prometheus.MustRegister(analysisDurationMetric)
	prometheus.MustRegister(activePushSessionsMetric)
	prometheus.MustRegister(retentionEvictedTotalMetric)
}
