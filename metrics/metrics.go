// Package metrics registers the Prometheus instruments for the indexing
// pipeline and the search path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsEnqueued  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter

	FramesIndexed   prometheus.Counter
	SegmentsIndexed prometheus.Counter
	ItemsSkipped    prometheus.Counter

	JobDuration prometheus.Histogram

	SearchesTotal  prometheus.Counter
	SearchDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_jobs_enqueued_total",
			Help: "Processing jobs accepted for execution.",
		}),
		JobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_jobs_completed_total",
			Help: "Processing jobs that reached the completed state.",
		}),
		JobsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_jobs_failed_total",
			Help: "Processing jobs that reached the failed state.",
		}),
		FramesIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_frames_indexed_total",
			Help: "Frames embedded and stored in the vector index.",
		}),
		SegmentsIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_segments_indexed_total",
			Help: "Transcript segments embedded and stored in the vector index.",
		}),
		ItemsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_items_skipped_total",
			Help: "Frames or segments skipped after non-fatal errors.",
		}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "videosearch_job_duration_seconds",
			Help:    "Wall time of one pipeline run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SearchesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "videosearch_searches_total",
			Help: "Search requests served.",
		}),
		SearchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "videosearch_search_duration_seconds",
			Help:    "End to end search latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
