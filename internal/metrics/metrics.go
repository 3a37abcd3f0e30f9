package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_batch_size",
		Help: "Number of requests in the running batch",
	})

	BatchMaxTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_batch_max_tokens",
		Help: "Token budget of the running batch",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weft_step_duration_seconds",
		Help:    "Duration of the forward and decode halves of a generation step",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"stage"})

	GeneratedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_generated_tokens_total",
		Help: "Tokens produced across all requests",
	})

	FinishedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_finished_requests_total",
		Help: "Requests that finished generating, by finish reason",
	}, []string{"reason"})

	BatchOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_batch_operations_total",
		Help: "Filter and concatenate calls",
	}, []string{"op"})

	EvictedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_evicted_requests_total",
		Help: "Rows removed from a batch by filter",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_queue_depth",
		Help: "Requests waiting for admission",
	})

	_ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weft_peak_rss_bytes",
		Help: "Peak resident set size of the process",
	}, func() float64 { return float64(PeakRSS()) })
)

// RecordStep records one generation step over a batch of size rows.
func RecordStep(size, maxTokens int, forward, decode time.Duration, generated int) {
	BatchSize.Set(float64(size))
	BatchMaxTokens.Set(float64(maxTokens))
	StepDuration.WithLabelValues("forward").Observe(forward.Seconds())
	StepDuration.WithLabelValues("decode").Observe(decode.Seconds())
	GeneratedTokens.Add(float64(generated))
}

func RecordFinished(reason string) {
	FinishedRequests.WithLabelValues(reason).Inc()
}

// RecordFilter records a filter call that shrank a batch from before to after rows.
func RecordFilter(before, after int) {
	BatchOps.WithLabelValues("filter").Inc()
	if before > after {
		EvictedRequests.Add(float64(before - after))
	}
}

func RecordConcatenate(size int) {
	BatchOps.WithLabelValues("concatenate").Inc()
	BatchSize.Set(float64(size))
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
