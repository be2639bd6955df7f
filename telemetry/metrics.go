package telemetry

// Histogram bucket definitions
var (
	// BatchBuckets for notification batch processing (store writes per event)
	BatchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// FetchBuckets for catalog fetch round trips
	FetchBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Notification processing metrics
var (
	// NotificationsTotal counts processed events by type and outcome
	// (applied, noop, invalid, filtered)
	NotificationsTotal CounterVec = noopCounterVec{}

	// WatermarkID tracks the last processed notification id
	WatermarkID Gauge = NoopStat{}

	// StoreFailuresTotal counts store mutation failures by operation
	StoreFailuresTotal CounterVec = noopCounterVec{}
)

// Follower loop metrics
var (
	// BatchesTotal counts poll cycles by result (ok, failed)
	BatchesTotal CounterVec = noopCounterVec{}

	// BatchDurationSeconds measures time spent processing one batch
	BatchDurationSeconds Histogram = NoopStat{}

	// FetchDurationSeconds measures catalog fetch latency
	FetchDurationSeconds Histogram = NoopStat{}

	// BatchSize measures events per non-empty batch
	BatchSize Histogram = NoopStat{}
)

// bindMetrics replaces the noop metric variables with registered
// Prometheus collectors. Called from InitializeTelemetry.
func bindMetrics() {
	NotificationsTotal = NewCounterVec("notifications_total",
		"Processed notification events by type and outcome",
		[]string{"event_type", "outcome"})
	WatermarkID = NewGauge("watermark_id",
		"Last processed notification id")
	StoreFailuresTotal = NewCounterVec("store_failures_total",
		"Authorization store mutation failures by operation",
		[]string{"op"})

	BatchesTotal = NewCounterVec("batches_total",
		"Notification poll cycles by result",
		[]string{"result"})
	BatchDurationSeconds = NewHistogramWithBuckets("batch_duration_seconds",
		"Time spent processing one notification batch", BatchBuckets)
	FetchDurationSeconds = NewHistogramWithBuckets("fetch_duration_seconds",
		"Catalog fetch latency", FetchBuckets)
	BatchSize = NewHistogramWithBuckets("batch_size",
		"Events per non-empty batch",
		[]float64{1, 5, 10, 25, 50, 100, 250, 500})
}
