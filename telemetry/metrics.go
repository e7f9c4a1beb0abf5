package telemetry

// Histogram bucket definitions
var (
	// PipelineBuckets for end-to-end event processing latency
	PipelineBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// PublishBuckets for outbound sink publish latency
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Ingestion metrics
var (
	// EventsIngestedTotal counts events accepted for processing
	EventsIngestedTotal Counter = NoopStat{}

	// EventsRejectedTotal counts events rejected before a status entry existed
	EventsRejectedTotal Counter = NoopStat{}

	// EventsProcessedTotal counts terminal outcomes (completed, failed, cancelled)
	EventsProcessedTotal CounterVec = noopCounterVec{}

	// ProcessingRetriesTotal counts retry waits scheduled after transient failures
	ProcessingRetriesTotal Counter = NoopStat{}

	// ActiveUnits tracks in-flight processing units
	ActiveUnits Gauge = NoopStat{}

	// StatusByState tracks how many requests currently sit in each state
	StatusByState GaugeVec = noopGaugeVec{}
)

// Pipeline metrics
var (
	// PipelineDurationSeconds measures one processing attempt end to end
	PipelineDurationSeconds Histogram = NoopStat{}

	// ValidationFailuresTotal counts terminal validation rejections by stage (format, schema)
	ValidationFailuresTotal CounterVec = noopCounterVec{}
)

// Rule resolution metrics
var (
	// RuleLookupsTotal counts rule cache outcomes (hit, miss)
	RuleLookupsTotal CounterVec = noopCounterVec{}

	// RuleDefaultsTotal counts resolutions that fell back to the synthesized default
	RuleDefaultsTotal Counter = NoopStat{}
)

// CDC metrics
var (
	// CdcEventsTotal counts generated deltas by operation (INSERT, UPDATE)
	CdcEventsTotal CounterVec = noopCounterVec{}

	// StateCacheLookupsTotal counts state cache outcomes (hit, miss)
	StateCacheLookupsTotal CounterVec = noopCounterVec{}
)

// Publisher metrics
var (
	// PublishDurationSeconds measures sink publish latency by sink name
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// PublishFailuresTotal counts failed publishes by sink name
	PublishFailuresTotal CounterVec = noopCounterVec{}
)

func registerAll() {
	EventsIngestedTotal = NewCounter("events_ingested_total", "Events accepted for asynchronous processing")
	EventsRejectedTotal = NewCounter("events_rejected_total", "Events rejected before status tracking")
	EventsProcessedTotal = NewCounterVec("events_processed_total", "Terminal processing outcomes", []string{"result"})
	ProcessingRetriesTotal = NewCounter("processing_retries_total", "Retry waits scheduled after transient failures")
	ActiveUnits = NewGauge("active_units", "In-flight processing units")
	StatusByState = NewGaugeVec("status_by_state", "Tracked requests per current state", []string{"state"})

	PipelineDurationSeconds = NewHistogramWithBuckets("pipeline_duration_seconds", "Single processing attempt latency", PipelineBuckets)
	ValidationFailuresTotal = NewCounterVec("validation_failures_total", "Terminal validation rejections", []string{"stage"})

	RuleLookupsTotal = NewCounterVec("rule_lookups_total", "Rule cache outcomes", []string{"outcome"})
	RuleDefaultsTotal = NewCounter("rule_defaults_total", "Resolutions using the synthesized default rule")

	CdcEventsTotal = NewCounterVec("cdc_events_total", "Generated deltas by operation", []string{"op"})
	StateCacheLookupsTotal = NewCounterVec("state_cache_lookups_total", "Last-known-state cache outcomes", []string{"outcome"})

	PublishDurationSeconds = NewHistogramVec("publish_duration_seconds", "Outbound publish latency", []string{"sink"}, PublishBuckets)
	PublishFailuresTotal = NewCounterVec("publish_failures_total", "Failed outbound publishes", []string{"sink"})
}
