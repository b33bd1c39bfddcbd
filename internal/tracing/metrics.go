package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ActiveRunCounter reports the number of runs currently tracked in memory.
type ActiveRunCounter interface {
	ActiveRunCount() int
}

// SubscriberCounter provides log-stream subscriber count metrics.
type SubscriberCounter interface {
	TotalSubscriberCount() int
	SubscriberMapKeyCount() int
}

// MetricsCollector collects Prometheus-compatible metrics for the extraction pipeline.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal            metric.Int64Counter
	syncFilesTotal       metric.Int64Counter
	extractRequestsTotal metric.Int64Counter
	scheduleFiresTotal   metric.Int64Counter

	// Histograms
	runDuration      metric.Float64Histogram
	extractLatency   metric.Float64Histogram
	syncFileDuration metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex
	queueDepth   int64
	queueDepthMu sync.RWMutex

	subscriberCounter SubscriberCounter
	subscriberMu      sync.RWMutex
	runCounter        ActiveRunCounter
	runCounterMu      sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("extractord")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.runsTotal, err = meter.Int64Counter(
		"extractord_runs_total",
		metric.WithDescription("Total number of runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.syncFilesTotal, err = meter.Int64Counter(
		"extractord_sync_files_total",
		metric.WithDescription("Total number of files synced from the object store"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	mc.extractRequestsTotal, err = meter.Int64Counter(
		"extractord_extract_requests_total",
		metric.WithDescription("Total number of extraction API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	mc.scheduleFiresTotal, err = meter.Int64Counter(
		"extractord_schedule_fires_total",
		metric.WithDescription("Total number of cron schedule firings"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"extractord_run_duration_seconds",
		metric.WithDescription("Run duration in seconds, from admission to completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.extractLatency, err = meter.Float64Histogram(
		"extractord_extract_latency_seconds",
		metric.WithDescription("Extraction API request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.syncFileDuration, err = meter.Float64Histogram(
		"extractord_sync_file_duration_seconds",
		metric.WithDescription("Per-file download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_active_runs",
		metric.WithDescription("Number of currently active runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_queue_depth",
		metric.WithDescription("Number of runs waiting on admission"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_log_subscribers",
		metric.WithDescription("Number of active NDJSON log stream subscribers across all runs"),
		metric.WithUnit("{subscriber}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.TotalSubscriberCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_log_stream_runs",
		metric.WithDescription("Number of run IDs with an active log stream"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.SubscriberMapKeyCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_runs_in_memory",
		metric.WithDescription("Number of runs held in the in-memory run table"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.runCounterMu.RLock()
			counter := mc.runCounter
			mc.runCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.ActiveRunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"extractord_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records the admission of a run.
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, caseID string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("case", caseID)))
}

// RecordRunComplete records the completion of a run.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, caseID, status, trigger string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("case", caseID),
		attribute.String("status", status),
		attribute.String("trigger", trigger),
	}

	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSyncFile records the sync of a single file from the object store.
func (mc *MetricsCollector) RecordSyncFile(ctx context.Context, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	mc.syncFilesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.syncFileDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordExtractRequest records an extraction API request completion.
func (mc *MetricsCollector) RecordExtractRequest(ctx context.Context, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	mc.extractRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.extractLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordScheduleFire records a cron schedule firing.
func (mc *MetricsCollector) RecordScheduleFire(ctx context.Context, scheduleID, outcome string) {
	attrs := []attribute.KeyValue{
		attribute.String("schedule_id", scheduleID),
		attribute.String("outcome", outcome),
	}
	mc.scheduleFiresTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// IncrementQueueDepth increments the pending admission queue depth.
func (mc *MetricsCollector) IncrementQueueDepth() {
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending admission queue depth.
func (mc *MetricsCollector) DecrementQueueDepth() {
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}

// SetSubscriberCounter sets the log stream subscriber counter for memory metrics.
func (mc *MetricsCollector) SetSubscriberCounter(counter SubscriberCounter) {
	mc.subscriberMu.Lock()
	mc.subscriberCounter = counter
	mc.subscriberMu.Unlock()
}

// SetRunCounter sets the active run counter for memory metrics.
func (mc *MetricsCollector) SetRunCounter(counter ActiveRunCounter) {
	mc.runCounterMu.Lock()
	mc.runCounter = counter
	mc.runCounterMu.Unlock()
}
