// Package metrics exports a hand-rolled Prometheus text-format collector
// rather than linking client_golang, covering broker job lifecycle and
// per-destination dispatch metrics.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// MetricsCollector handles Prometheus-style metrics
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
}

// Metric represents a single metric with its type and values
type Metric struct {
	Name        string
	Type        string // counter, gauge, histogram
	Help        string
	Value       float64
	Labels      map[string]string
	Histogram   *Histogram
	LastUpdated time.Time
}

// Histogram for tracking distributions
type Histogram struct {
	Count  int64
	Sum    float64
	Bucket map[float64]int64 // bucket threshold -> count
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metric),
	}
}

// RegisterCounter registers a new counter metric
func (mc *MetricsCollector) RegisterCounter(name, help string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	
	mc.metrics[name] = &Metric{
		Name:        name,
		Type:        "counter",
		Help:        help,
		Value:       0,
		Labels:      make(map[string]string),
		LastUpdated: time.Now(),
	}
}

// RegisterGauge registers a new gauge metric
func (mc *MetricsCollector) RegisterGauge(name, help string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	
	mc.metrics[name] = &Metric{
		Name:        name,
		Type:        "gauge",
		Help:        help,
		Value:       0,
		Labels:      make(map[string]string),
		LastUpdated: time.Now(),
	}
}

// RegisterHistogram registers a new histogram metric
func (mc *MetricsCollector) RegisterHistogram(name, help string, buckets []float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	
	hist := &Histogram{
		Count:  0,
		Sum:    0,
		Bucket: make(map[float64]int64),
	}
	
	// Initialize buckets
	for _, b := range buckets {
		hist.Bucket[b] = 0
	}
	
	mc.metrics[name] = &Metric{
		Name:        name,
		Type:        "histogram",
		Help:        help,
		Histogram:   hist,
		Labels:      make(map[string]string),
		LastUpdated: time.Now(),
	}
}

// IncrementCounter increments a counter metric
func (mc *MetricsCollector) IncrementCounter(name string, value float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	
	if metric, exists := mc.metrics[name]; exists && metric.Type == "counter" {
		metric.Value += value
		metric.LastUpdated = time.Now()
	}
}

// SetGauge sets a gauge metric value
func (mc *MetricsCollector) SetGauge(name string, value float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	
	if metric, exists := mc.metrics[name]; exists && metric.Type == "gauge" {
		metric.Value = value
		metric.LastUpdated = time.Now()
	}
}

// ObserveHistogram records a value in a histogram
func (mc *MetricsCollector) ObserveHistogram(name string, value float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	
	if metric, exists := mc.metrics[name]; exists && metric.Type == "histogram" {
		hist := metric.Histogram
		hist.Count++
		hist.Sum += value
		
		// Update buckets
		for bucket := range hist.Bucket {
			if value <= bucket {
				hist.Bucket[bucket]++
			}
		}
		
		metric.LastUpdated = time.Now()
	}
}

// RecordDispatch records one destination picker decision, keyed by
// destination name. Overall job totals/duration are tracked separately by
// JobMetrics.
func (mc *MetricsCollector) RecordDispatch(destination string) {
	counterName := fmt.Sprintf("jobbroker_destination_dispatches_total{destination=%q}", destination)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, exists := mc.metrics[counterName]; !exists {
		mc.metrics[counterName] = &Metric{
			Name: counterName, Type: "counter",
			Help: "Total jobs dispatched to this destination", Labels: make(map[string]string),
		}
	}
	mc.metrics[counterName].Value++
	mc.metrics[counterName].LastUpdated = time.Now()
}

// Export formats metrics in Prometheus text format
func (mc *MetricsCollector) Export() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	
	var output string
	
	for _, metric := range mc.metrics {
		// Add HELP and TYPE comments
		output += fmt.Sprintf("# HELP %s %s\n", metric.Name, metric.Help)
		output += fmt.Sprintf("# TYPE %s %s\n", metric.Name, metric.Type)
		
		switch metric.Type {
		case "counter", "gauge":
			output += fmt.Sprintf("%s %f\n", metric.Name, metric.Value)
			
		case "histogram":
			if metric.Histogram != nil {
				// Export histogram buckets
				for bucket, count := range metric.Histogram.Bucket {
					output += fmt.Sprintf("%s_bucket{le=\"%g\"} %d\n", metric.Name, bucket, count)
				}
				output += fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", metric.Name, metric.Histogram.Count)
				output += fmt.Sprintf("%s_count %d\n", metric.Name, metric.Histogram.Count)
				output += fmt.Sprintf("%s_sum %f\n", metric.Name, metric.Histogram.Sum)
			}
		}
		
		output += "\n"
	}
	
	return output
}

// Handler returns an HTTP handler for the metrics endpoint
func (mc *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, mc.Export())
	}
}

// InitDefaultMetrics initializes common metrics
func (mc *MetricsCollector) InitDefaultMetrics() {
	// Job metrics
	mc.RegisterCounter("jobbroker_jobs_total", "Total number of jobs executed")
	mc.RegisterCounter("jobbroker_jobs_failed_total", "Total number of failed jobs")
	mc.RegisterGauge("jobbroker_jobs_running", "Number of currently running jobs")
	mc.RegisterHistogram("jobbroker_job_duration_seconds", "Job execution duration in seconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300})
	
	// System metrics
	mc.RegisterGauge("jobbroker_up", "Broker service status (1 = up, 0 = down)")
	mc.RegisterCounter("jobbroker_restarts_total", "Total number of service restarts")

	// HTTP metrics
	mc.RegisterCounter("jobbroker_http_requests_total", "Total number of HTTP requests")
	mc.RegisterHistogram("jobbroker_http_request_duration_seconds", "HTTP request duration in seconds",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1})

	// Interactive command metrics
	mc.RegisterCounter("jobbroker_interactive_invocations_total", "Total interactive command invocations")
	mc.RegisterCounter("jobbroker_interactive_failed_total", "Total failed interactive command invocations")

	// Set initial values
	mc.SetGauge("jobbroker_up", 1)
	mc.SetGauge("jobbroker_jobs_running", 0)
}

// JobMetrics tracks job execution metrics
type JobMetrics struct {
	collector *MetricsCollector
	startTime map[string]time.Time
	mu        sync.Mutex
}

// NewJobMetrics creates a job metrics tracker
func NewJobMetrics(collector *MetricsCollector) *JobMetrics {
	return &JobMetrics{
		collector: collector,
		startTime: make(map[string]time.Time),
	}
}

// JobStarted records job start
func (jm *JobMetrics) JobStarted(jobID string) {
	jm.mu.Lock()
	jm.startTime[jobID] = time.Now()
	jm.mu.Unlock()
	
	jm.collector.IncrementCounter("jobbroker_jobs_total", 1)
	jm.collector.SetGauge("jobbroker_jobs_running", 
		jm.collector.getGaugeValue("jobbroker_jobs_running") + 1)
}

// JobCompleted records job completion
func (jm *JobMetrics) JobCompleted(jobID string, success bool) {
	jm.mu.Lock()
	startTime, exists := jm.startTime[jobID]
	if exists {
		delete(jm.startTime, jobID)
		duration := time.Since(startTime).Seconds()
		jm.collector.ObserveHistogram("jobbroker_job_duration_seconds", duration)
	}
	jm.mu.Unlock()
	
	if !success {
		jm.collector.IncrementCounter("jobbroker_jobs_failed_total", 1)
	}
	
	jm.collector.SetGauge("jobbroker_jobs_running",
		jm.collector.getGaugeValue("jobbroker_jobs_running") - 1)
}

// Helper method to get gauge value
func (mc *MetricsCollector) getGaugeValue(name string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	
	if metric, exists := mc.metrics[name]; exists && metric.Type == "gauge" {
		return metric.Value
	}
	return 0
}

// HTTPMetrics middleware for tracking HTTP requests
func HTTPMetrics(mc *MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			
			// Increment request counter
			mc.IncrementCounter("jobbroker_http_requests_total", 1)
			
			// Call next handler
			next.ServeHTTP(w, r)
			
			// Record duration
			duration := time.Since(start).Seconds()
			mc.ObserveHistogram("jobbroker_http_request_duration_seconds", duration)
		})
	}
}