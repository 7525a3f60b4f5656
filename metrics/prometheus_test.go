package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollector(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RegisterCounter("test_counter", "A test counter")
	mc.IncrementCounter("test_counter", 1)
	mc.IncrementCounter("test_counter", 2)

	if mc.metrics["test_counter"].Value != 3 {
		t.Errorf("Expected counter value 3, got %f", mc.metrics["test_counter"].Value)
	}

	mc.RegisterGauge("test_gauge", "A test gauge")
	mc.SetGauge("test_gauge", 42.5)

	if mc.metrics["test_gauge"].Value != 42.5 {
		t.Errorf("Expected gauge value 42.5, got %f", mc.metrics["test_gauge"].Value)
	}

	mc.RegisterHistogram("test_histogram", "A test histogram", []float64{1, 5, 10})
	mc.ObserveHistogram("test_histogram", 3)
	mc.ObserveHistogram("test_histogram", 7)
	mc.ObserveHistogram("test_histogram", 12)

	hist := mc.metrics["test_histogram"].Histogram
	if hist.Count != 3 {
		t.Errorf("Expected histogram count 3, got %d", hist.Count)
	}
	if hist.Sum != 22 {
		t.Errorf("Expected histogram sum 22, got %f", hist.Sum)
	}
}

func TestMetricsExport(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RegisterCounter("requests_total", "Total requests")
	mc.IncrementCounter("requests_total", 100)

	mc.RegisterGauge("temperature", "Current temperature")
	mc.SetGauge("temperature", 23.5)

	mc.RegisterHistogram("response_time", "Response time", []float64{0.1, 0.5, 1})
	mc.ObserveHistogram("response_time", 0.3)
	mc.ObserveHistogram("response_time", 0.7)

	output := mc.Export()

	expectedStrings := []string{
		"# HELP requests_total Total requests",
		"# TYPE requests_total counter",
		"requests_total 100",
		"# HELP temperature Current temperature",
		"# TYPE temperature gauge",
		"temperature 23.5",
		"# HELP response_time Response time",
		"# TYPE response_time histogram",
		"response_time_count 2",
	}

	for _, expected := range expectedStrings {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected output to contain %q", expected)
		}
	}
}

func TestJobMetrics(t *testing.T) {
	mc := NewMetricsCollector()
	mc.InitDefaultMetrics()

	jm := NewJobMetrics(mc)

	jm.JobStarted("job1")
	if mc.getGaugeValue("jobbroker_jobs_running") != 1 {
		t.Error("Expected 1 running job")
	}

	time.Sleep(10 * time.Millisecond)
	jm.JobCompleted("job1", true)

	if mc.getGaugeValue("jobbroker_jobs_running") != 0 {
		t.Error("Expected 0 running jobs after completion")
	}

	jm.JobStarted("job2")
	time.Sleep(10 * time.Millisecond)
	jm.JobCompleted("job2", false)

	if mc.metrics["jobbroker_jobs_failed_total"].Value != 1 {
		t.Error("Expected 1 failed job")
	}
	if mc.metrics["jobbroker_jobs_total"].Value != 2 {
		t.Error("Expected 2 total jobs")
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	mc := NewMetricsCollector()
	mc.InitDefaultMetrics()

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	handler := HTTPMetrics(mc)(testHandler)

	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}

	if mc.metrics["jobbroker_http_requests_total"].Value != 5 {
		t.Errorf("Expected 5 HTTP requests, got %f", mc.metrics["jobbroker_http_requests_total"].Value)
	}

	hist := mc.metrics["jobbroker_http_request_duration_seconds"].Histogram
	if hist.Count != 5 {
		t.Errorf("Expected 5 observations in histogram, got %d", hist.Count)
	}
}

func TestMetricsHandler(t *testing.T) {
	mc := NewMetricsCollector()
	mc.InitDefaultMetrics()

	mc.IncrementCounter("jobbroker_jobs_total", 42)
	mc.SetGauge("jobbroker_jobs_running", 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler := mc.Handler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") {
		t.Errorf("Expected text/plain content type, got %s", contentType)
	}

	body := w.Body.String()
	if !strings.Contains(body, "jobbroker_jobs_total 42") {
		t.Error("Response should contain job total metric")
	}
	if !strings.Contains(body, "jobbroker_jobs_running 3") {
		t.Error("Response should contain running jobs metric")
	}
}

func TestDefaultMetricsInitialization(t *testing.T) {
	mc := NewMetricsCollector()
	mc.InitDefaultMetrics()

	expectedMetrics := []string{
		"jobbroker_jobs_total",
		"jobbroker_jobs_failed_total",
		"jobbroker_jobs_running",
		"jobbroker_job_duration_seconds",
		"jobbroker_up",
		"jobbroker_restarts_total",
		"jobbroker_http_requests_total",
		"jobbroker_http_request_duration_seconds",
		"jobbroker_interactive_invocations_total",
		"jobbroker_interactive_failed_total",
	}

	for _, name := range expectedMetrics {
		if _, exists := mc.metrics[name]; !exists {
			t.Errorf("Expected metric %q to be registered", name)
		}
	}

	if mc.getGaugeValue("jobbroker_up") != 1 {
		t.Error("jobbroker_up should be initialized to 1")
	}
	if mc.getGaugeValue("jobbroker_jobs_running") != 0 {
		t.Error("jobbroker_jobs_running should be initialized to 0")
	}
}

func TestRecordDispatch(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RecordDispatch("slurm-prod")
	mc.RecordDispatch("slurm-prod")
	mc.RecordDispatch("dirac")

	name := `jobbroker_destination_dispatches_total{destination="slurm-prod"}`
	if mc.metrics[name].Value != 2 {
		t.Errorf("Expected 2 dispatches recorded for slurm-prod, got %f", mc.metrics[name].Value)
	}

	name = `jobbroker_destination_dispatches_total{destination="dirac"}`
	if mc.metrics[name].Value != 1 {
		t.Errorf("Expected 1 dispatch recorded for dirac, got %f", mc.metrics[name].Value)
	}
}

func TestGetGaugeValueEdgeCases(t *testing.T) {
	mc := NewMetricsCollector()

	if value := mc.getGaugeValue("non_existent_gauge"); value != 0 {
		t.Errorf("Expected 0 for non-existent gauge, got %f", value)
	}

	mc.RegisterCounter("test_counter", "Test counter")
	mc.IncrementCounter("test_counter", 10)

	if value := mc.getGaugeValue("test_counter"); value != 0 {
		t.Errorf("Expected 0 for non-gauge metric, got %f", value)
	}

	mc.RegisterGauge("test_gauge", "Test gauge")
	mc.SetGauge("test_gauge", 42.5)

	if value := mc.getGaugeValue("test_gauge"); value != 42.5 {
		t.Errorf("Expected 42.5 for gauge value, got %f", value)
	}
}

func TestIncrementCounterOnNonExistent(t *testing.T) {
	mc := NewMetricsCollector()

	mc.IncrementCounter("non_existent", 1)

	if _, exists := mc.metrics["non_existent"]; exists {
		t.Error("Non-existent counter should not be auto-created")
	}
}

func TestSetGaugeOnNonExistent(t *testing.T) {
	mc := NewMetricsCollector()

	mc.SetGauge("non_existent", 42)

	if _, exists := mc.metrics["non_existent"]; exists {
		t.Error("Non-existent gauge should not be auto-created")
	}
}

func TestObserveHistogramOnNonExistent(t *testing.T) {
	mc := NewMetricsCollector()

	mc.ObserveHistogram("non_existent", 1.5)

	if _, exists := mc.metrics["non_existent"]; exists {
		t.Error("Non-existent histogram should not be auto-created")
	}
}

func TestHistogramBuckets(t *testing.T) {
	mc := NewMetricsCollector()

	buckets := []float64{1, 5, 10, 50}
	mc.RegisterHistogram("test_hist", "Test histogram", buckets)

	mc.ObserveHistogram("test_hist", 0.5)
	mc.ObserveHistogram("test_hist", 3)
	mc.ObserveHistogram("test_hist", 7)
	mc.ObserveHistogram("test_hist", 25)
	mc.ObserveHistogram("test_hist", 100)

	hist := mc.metrics["test_hist"].Histogram

	expectedBuckets := map[float64]int64{
		1:  1,
		5:  2,
		10: 3,
		50: 4,
	}

	for bucket, expectedCount := range expectedBuckets {
		if hist.Bucket[bucket] != expectedCount {
			t.Errorf("Bucket %f: expected count %d, got %d", bucket, expectedCount, hist.Bucket[bucket])
		}
	}

	if hist.Count != 5 {
		t.Errorf("Expected total count 5, got %d", hist.Count)
	}

	expectedSum := 0.5 + 3 + 7 + 25 + 100
	if hist.Sum != expectedSum {
		t.Errorf("Expected sum %f, got %f", expectedSum, hist.Sum)
	}
}

func TestJobMetricsWithoutStartTime(t *testing.T) {
	mc := NewMetricsCollector()
	mc.InitDefaultMetrics()

	jm := NewJobMetrics(mc)

	jm.JobCompleted("unknown_job", true)

	if mc.getGaugeValue("jobbroker_jobs_running") != -1 {
		t.Errorf("Expected -1 running jobs, got %f", mc.getGaugeValue("jobbroker_jobs_running"))
	}
}

func TestConcurrentMetricsAccess(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RegisterCounter("concurrent_counter", "Test counter")
	mc.RegisterGauge("concurrent_gauge", "Test gauge")
	mc.RegisterHistogram("concurrent_hist", "Test histogram", []float64{1, 5, 10})

	done := make(chan bool, 30)

	for range 10 {
		go func() {
			mc.IncrementCounter("concurrent_counter", 1)
			done <- true
		}()
	}
	for i := range 10 {
		go func(val float64) {
			mc.SetGauge("concurrent_gauge", val)
			done <- true
		}(float64(i))
	}
	for i := range 10 {
		go func(val float64) {
			mc.ObserveHistogram("concurrent_hist", val)
			done <- true
		}(float64(i))
	}

	const testTimeout = 10 * time.Second
	timeout := time.After(testTimeout)
	for i := range 30 {
		select {
		case <-done:
		case <-timeout:
			t.Fatalf("Test timed out waiting for goroutine %d", i)
		}
	}

	if mc.metrics["concurrent_counter"].Value != 10 {
		t.Errorf("Expected counter value 10, got %f", mc.metrics["concurrent_counter"].Value)
	}
	if mc.metrics["concurrent_hist"].Histogram.Count != 10 {
		t.Errorf("Expected 10 histogram observations, got %d", mc.metrics["concurrent_hist"].Histogram.Count)
	}
}

func TestMetricsTypeValidation(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RegisterCounter("test_metric", "Test metric")
	mc.SetGauge("test_metric", 42)
	if mc.metrics["test_metric"].Value != 0 {
		t.Error("Setting gauge on counter should not change value")
	}

	mc.RegisterGauge("gauge_metric", "Gauge metric")
	mc.IncrementCounter("gauge_metric", 10)
	if mc.metrics["gauge_metric"].Value != 0 {
		t.Error("Incrementing counter on gauge should not change value")
	}
}

func TestExportWithEmptyHistogram(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RegisterHistogram("empty_hist", "Empty histogram", []float64{1, 5, 10})

	output := mc.Export()

	if !strings.Contains(output, "empty_hist_count 0") {
		t.Error("Export should include empty histogram with count 0")
	}
	if !strings.Contains(output, "empty_hist_sum 0.000000") {
		t.Error("Export should include empty histogram with sum 0")
	}
}

func TestLastUpdatedTimestamp(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RegisterCounter("test_counter", "Test counter")

	before := time.Now()
	mc.IncrementCounter("test_counter", 1)
	after := time.Now()

	lastUpdated := mc.metrics["test_counter"].LastUpdated
	if lastUpdated.Before(before) || lastUpdated.After(after) {
		t.Error("LastUpdated timestamp should be between before and after times")
	}
}
