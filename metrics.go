package caddy_resumable_uploads

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector exposes resumable-upload counters in the Prometheus
// exposition format, grounded on tus-tusd's pkg/prometheuscollector: a
// small struct of atomic counters paired with a prometheus.Collector that
// reads them on Collect. Unlike tusd's collector, the request-count
// dimension here is "by method" rather than "by handler route", since a
// single Middleware instance serves every resumable-upload method itself.
type metricsCollector struct {
	requestsTotal       map[string]*uint64
	bytesReceivedTotal  uint64
	uploadsCreatedTotal uint64
	uploadsFinished     uint64
	uploadsCancelled    uint64
	uploadsTimedOut     uint64
	activeUploads       int64
}

func newMetricsCollector() *metricsCollector {
	methods := []string{"POST", "PATCH", "HEAD", "DELETE", "OPTIONS"}
	m := &metricsCollector{requestsTotal: make(map[string]*uint64, len(methods))}
	for _, method := range methods {
		var v uint64
		m.requestsTotal[method] = &v
	}
	return m
}

func (m *metricsCollector) incRequests(method string) {
	if ptr, ok := m.requestsTotal[method]; ok {
		atomic.AddUint64(ptr, 1)
	}
}

func (m *metricsCollector) addBytesReceived(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.bytesReceivedTotal, uint64(n))
	}
}

func (m *metricsCollector) incUploadsCreated() { atomic.AddUint64(&m.uploadsCreatedTotal, 1) }
func (m *metricsCollector) incUploadsFinished() { atomic.AddUint64(&m.uploadsFinished, 1) }
func (m *metricsCollector) incUploadsCancelled() { atomic.AddUint64(&m.uploadsCancelled, 1) }
func (m *metricsCollector) incUploadsTimedOut() { atomic.AddUint64(&m.uploadsTimedOut, 1) }
func (m *metricsCollector) setActiveUploads(n int) { atomic.StoreInt64(&m.activeUploads, int64(n)) }

var (
	rufhRequestsTotalDesc = prometheus.NewDesc(
		"rufh_requests_total",
		"Total number of resumable-upload requests served, by method.",
		[]string{"method"}, nil)
	rufhBytesReceivedDesc = prometheus.NewDesc(
		"rufh_bytes_received_total",
		"Total bytes accepted into upload sessions.",
		nil, nil)
	rufhUploadsCreatedDesc = prometheus.NewDesc(
		"rufh_uploads_created_total",
		"Number of upload sessions created.",
		nil, nil)
	rufhUploadsFinishedDesc = prometheus.NewDesc(
		"rufh_uploads_finished_total",
		"Number of upload sessions that completed successfully.",
		nil, nil)
	rufhUploadsCancelledDesc = prometheus.NewDesc(
		"rufh_uploads_cancelled_total",
		"Number of upload sessions explicitly cancelled by the client.",
		nil, nil)
	rufhUploadsTimedOutDesc = prometheus.NewDesc(
		"rufh_uploads_timed_out_total",
		"Number of upload sessions destroyed by idle timeout.",
		nil, nil)
	rufhActiveUploadsDesc = prometheus.NewDesc(
		"rufh_active_uploads",
		"Number of upload sessions currently tracked by the registry.",
		nil, nil)
)

// Describe implements prometheus.Collector.
func (m *metricsCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- rufhRequestsTotalDesc
	descs <- rufhBytesReceivedDesc
	descs <- rufhUploadsCreatedDesc
	descs <- rufhUploadsFinishedDesc
	descs <- rufhUploadsCancelledDesc
	descs <- rufhUploadsTimedOutDesc
	descs <- rufhActiveUploadsDesc
}

var (
	promRegistriesMu sync.Mutex
	promRegistries   = map[*metricsCollector]*prometheus.Registry{}
)

// prometheusRegistryFor returns a *prometheus.Registry wrapping m, creating
// and registering it on first use. Keyed by collector pointer so repeated
// calls (e.g. on every /metrics scrape) never attempt to double-register.
func prometheusRegistryFor(m *metricsCollector) *prometheus.Registry {
	promRegistriesMu.Lock()
	defer promRegistriesMu.Unlock()

	if reg, ok := promRegistries[m]; ok {
		return reg
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(m)
	promRegistries[m] = reg
	return reg
}

// Collect implements prometheus.Collector.
func (m *metricsCollector) Collect(metrics chan<- prometheus.Metric) {
	for method, ptr := range m.requestsTotal {
		metrics <- prometheus.MustNewConstMetric(rufhRequestsTotalDesc, prometheus.CounterValue, float64(atomic.LoadUint64(ptr)), method)
	}
	metrics <- prometheus.MustNewConstMetric(rufhBytesReceivedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.bytesReceivedTotal)))
	metrics <- prometheus.MustNewConstMetric(rufhUploadsCreatedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.uploadsCreatedTotal)))
	metrics <- prometheus.MustNewConstMetric(rufhUploadsFinishedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.uploadsFinished)))
	metrics <- prometheus.MustNewConstMetric(rufhUploadsCancelledDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.uploadsCancelled)))
	metrics <- prometheus.MustNewConstMetric(rufhUploadsTimedOutDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&m.uploadsTimedOut)))
	metrics <- prometheus.MustNewConstMetric(rufhActiveUploadsDesc, prometheus.GaugeValue, float64(atomic.LoadInt64(&m.activeUploads)))
}
