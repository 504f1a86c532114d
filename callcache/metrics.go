package callcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and histogram the call cache and device-image
// cache export. New accepts a nil *Metrics and then records nothing;
// callers that don't care about metrics can also pass the result of
// NewMetrics(prometheus.NewRegistry()) and never look at it again.
type Metrics struct {
	BlobCacheBuilds     prometheus.Counter
	DeviceImageCompiles prometheus.Counter
	AutotuneRuns        prometheus.Counter
	AutotuneDuration    prometheus.Histogram
}

// NewMetrics registers this runtime's metrics against reg and returns the
// handles. Callers wire reg into their own /metrics endpoint.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		BlobCacheBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernelcall_blob_cache_builds_total",
			Help: "Number of opaque blobs decoded into a new call (cache misses).",
		}),
		DeviceImageCompiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernelcall_device_image_compiles_total",
			Help: "Number of device images compiled (device-image-cache misses).",
		}),
		AutotuneRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernelcall_autotune_runs_total",
			Help: "Number of AutotunedKernelCall tuning passes executed.",
		}),
		AutotuneDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernelcall_autotune_duration_seconds",
			Help:    "Wall-clock duration of autotune tuning passes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.BlobCacheBuilds, m.DeviceImageCompiles, m.AutotuneRuns, m.AutotuneDuration)
	return m
}
