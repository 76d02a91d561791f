package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_paste_created_total",
			Help: "no. of pastes created",
		},
		[]string{"kind", "visibility"},
	)
	PasteViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_viewed_total",
		Help: "no. of pastes shown",
	})
	PasteDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_paste_deleted_total",
			Help: "no. of pastes deleted",
		},
		[]string{"reason"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_cache_misses_total",
		Help: "no. of lookups that reached the store",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_access_denied_total",
			Help: "no. of denied private paste accesses",
		},
		[]string{"reason"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_sweep_cycles_total",
		Help: "no. of expiration sweeps",
	})
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_sweep_errors_total",
		Help: "no. of failed expiration sweeps",
	})
	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebin_store_bytes",
		Help: "sum of stored paste sizes",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_encryption_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
