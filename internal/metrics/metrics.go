package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OTPIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebook_otp_issued_total",
			Help: "Verification codes issued, by purpose",
		},
		[]string{"purpose"},
	)

	OTPVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebook_otp_verifications_total",
			Help: "Verification attempts, by result",
		},
		[]string{"result"},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebook_downloads_total",
			Help: "Completed deliveries, by kind",
		},
		[]string{"kind"},
	)

	BytesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ebook_bytes_streamed_total",
			Help: "Bytes of book content written to clients",
		},
	)

	OmittedItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebook_bundle_omitted_items_total",
			Help: "Items left out of bundles, by reason",
		},
		[]string{"reason"},
	)

	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebook_rate_limit_denials_total",
			Help: "Requests denied by the rate guard, by action",
		},
		[]string{"action"},
	)

	TokenReuseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ebook_token_reuse_total",
			Help: "Attempts to redeem an already used download token",
		},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(OTPIssuedTotal)
	prometheus.MustRegister(OTPVerificationsTotal)
	prometheus.MustRegister(DownloadsTotal)
	prometheus.MustRegister(BytesStreamedTotal)
	prometheus.MustRegister(OmittedItemsTotal)
	prometheus.MustRegister(RateLimitDenialsTotal)
	prometheus.MustRegister(TokenReuseTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}
