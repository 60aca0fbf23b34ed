package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seedwarden",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "seedwarden",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seedwarden",
		Name:      "active_transfers",
		Help:      "Number of transfer records currently registered.",
	})

	DownloadRateBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seedwarden",
		Name:      "download_rate_bytes",
		Help:      "Aggregate download rate across all transfers in bytes per second.",
	})

	UploadRateBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seedwarden",
		Name:      "upload_rate_bytes",
		Help:      "Aggregate upload rate across all transfers in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seedwarden",
		Name:      "peers_connected",
		Help:      "Total peers connected across all transfers.",
	})

	TransfersAddedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seedwarden",
		Name:      "transfers_added_total",
		Help:      "Total transfers accepted by add.",
	})

	TransfersCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seedwarden",
		Name:      "transfers_completed_total",
		Help:      "Total transfers that reached seeding.",
	})

	TransferErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seedwarden",
		Name:      "transfer_errors_total",
		Help:      "Total transfers that entered the error state.",
	})

	SeedingStopsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seedwarden",
		Name:      "seeding_stops_total",
		Help:      "Total automatic seeding stops by triggering goal.",
	}, []string{"reason"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveTransfers,
		DownloadRateBytes,
		UploadRateBytes,
		PeersConnected,
		TransfersAddedTotal,
		TransfersCompletedTotal,
		TransferErrorsTotal,
		SeedingStopsTotal,
	)
}
