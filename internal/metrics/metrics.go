package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatdir_connected_clients",
		Help: "Number of clients registered with the directory",
	})

	OnlineRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatdir_online_rooms",
		Help: "Number of rooms currently listed in the registry",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdir_requests_total",
		Help: "Requests handled by command and result code",
	}, []string{"command", "code"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatdir_request_seconds",
		Help:    "Time to handle each request command",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	RegistryEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdir_registry_events_total",
		Help: "Registry events processed by type",
	}, []string{"type"})

	RegistryEventDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatdir_registry_event_seconds",
		Help:    "Time to process each registry event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatdir_messages_relayed_total",
		Help: "Room messages delivered to members",
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(OnlineRooms)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RegistryEvents)
	prometheus.MustRegister(RegistryEventDuration)
	prometheus.MustRegister(MessagesRelayed)
}

// ObserveRequest records one handled request.
func ObserveRequest(command, code string, start time.Time) {
	RequestsTotal.WithLabelValues(command, code).Inc()
	RequestDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// Route is an extra handler mounted next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Serve exposes /metrics, plus any extra routes, on addr until the returned
// server is shut down.
func Serve(addr string, logger *slog.Logger, routes ...Route) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics endpoint started", "addr", addr)
	return srv
}
