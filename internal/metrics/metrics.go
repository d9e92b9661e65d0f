package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service.
    Registry = prometheus.NewRegistry()

    // HTTPRequests counts requests by method, path, and status.
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds.
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // EventsIngested counts normalized telemetry events by source (batch, stream).
    EventsIngested = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "telemetry_events_ingested_total", Help: "Normalized telemetry events accepted."},
        []string{"source"},
    )
    // EventsRejected counts dropped or degraded rows by audit reason.
    EventsRejected = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "telemetry_events_rejected_total", Help: "Telemetry rows rejected or degraded, by reason."},
        []string{"reason"},
    )
    // EventsMatched counts geofence match outcomes (on_site, off_site).
    EventsMatched = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "geofence_match_total", Help: "Geofence matching outcomes."},
        []string{"outcome"},
    )
    // Verdicts counts attendance classifications by status.
    Verdicts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "attendance_verdicts_total", Help: "Attendance verdicts by status."},
        []string{"status"},
    )
    // WebhookDeliveries counts webhook delivery outcomes.
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers all collectors on the service registry.
func RegisterDefault() {
    regOnce.Do(func() {
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(EventsIngested)
        Registry.MustRegister(EventsRejected)
        Registry.MustRegister(EventsMatched)
        Registry.MustRegister(Verdicts)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
