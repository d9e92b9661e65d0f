package store

import (
    "context"
    "errors"
    "time"

    "fleetattend/internal/audit"
    "fleetattend/internal/model"
)

// AttendanceQuery filters a record listing. Dates are inclusive,
// YYYY-MM-DD; empty means open-ended.
type AttendanceQuery struct {
    DriverID string
    From     string
    To       string
    Cursor   string
    Limit    int
}

// Store is the persistence interface shared by the API server, the
// pipeline, and the webhook worker.
type Store interface {
    Ping(ctx context.Context) error

    // Drivers: division lookup for summary rollups.
    UpsertDrivers(ctx context.Context, tenantID string, drivers []model.Driver) error

    // Telemetry buffer: streaming ingest lands here and Finalize reads
    // it back. Insert dedups on (asset, timestamp); re-ingest is a no-op.
    InsertTelemetry(ctx context.Context, tenantID string, events []model.TelemetryEvent) (accepted int, err error)
    ListTelemetryForDates(ctx context.Context, tenantID string, dates []string) ([]model.TelemetryEvent, error)

    // Attendance records: atomic upsert keyed (tenant, driver, date).
    UpsertAttendance(ctx context.Context, tenantID string, recs []model.AttendanceRecord) error
    GetAttendance(ctx context.Context, tenantID, driverID, date string) (model.AttendanceRecord, error)
    ListAttendance(ctx context.Context, tenantID string, q AttendanceQuery) (items []model.AttendanceRecord, nextCursor string, err error)
    Summarize(ctx context.Context, tenantID, scope, from, to string) ([]model.SummaryRow, error)

    // Audit trail.
    AppendAudit(ctx context.Context, tenantID string, entries []audit.Entry) error
    ListAudit(ctx context.Context, tenantID, stage, reason string, limit int) ([]audit.Entry, error)

    // Webhook subscriptions.
    CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]Subscription, error)
    ListSubscriptions(ctx context.Context, tenantID string, limit int) ([]Subscription, error)
    DeleteSubscription(ctx context.Context, tenantID, id string) error

    // Webhook deliveries.
    EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]map[string]any, error)
    RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
}

var ErrNotFound = errors.New("not found")

// SubscriptionRequest creates a webhook subscription.
type SubscriptionRequest struct {
    TenantID string   `json:"tenantId"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"secret"`
}

type Subscription struct {
    ID       string   `json:"id"`
    TenantID string   `json:"tenantId"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"secret,omitempty"`
}

// WebhookDelivery is one queued outbound delivery.
type WebhookDelivery struct {
    ID             string
    TenantID       string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}
