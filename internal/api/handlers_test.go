package api

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "golang.org/x/time/rate"

    "fleetattend/internal/audit"
    "fleetattend/internal/auth"
    "fleetattend/internal/catalog"
    "fleetattend/internal/model"
    "fleetattend/internal/roster"
    "fleetattend/internal/store"
    "fleetattend/internal/webhooks"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    log := audit.NewLog()
    cat := catalog.FromSites([]model.JobSite{
        {JobNumber: "J100", Lat: 40.0, Lon: -75.0, RadiusM: 300,
            Rule: model.ShiftRule{Start: "07:00", End: "15:30", LateThresholdMin: 10, EarlyLeaveMin: 15}},
    })
    ros, err := roster.New([]model.Driver{
        {ID: "210003", Name: "Ana Reyes", RawStatus: "Active", Division: "north"},
        {ID: "210004", Name: "Lee Park", RawStatus: "Active", Division: "south"},
    }, log)
    if err != nil { t.Fatalf("roster: %v", err) }
    ros.AddAssignments([]model.Assignment{
        {DriverID: "210003", Date: "2025-05-20", JobNumber: "J100"},
        {DriverID: "210004", Date: "2025-05-20", JobNumber: "J100"},
    })
    mem := store.NewMemory()
    return &Server{
        Store:   mem,
        Pub:     webhooks.NewPublisher(mem),
        Auth:    auth.NewVerifierFromEnv(),
        Broker:  NewBroker(),
        Catalog: cat,
        Roster:  ros,
        limiter: rate.NewLimiter(rate.Limit(1000), 1000),
    }
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, v any) *httptest.ResponseRecorder {
    t.Helper()
    b, _ := json.Marshal(v)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
    req.Header.Set("Content-Type", "application/json")
    h(rr, req)
    return rr
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestTelemetryIngestAndFinalize(t *testing.T) {
    s := newTestServer(t)
    // Ingest a day of pings for driver 210003.
    body := map[string]any{
        "baseDate": "2025-05-20",
        "rows": []map[string]string{
            {"asset": "ASSET-1 (210003)", "timestamp": "2025-05-20T07:05:00Z", "latitude": "40.0", "longitude": "-75.0"},
            {"asset": "ASSET-1 (210003)", "timestamp": "2025-05-20T15:25:00Z", "latitude": "40.0", "longitude": "-75.0"},
            {"asset": "ASSET-1 (210003)", "timestamp": "garbage", "latitude": "40.0", "longitude": "-75.0"},
        },
    }
    rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: got %d: %s", rr.Code, rr.Body.String()) }
    var ack struct {
        Accepted int `json:"accepted"`
        Rejected int `json:"rejected"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &ack)
    if ack.Accepted != 2 || ack.Rejected != 1 {
        t.Fatalf("ack: %+v", ack)
    }

    // Finalize the day.
    rr = postJSON(t, s.FinalizeHandler, "/v1/days/finalize", map[string]string{"date": "2025-05-20"})
    if rr.Code != 200 { t.Fatalf("finalize: got %d: %s", rr.Code, rr.Body.String()) }
    var fin struct {
        Records int                     `json:"records"`
        Counts  map[string]int          `json:"counts"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &fin)
    if fin.Records != 2 {
        t.Fatalf("finalize records: %+v", fin)
    }
    if fin.Counts["on_time"] != 1 || fin.Counts["no_show"] != 1 {
        t.Fatalf("finalize counts: %+v", fin.Counts)
    }

    // List and check the stored verdicts.
    rr = httptest.NewRecorder()
    s.AttendanceHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/attendance?from=2025-05-20&to=2025-05-20", nil))
    if rr.Code != 200 { t.Fatalf("list: got %d", rr.Code) }
    var list struct {
        Items []model.AttendanceRecord `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &list)
    if len(list.Items) != 2 {
        t.Fatalf("items: %+v", list.Items)
    }
    for _, it := range list.Items {
        if !it.Final { t.Fatalf("record not final: %+v", it) }
    }
}

func TestFinalizeInvalidDate(t *testing.T) {
    s := newTestServer(t)
    rr := postJSON(t, s.FinalizeHandler, "/v1/days/finalize", map[string]string{"date": "05/20/2025"})
    if rr.Code != http.StatusBadRequest { t.Fatalf("got %d", rr.Code) }
}

func TestFinalizeRequiresAdmin(t *testing.T) {
    s := newTestServer(t)
    b, _ := json.Marshal(map[string]string{"date": "2025-05-20"})
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/days/finalize", bytes.NewReader(b))
    req.Header.Set("X-Role", "driver")
    s.FinalizeHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("got %d", rr.Code) }
}

func TestAttendanceDriverSeesOwnOnly(t *testing.T) {
    s := newTestServer(t)
    ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
    _ = s.Store.UpsertAttendance(ctx, "default", []model.AttendanceRecord{
        {DriverID: "210003", Date: "2025-05-20", Status: model.StatusOnTime},
        {DriverID: "210004", Date: "2025-05-20", Status: model.StatusLate},
    })
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/attendance", nil)
    req.Header.Set("X-Role", "driver")
    req.Header.Set("X-Driver-Id", "210003")
    s.AttendanceHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("got %d", rr.Code) }
    var list struct {
        Items []model.AttendanceRecord `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &list)
    if len(list.Items) != 1 || list.Items[0].DriverID != "210003" {
        t.Fatalf("driver scoping: %+v", list.Items)
    }
}

func TestAttendanceExportCSV(t *testing.T) {
    s := newTestServer(t)
    ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
    _ = s.Store.UpsertAttendance(ctx, "default", []model.AttendanceRecord{
        {DriverID: "210003", Date: "2025-05-20", Status: model.StatusLate, MinutesLate: 25, JobSite: "J100", Final: true},
    })
    rr := httptest.NewRecorder()
    s.AttendanceExportHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/attendance/export", nil))
    if rr.Code != 200 { t.Fatalf("got %d", rr.Code) }
    if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
        t.Fatalf("content type: %s", ct)
    }
    body := rr.Body.String()
    if !strings.Contains(body, "driver_id,date,status") || !strings.Contains(body, "210003,2025-05-20,late,25") {
        t.Fatalf("csv body:\n%s", body)
    }
}

func TestAttendanceSummary(t *testing.T) {
    s := newTestServer(t)
    ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
    _ = s.Store.UpsertDrivers(ctx, "default", s.Roster.Drivers())
    _ = s.Store.UpsertAttendance(ctx, "default", []model.AttendanceRecord{
        {DriverID: "210003", Date: "2025-05-20", Status: model.StatusOnTime, JobSite: "J100"},
        {DriverID: "210004", Date: "2025-05-20", Status: model.StatusLate, JobSite: "J100"},
    })
    rr := httptest.NewRecorder()
    s.AttendanceSummaryHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/attendance/summary?scope=site", nil))
    if rr.Code != 200 { t.Fatalf("got %d", rr.Code) }
    var resp struct {
        Scope  string             `json:"scope"`
        Groups []model.SummaryRow `json:"groups"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &resp)
    if resp.Scope != "site" || len(resp.Groups) != 1 || resp.Groups[0].Total != 2 {
        t.Fatalf("summary: %+v", resp)
    }
}

func TestSitesHandler(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.SitesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/sites", nil))
    if rr.Code != 200 { t.Fatalf("got %d", rr.Code) }
    var resp struct {
        Items []model.JobSite `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &resp)
    if len(resp.Items) != 1 || resp.Items[0].JobNumber != "J100" {
        t.Fatalf("sites: %+v", resp.Items)
    }
}

func TestAuditEndpoint(t *testing.T) {
    s := newTestServer(t)
    // Bad rows from an ingest land in the audit trail.
    body := map[string]any{"rows": []map[string]string{{"asset": "A1", "timestamp": "junk"}}}
    rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.AuditHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/audit?reason=bad_timestamp", nil))
    if rr.Code != 200 { t.Fatalf("audit: %d", rr.Code) }
    var resp struct {
        Items []audit.Entry `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &resp)
    if len(resp.Items) != 1 || resp.Items[0].Reason != audit.ReasonBadTimestamp {
        t.Fatalf("audit items: %+v", resp.Items)
    }
}

func TestSubscriptionsCRUD(t *testing.T) {
    s := newTestServer(t)
    rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", map[string]any{
        "url": "https://example.com/hook", "events": []string{"attendance.finalized"}, "secret": "s1",
    })
    if rr.Code != http.StatusCreated { t.Fatalf("create: %d: %s", rr.Code, rr.Body.String()) }
    var sub store.Subscription
    _ = json.Unmarshal(rr.Body.Bytes(), &sub)
    if sub.ID == "" { t.Fatal("missing id") }

    rr = httptest.NewRecorder()
    s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
    if rr.Code != 200 { t.Fatalf("list: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
    if rr.Code != 204 { t.Fatalf("delete: %d", rr.Code) }
}

func TestSubscriptionRejectsMissingFields(t *testing.T) {
    s := newTestServer(t)
    rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", map[string]any{"url": ""})
    if rr.Code != http.StatusBadRequest { t.Fatalf("got %d", rr.Code) }
}

func TestFinalizeEnqueuesWebhooks(t *testing.T) {
    s := newTestServer(t)
    rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", map[string]any{
        "url": "https://example.com/hook", "events": []string{"attendance.finalized"}, "secret": "s1",
    })
    if rr.Code != http.StatusCreated { t.Fatalf("create sub: %d", rr.Code) }

    body := map[string]any{"rows": []map[string]string{
        {"asset": "ASSET-1 (210003)", "timestamp": "2025-05-20T07:05:00Z", "latitude": "40.0", "longitude": "-75.0"},
    }}
    rr = postJSON(t, s.TelemetryHandler, "/v1/telemetry", body)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: %d", rr.Code) }
    rr = postJSON(t, s.FinalizeHandler, "/v1/days/finalize", map[string]string{"date": "2025-05-20"})
    if rr.Code != 200 { t.Fatalf("finalize: %d", rr.Code) }

    due, err := s.Store.FetchDueWebhookDeliveries(httptest.NewRequest(http.MethodGet, "/", nil).Context(), 10)
    if err != nil { t.Fatal(err) }
    if len(due) == 0 {
        t.Fatal("finalize should enqueue webhook deliveries")
    }
    if due[0].EventType != "attendance.finalized" {
        t.Fatalf("event type: %s", due[0].EventType)
    }
}

func TestRateLimit(t *testing.T) {
    s := newTestServer(t)
    s.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
    body := map[string]any{"rows": []map[string]string{}}
    if rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body); rr.Code != http.StatusAccepted {
        t.Fatalf("first: %d", rr.Code)
    }
    if rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body); rr.Code != http.StatusTooManyRequests {
        t.Fatalf("second should be limited: %d", rr.Code)
    }
}

func TestWebhookDeliveriesAdmin(t *testing.T) {
    s := newTestServer(t)
    ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
    id, _ := s.Store.EnqueueWebhook(ctx, "default", "sub1", "attendance.finalized", "https://example.com", "s", []byte(`{}`))
    _ = s.Store.FailWebhookDelivery(ctx, id, "boom", 500, 12)

    rr := httptest.NewRecorder()
    s.WebhookDeliveriesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?status=failed", nil))
    if rr.Code != 200 { t.Fatalf("list: %d", rr.Code) }
    var resp struct {
        Items []map[string]any `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &resp)
    if len(resp.Items) != 1 {
        t.Fatalf("items: %+v", resp.Items)
    }

    rr = httptest.NewRecorder()
    s.WebhookDeliveryRetryHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", nil))
    if rr.Code != 202 { t.Fatalf("retry: %d", rr.Code) }
    due, _ := s.Store.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 1 {
        t.Fatal("retried delivery should be due")
    }
}

func TestFinalizePublishesSSE(t *testing.T) {
    s := newTestServer(t)
    ch := s.Broker.Subscribe("attendance:default")
    defer s.Broker.Unsubscribe("attendance:default", ch)

    body := map[string]any{"rows": []map[string]string{
        {"asset": "ASSET-1 (210003)", "timestamp": "2025-05-20T07:05:00Z", "latitude": "40.0", "longitude": "-75.0"},
    }}
    if rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body); rr.Code != http.StatusAccepted {
        t.Fatalf("ingest: %d", rr.Code)
    }
    if rr := postJSON(t, s.FinalizeHandler, "/v1/days/finalize", map[string]string{"date": "2025-05-20"}); rr.Code != 200 {
        t.Fatalf("finalize: %d", rr.Code)
    }
    deadline := time.After(time.Second)
    for {
        select {
        case evt := <-ch:
            if evt.Type == "attendance.finalized" { return }
        case <-deadline:
            t.Fatal("no attendance.finalized event on the broker")
        }
    }
}

func TestTelemetryExcludedAssetDropped(t *testing.T) {
    s := newTestServer(t)
    s.Roster.AddAssets([]model.Asset{{ID: "ASSET-9", Status: "Disposed"}}, audit.NewLog())

    body := map[string]any{
        "baseDate": "2025-05-20",
        "rows": []map[string]string{
            {"asset": "ASSET-9 (210003)", "timestamp": "2025-05-20T07:05:00Z", "latitude": "40.0", "longitude": "-75.0"},
            {"asset": "ASSET-1 (210004)", "timestamp": "2025-05-20T07:05:00Z", "latitude": "40.0", "longitude": "-75.0"},
        },
    }
    rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: %d", rr.Code) }
    var ack struct {
        Accepted int `json:"accepted"`
        Rejected int `json:"rejected"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &ack)
    if ack.Accepted != 1 || ack.Rejected != 1 {
        t.Fatalf("ack: %+v", ack)
    }

    rr = httptest.NewRecorder()
    s.AuditHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/audit?reason=excluded_asset", nil))
    if rr.Code != 200 { t.Fatalf("audit: %d", rr.Code) }
    var resp struct {
        Items []audit.Entry `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &resp)
    if len(resp.Items) != 1 || resp.Items[0].RefID != "ASSET-9" {
        t.Fatalf("audit items: %+v", resp.Items)
    }
}

// brokenStore refuses telemetry writes to exercise the storage-failure path.
type brokenStore struct {
    *store.Memory
}

func (b *brokenStore) InsertTelemetry(ctx context.Context, tenantID string, events []model.TelemetryEvent) (int, error) {
    return 0, errors.New("connection reset")
}

func TestTelemetryStoreFailureIsNotARejection(t *testing.T) {
    s := newTestServer(t)
    s.Store = &brokenStore{Memory: store.NewMemory()}

    body := map[string]any{"rows": []map[string]string{
        {"asset": "ASSET-1 (210003)", "timestamp": "2025-05-20T07:05:00Z", "latitude": "40.0", "longitude": "-75.0"},
    }}
    rr := postJSON(t, s.TelemetryHandler, "/v1/telemetry", body)
    if rr.Code != http.StatusInternalServerError {
        t.Fatalf("store failure must surface as 5xx, got %d: %s", rr.Code, rr.Body.String())
    }
    var prob Problem
    _ = json.Unmarshal(rr.Body.Bytes(), &prob)
    if prob.Title != "Storage failure" {
        t.Fatalf("problem: %+v", prob)
    }
}
