package api

import (
    "context"
    "encoding/csv"
    "encoding/json"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "fleetattend/internal/audit"
    "fleetattend/internal/metrics"
    "fleetattend/internal/model"
    "fleetattend/internal/pipeline"
    "fleetattend/internal/store"
    "fleetattend/internal/telemetry"
)

// TelemetryHandler handles POST /v1/telemetry: a batch of raw pings is
// normalized, deduped, buffered in the store, and reconciled into
// provisional attendance records.
func (s *Server) TelemetryHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    if !s.limiter.Allow() {
        writeProblem(w, http.StatusTooManyRequests, "Rate limited", "telemetry ingest rate exceeded", r.URL.Path)
        return
    }
    var req struct {
        BaseDate string               `json:"baseDate"`
        Rows     []telemetry.RawPing  `json:"rows"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    ctx, tenant := s.withTenant(r)
    accepted, rejected, events, err := s.ingest(ctx, tenant, req.BaseDate, req.Rows, "batch")
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Storage failure", err.Error(), r.URL.Path)
        return
    }
    if len(events) > 0 {
        s.reconcileProvisional(ctx, tenant, events)
    }
    writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted, "rejected": rejected})
}

// ingest normalizes and stores one batch of raw pings. The audit entries
// produced by normalization are persisted; metrics track both outcomes.
// A non-nil error means the store refused the batch, which is not a
// per-row rejection and surfaces to the caller as such.
func (s *Server) ingest(ctx context.Context, tenant, baseDate string, rows []telemetry.RawPing, source string) (accepted, rejected int, events []model.TelemetryEvent, err error) {
    base := time.Now().UTC()
    if baseDate != "" {
        if d, err := time.Parse(model.DateLayout, baseDate); err == nil { base = d }
    }
    log := audit.NewLog()
    n := &telemetry.Normalizer{BaseDate: base, Audit: log}
    if s.Roster != nil {
        n.Resolve = func(ref string) (string, bool) {
            d, ok := s.Roster.Driver(ref)
            if !ok { return "", false }
            return d.ID, true
        }
        n.AssetExcluded = s.Roster.AssetExcluded
    }
    events = n.Normalize(rows)
    stored, err := s.Store.InsertTelemetry(ctx, tenant, events)
    if err != nil { return 0, 0, nil, fmt.Errorf("buffer telemetry: %w", err) }
    entries := log.Entries()
    if len(entries) > 0 { _ = s.Store.AppendAudit(ctx, tenant, entries) }
    for reason, c := range log.CountByReason() {
        metrics.EventsRejected.WithLabelValues(reason).Add(float64(c))
    }
    metrics.EventsIngested.WithLabelValues(source).Add(float64(stored))
    return stored, len(rows) - len(events), events, nil
}

// reconcileProvisional reruns classification for the driver-days touched
// by a streamed batch and publishes the updated provisional records.
func (s *Server) reconcileProvisional(ctx context.Context, tenant string, events []model.TelemetryEvent) {
    log := audit.NewLog()
    p, err := s.newPipeline(log)
    if err != nil { return }
    dates := map[string]bool{}
    for _, ev := range events { dates[model.DateOf(ev.TS)] = true }
    var all []string
    for d := range dates {
        for _, d2 := range pipeline.DatesAround(d) {
            if !contains(all, d2) { all = append(all, d2) }
        }
    }
    buffered, err := s.Store.ListTelemetryForDates(ctx, tenant, all)
    if err != nil { return }
    keep := make([]string, 0, len(dates))
    for d := range dates { keep = append(keep, d) }
    res := p.Run(keep, buffered, false)
    if len(res.Records) == 0 { return }
    if err := s.Store.UpsertAttendance(ctx, tenant, res.Records); err != nil { return }
    for _, rec := range res.Records {
        s.Broker.Publish("attendance:"+tenant, SSEEvent{Type: "attendance.updated", Data: recordData(rec)})
    }
    if entries := log.Entries(); len(entries) > 0 { _ = s.Store.AppendAudit(ctx, tenant, entries) }
}

// FinalizeHandler handles POST /v1/days/finalize: reconcile one day from
// the buffered telemetry and write final records.
func (s *Server) FinalizeHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    var req struct {
        Date string `json:"date"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if _, err := time.Parse(model.DateLayout, req.Date); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid date", "expected YYYY-MM-DD", r.URL.Path)
        return
    }
    ctx, tenant := s.withTenant(r)
    log := audit.NewLog()
    p, err := s.newPipeline(log)
    if err != nil {
        writeProblem(w, http.StatusServiceUnavailable, "Not configured", err.Error(), r.URL.Path)
        return
    }
    // Night shifts spill past midnight, so fetch the following day too;
    // the pipeline scopes records back to the requested date.
    events, err := s.Store.ListTelemetryForDates(ctx, tenant, pipeline.DatesAround(req.Date))
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Load telemetry failed", err.Error(), r.URL.Path)
        return
    }
    res := p.Run([]string{req.Date}, events, true)
    if err := s.Store.UpsertAttendance(ctx, tenant, res.Records); err != nil {
        writeProblem(w, http.StatusInternalServerError, "Store records failed", err.Error(), r.URL.Path)
        return
    }
    if entries := log.Entries(); len(entries) > 0 { _ = s.Store.AppendAudit(ctx, tenant, entries) }
    counts := map[model.AttendanceStatus]int{}
    for _, rec := range res.Records {
        counts[rec.Status]++
        metrics.Verdicts.WithLabelValues(string(rec.Status)).Inc()
        s.Pub.Emit(ctx, tenant, "attendance.finalized", recordData(rec))
        s.Broker.Publish("attendance:"+tenant, SSEEvent{Type: "attendance.finalized", Data: recordData(rec)})
    }
    writeJSON(w, http.StatusOK, map[string]any{
        "date":     req.Date,
        "records":  len(res.Records),
        "counts":   counts,
        "rejected": log.CountByReason(),
    })
}

// AttendanceHandler handles GET /v1/attendance with filtering and cursor
// pagination.
func (s *Server) AttendanceHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/attendance" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    ctx, tenant := s.withTenant(r)
    q := store.AttendanceQuery{
        DriverID: r.URL.Query().Get("driverId"),
        From:     r.URL.Query().Get("from"),
        To:       r.URL.Query().Get("to"),
        Cursor:   r.URL.Query().Get("cursor"),
        Limit:    queryInt(r, "limit", 100),
    }
    // Drivers only see their own records.
    if pr.Role == "driver" {
        if pr.DriverID == "" { writeProblem(w, 403, "Forbidden", "driver principal missing driver id", r.URL.Path); return }
        q.DriverID = pr.DriverID
    } else if !pr.CanRead() {
        writeProblem(w, 403, "Forbidden", "payroll or admin required", r.URL.Path)
        return
    }
    items, next, err := s.Store.ListAttendance(ctx, tenant, q)
    if err != nil { writeProblem(w, 500, "List attendance failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// AttendanceExportHandler handles GET /v1/attendance/export as CSV.
func (s *Server) AttendanceExportHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanRead() { writeProblem(w, 403, "Forbidden", "payroll or admin required", r.URL.Path); return }
    ctx, tenant := s.withTenant(r)
    q := store.AttendanceQuery{
        DriverID: r.URL.Query().Get("driverId"),
        From:     r.URL.Query().Get("from"),
        To:       r.URL.Query().Get("to"),
        Limit:    10000,
    }
    items, _, err := s.Store.ListAttendance(ctx, tenant, q)
    if err != nil { writeProblem(w, 500, "Export failed", err.Error(), r.URL.Path); return }
    w.Header().Set("Content-Type", "text/csv")
    w.Header().Set("Content-Disposition", `attachment; filename="attendance.csv"`)
    cw := csv.NewWriter(w)
    _ = cw.Write([]string{"driver_id", "date", "status", "minutes_late", "minutes_early", "first_on_site", "last_on_site", "job_site", "final"})
    for _, rec := range items {
        _ = cw.Write(exportRow(rec))
    }
    cw.Flush()
}

func exportRow(rec model.AttendanceRecord) []string {
    first, last := "", ""
    if rec.FirstOnSite != nil { first = rec.FirstOnSite.UTC().Format(time.RFC3339) }
    if rec.LastOnSite != nil { last = rec.LastOnSite.UTC().Format(time.RFC3339) }
    return []string{
        rec.DriverID, rec.Date, string(rec.Status),
        strconv.Itoa(rec.MinutesLate), strconv.Itoa(rec.MinutesEarly),
        first, last, rec.JobSite, strconv.FormatBool(rec.Final),
    }
}

// AttendanceSummaryHandler handles GET /v1/attendance/summary with
// scope=driver|site|division rollups.
func (s *Server) AttendanceSummaryHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanRead() { writeProblem(w, 403, "Forbidden", "payroll or admin required", r.URL.Path); return }
    ctx, tenant := s.withTenant(r)
    scope := r.URL.Query().Get("scope")
    if scope == "" { scope = "driver" }
    rows, err := s.Store.Summarize(ctx, tenant, scope, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
    if err != nil { writeProblem(w, 500, "Summarize failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"scope": scope, "groups": rows})
}

// AttendanceStreamHandler handles GET /v1/attendance/stream as SSE. All
// provisional and finalized record updates for the tenant flow here.
func (s *Server) AttendanceStreamHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanRead() { writeProblem(w, 403, "Forbidden", "payroll or admin required", r.URL.Path); return }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    _, tenant := s.withTenant(r)
    topic := "attendance:" + tenant
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(topic)
    defer s.Broker.Unsubscribe(topic, ch)
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// SitesHandler handles GET /v1/sites: the loaded job-site catalog.
func (s *Server) SitesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if s.Catalog == nil {
        writeProblem(w, http.StatusServiceUnavailable, "Not configured", "no job-site catalog loaded", r.URL.Path)
        return
    }
    writeJSON(w, 200, map[string]any{"items": s.Catalog.Sites()})
}

// AuditHandler handles GET /v1/audit with stage/reason filters.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanRead() { writeProblem(w, 403, "Forbidden", "payroll or admin required", r.URL.Path); return }
    ctx, tenant := s.withTenant(r)
    entries, err := s.Store.ListAudit(ctx, tenant, r.URL.Query().Get("stage"), r.URL.Query().Get("reason"), queryInt(r, "limit", 200))
    if err != nil { writeProblem(w, 500, "List audit failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": entries})
}

// SubscriptionsHandler handles POST and GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        var req store.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.TenantID == "" { _, req.TenantID = s.withTenant(r) }
        if req.URL == "" || len(req.Events) == 0 {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        items, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, queryInt(r, "limit", 100))
        if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
        if err == store.ErrNotFound { writeProblem(w, 404, "Not Found", "no such subscription", r.URL.Path); return }
        writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
        return
    }
    w.WriteHeader(204)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries.
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    items, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, r.URL.Query().Get("status"), queryInt(r, "limit", 100))
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry.
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil {
        writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if err := s.Store.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

func recordData(rec model.AttendanceRecord) map[string]any {
    d := map[string]any{
        "driverId":     rec.DriverID,
        "date":         rec.Date,
        "status":       string(rec.Status),
        "minutesLate":  rec.MinutesLate,
        "minutesEarly": rec.MinutesEarly,
        "final":        rec.Final,
    }
    if rec.JobSite != "" { d["assignedJobSite"] = rec.JobSite }
    if rec.FirstOnSite != nil { d["firstOnSiteTs"] = rec.FirstOnSite.UTC().Format(time.RFC3339) }
    if rec.LastOnSite != nil { d["lastOnSiteTs"] = rec.LastOnSite.UTC().Format(time.RFC3339) }
    return d
}

func queryInt(r *http.Request, name string, d int) int {
    if v := r.URL.Query().Get(name); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { return n }
    }
    return d
}

func contains(ss []string, s string) bool {
    for _, v := range ss {
        if v == s { return true }
    }
    return false
}
