package store

import (
    "context"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"

    "fleetattend/internal/audit"
    "fleetattend/internal/model"
)

// Memory is the in-process store used when no DATABASE_URL is set. A
// single mutex serializes writers; per-key upsert atomicity follows.
type Memory struct {
    mu        sync.Mutex
    drivers   map[string]map[string]model.Driver           // tenant -> driverId -> driver
    telemetry map[string]map[string]model.TelemetryEvent   // tenant -> asset|ts -> event
    records   map[string]map[string]model.AttendanceRecord // tenant -> driver|date -> record
    auditLog  map[string][]audit.Entry                     // tenant -> entries
    subs      map[string][]Subscription                    // tenant -> subscriptions
    deliveries map[string]*memDelivery                     // id -> delivery
    deliveryOrder []string
}

func NewMemory() *Memory {
    return &Memory{
        drivers:    map[string]map[string]model.Driver{},
        telemetry:  map[string]map[string]model.TelemetryEvent{},
        records:    map[string]map[string]model.AttendanceRecord{},
        auditLog:   map[string][]audit.Entry{},
        subs:       map[string][]Subscription{},
        deliveries: map[string]*memDelivery{},
    }
}

type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) UpsertDrivers(ctx context.Context, tenantID string, drivers []model.Driver) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.drivers[tenantID] == nil { m.drivers[tenantID] = map[string]model.Driver{} }
    for _, d := range drivers {
        m.drivers[tenantID][d.ID] = d
    }
    return nil
}

func (m *Memory) InsertTelemetry(ctx context.Context, tenantID string, events []model.TelemetryEvent) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.telemetry[tenantID] == nil { m.telemetry[tenantID] = map[string]model.TelemetryEvent{} }
    accepted := 0
    for _, ev := range events {
        key := ev.AssetID + "|" + ev.TS.UTC().Format(time.RFC3339)
        if _, dup := m.telemetry[tenantID][key]; dup { continue }
        m.telemetry[tenantID][key] = ev
        accepted++
    }
    return accepted, nil
}

func (m *Memory) ListTelemetryForDates(ctx context.Context, tenantID string, dates []string) ([]model.TelemetryEvent, error) {
    want := map[string]bool{}
    for _, d := range dates { want[d] = true }
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.TelemetryEvent{}
    for _, ev := range m.telemetry[tenantID] {
        if want[model.DateOf(ev.TS)] { out = append(out, ev) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
    return out, nil
}

func (m *Memory) UpsertAttendance(ctx context.Context, tenantID string, recs []model.AttendanceRecord) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.records[tenantID] == nil { m.records[tenantID] = map[string]model.AttendanceRecord{} }
    for _, r := range recs {
        m.records[tenantID][r.Key()] = r
    }
    return nil
}

func (m *Memory) GetAttendance(ctx context.Context, tenantID, driverID, date string) (model.AttendanceRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.records[tenantID][driverID+"|"+date]
    if !ok { return model.AttendanceRecord{}, ErrNotFound }
    return r, nil
}

func (m *Memory) ListAttendance(ctx context.Context, tenantID string, q AttendanceQuery) ([]model.AttendanceRecord, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    all := make([]model.AttendanceRecord, 0, len(m.records[tenantID]))
    for _, r := range m.records[tenantID] {
        if q.DriverID != "" && r.DriverID != q.DriverID { continue }
        if q.From != "" && r.Date < q.From { continue }
        if q.To != "" && r.Date > q.To { continue }
        all = append(all, r)
    }
    sort.Slice(all, func(i, j int) bool {
        if all[i].Date != all[j].Date { return all[i].Date < all[j].Date }
        return all[i].DriverID < all[j].DriverID
    })
    start := 0
    if q.Cursor != "" {
        for i, r := range all {
            if r.Date+"|"+r.DriverID == q.Cursor { start = i + 1; break }
        }
    }
    limit := q.Limit
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(all) { end = len(all) }
    items := append([]model.AttendanceRecord(nil), all[start:end]...)
    next := ""
    if end < len(all) && end > 0 {
        next = all[end-1].Date + "|" + all[end-1].DriverID
    }
    return items, next, nil
}

func (m *Memory) Summarize(ctx context.Context, tenantID, scope, from, to string) ([]model.SummaryRow, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    rows := map[string]*model.SummaryRow{}
    for _, r := range m.records[tenantID] {
        if from != "" && r.Date < from { continue }
        if to != "" && r.Date > to { continue }
        key := summaryKey(scope, r, m.drivers[tenantID])
        row := rows[key]
        if row == nil {
            row = &model.SummaryRow{Scope: scope, Key: key, Counts: map[model.AttendanceStatus]int{}}
            rows[key] = row
        }
        row.Counts[r.Status]++
        row.Total++
    }
    out := make([]model.SummaryRow, 0, len(rows))
    for _, row := range rows {
        row.Rates = summaryRates(row.Counts, row.Total)
        out = append(out, *row)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out, nil
}

func summaryKey(scope string, r model.AttendanceRecord, drivers map[string]model.Driver) string {
    switch strings.ToLower(scope) {
    case "site":
        if r.JobSite == "" { return "unassigned" }
        return r.JobSite
    case "division":
        if d, ok := drivers[r.DriverID]; ok && d.Division != "" { return d.Division }
        return "unassigned"
    default:
        return r.DriverID
    }
}

func summaryRates(counts map[model.AttendanceStatus]int, total int) map[model.AttendanceStatus]float64 {
    rates := map[model.AttendanceStatus]float64{}
    if total == 0 { return rates }
    for st, n := range counts {
        rates[st] = float64(n) / float64(total)
    }
    return rates
}

func (m *Memory) AppendAudit(ctx context.Context, tenantID string, entries []audit.Entry) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.auditLog[tenantID] = append(m.auditLog[tenantID], entries...)
    return nil
}

func (m *Memory) ListAudit(ctx context.Context, tenantID, stage, reason string, limit int) ([]audit.Entry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 500 }
    out := []audit.Entry{}
    for _, e := range m.auditLog[tenantID] {
        if stage != "" && e.Stage != stage { continue }
        if reason != "" && e.Reason != reason { continue }
        out = append(out, e)
        if len(out) >= limit { break }
    }
    return out, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []Subscription
    for _, s := range m.subs[tenantID] {
        for _, e := range s.Events {
            if e == eventType { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string, limit int) ([]Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 || limit > len(m.subs[tenantID]) { limit = len(m.subs[tenantID]) }
    return append([]Subscription(nil), m.subs[tenantID][:limit]...), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    arr := m.subs[tenantID]
    out := make([]Subscription, 0, len(arr))
    for _, s := range arr {
        if s.ID != id { out = append(out, s) }
    }
    m.subs[tenantID] = out
    return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    m.deliveries[id] = &memDelivery{
        WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
        NextAttemptAt:   time.Now(),
    }
    m.deliveryOrder = append(m.deliveryOrder, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.deliveryOrder {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if d := m.deliveries[id]; d != nil {
        d.Status = "failed"
        d.LastError = lastError
        d.ResponseCode = responseCode
        d.LatencyMs = latencyMs
    }
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    out := []map[string]any{}
    for _, id := range m.deliveryOrder {
        d := m.deliveries[id]
        if d == nil || d.TenantID != tenantID { continue }
        if status != "" && d.Status != status { continue }
        item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
        if d.LastError != "" { item["lastError"] = d.LastError }
        out = append(out, item)
        if len(out) >= limit { break }
    }
    return out, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if d := m.deliveries[id]; d != nil && d.TenantID == tenantID {
        d.Status = "pending"
        d.NextAttemptAt = time.Now()
    }
    return nil
}
