package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "fleetattend/internal/audit"
    "fleetattend/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in name order. Files are
// expected to be idempotent (CREATE TABLE IF NOT EXISTS and friends).
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return fmt.Errorf("migrate: %w", err) }
    names := []string{}
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, name := range names {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return fmt.Errorf("migrate %s: %w", name, err) }
        if _, err := p.db.Exec(string(b)); err != nil { return fmt.Errorf("migrate %s: %w", name, err) }
    }
    return nil
}

func (p *Postgres) UpsertDrivers(ctx context.Context, tenantID string, drivers []model.Driver) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func() { _ = tx.Rollback() }()
    for _, d := range drivers {
        _, err = tx.ExecContext(ctx, `INSERT INTO drivers (tenant_id, id, name, status, division)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (tenant_id, id) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status, division=EXCLUDED.division`,
            tenantID, d.ID, d.Name, string(d.Status), d.Division)
        if err != nil { return err }
    }
    return tx.Commit()
}

func (p *Postgres) InsertTelemetry(ctx context.Context, tenantID string, events []model.TelemetryEvent) (int, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return 0, err }
    defer func() { _ = tx.Rollback() }()
    accepted := 0
    for _, ev := range events {
        res, err := tx.ExecContext(ctx, `INSERT INTO telemetry_events (tenant_id, asset_id, ts, driver_id, lat, lon, non_driving)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (tenant_id, asset_id, ts) DO NOTHING`,
            tenantID, ev.AssetID, ev.TS.UTC(), nullIfEmpty(ev.DriverID), floatOrNil(ev.Lat), floatOrNil(ev.Lon), ev.NonDriving)
        if err != nil { return 0, err }
        if n, _ := res.RowsAffected(); n > 0 { accepted++ }
    }
    if err := tx.Commit(); err != nil { return 0, err }
    return accepted, nil
}

func (p *Postgres) ListTelemetryForDates(ctx context.Context, tenantID string, dates []string) ([]model.TelemetryEvent, error) {
    if len(dates) == 0 { return nil, nil }
    rows, err := p.db.QueryContext(ctx, `SELECT asset_id, ts, driver_id, lat, lon, non_driving
        FROM telemetry_events WHERE tenant_id=$1 AND to_char(ts AT TIME ZONE 'UTC','YYYY-MM-DD') = ANY($2) ORDER BY ts`,
        tenantID, dates)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.TelemetryEvent{}
    for rows.Next() {
        var ev model.TelemetryEvent
        var driver sql.NullString
        var lat, lon sql.NullFloat64
        if err := rows.Scan(&ev.AssetID, &ev.TS, &driver, &lat, &lon, &ev.NonDriving); err != nil { return nil, err }
        ev.DriverID = driver.String
        if lat.Valid && lon.Valid {
            la, lo := lat.Float64, lon.Float64
            ev.Lat, ev.Lon = &la, &lo
        }
        out = append(out, ev)
    }
    return out, rows.Err()
}

// UpsertAttendance relies on the primary key (tenant_id, driver_id,
// date): concurrent writers for different keys never block each other,
// writers for the same key serialize on the row.
func (p *Postgres) UpsertAttendance(ctx context.Context, tenantID string, recs []model.AttendanceRecord) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func() { _ = tx.Rollback() }()
    for _, r := range recs {
        _, err = tx.ExecContext(ctx, `INSERT INTO attendance_records
            (tenant_id, driver_id, date, status, minutes_late, minutes_early, first_on_site, last_on_site, job_site, final, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
            ON CONFLICT (tenant_id, driver_id, date) DO UPDATE SET
              status=EXCLUDED.status, minutes_late=EXCLUDED.minutes_late, minutes_early=EXCLUDED.minutes_early,
              first_on_site=EXCLUDED.first_on_site, last_on_site=EXCLUDED.last_on_site,
              job_site=EXCLUDED.job_site, final=EXCLUDED.final, updated_at=now()`,
            tenantID, r.DriverID, r.Date, string(r.Status), r.MinutesLate, r.MinutesEarly,
            timeOrNil(r.FirstOnSite), timeOrNil(r.LastOnSite), nullIfEmpty(r.JobSite), r.Final)
        if err != nil { return err }
    }
    return tx.Commit()
}

func (p *Postgres) GetAttendance(ctx context.Context, tenantID, driverID, date string) (model.AttendanceRecord, error) {
    row := p.db.QueryRowContext(ctx, `SELECT driver_id, date, status, minutes_late, minutes_early, first_on_site, last_on_site, job_site, final
        FROM attendance_records WHERE tenant_id=$1 AND driver_id=$2 AND date=$3`, tenantID, driverID, date)
    r, err := scanRecord(row)
    if errors.Is(err, sql.ErrNoRows) { return model.AttendanceRecord{}, ErrNotFound }
    return r, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (model.AttendanceRecord, error) {
    var r model.AttendanceRecord
    var status string
    var first, last sql.NullTime
    var site sql.NullString
    if err := row.Scan(&r.DriverID, &r.Date, &status, &r.MinutesLate, &r.MinutesEarly, &first, &last, &site, &r.Final); err != nil {
        return model.AttendanceRecord{}, err
    }
    r.Status = model.AttendanceStatus(status)
    if first.Valid { t := first.Time.UTC(); r.FirstOnSite = &t }
    if last.Valid { t := last.Time.UTC(); r.LastOnSite = &t }
    r.JobSite = site.String
    return r, nil
}

func (p *Postgres) ListAttendance(ctx context.Context, tenantID string, q AttendanceQuery) ([]model.AttendanceRecord, string, error) {
    limit := q.Limit
    if limit <= 0 || limit > 1000 { limit = 100 }
    where := []string{"tenant_id=$1"}
    args := []any{tenantID}
    add := func(cond string, v any) {
        args = append(args, v)
        where = append(where, fmt.Sprintf(cond, len(args)))
    }
    if q.DriverID != "" { add("driver_id=$%d", q.DriverID) }
    if q.From != "" { add("date>=$%d", q.From) }
    if q.To != "" { add("date<=$%d", q.To) }
    if q.Cursor != "" { add("(date || '|' || driver_id) > $%d", q.Cursor) }
    args = append(args, limit)
    query := fmt.Sprintf(`SELECT driver_id, date, status, minutes_late, minutes_early, first_on_site, last_on_site, job_site, final
        FROM attendance_records WHERE %s ORDER BY date, driver_id LIMIT $%d`, strings.Join(where, " AND "), len(args))
    rows, err := p.db.QueryContext(ctx, query, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.AttendanceRecord{}
    for rows.Next() {
        r, err := scanRecord(rows)
        if err != nil { return nil, "", err }
        out = append(out, r)
    }
    if err := rows.Err(); err != nil { return nil, "", err }
    next := ""
    if len(out) == limit {
        last := out[len(out)-1]
        next = last.Date + "|" + last.DriverID
    }
    return out, next, nil
}

func (p *Postgres) Summarize(ctx context.Context, tenantID, scope, from, to string) ([]model.SummaryRow, error) {
    var keyExpr string
    join := ""
    switch strings.ToLower(scope) {
    case "site":
        keyExpr = `COALESCE(NULLIF(a.job_site,''),'unassigned')`
    case "division":
        keyExpr = `COALESCE(NULLIF(d.division,''),'unassigned')`
        join = `LEFT JOIN drivers d ON d.tenant_id=a.tenant_id AND d.id=a.driver_id`
    default:
        scope = "driver"
        keyExpr = `a.driver_id`
    }
    where := []string{"a.tenant_id=$1"}
    args := []any{tenantID}
    if from != "" { args = append(args, from); where = append(where, fmt.Sprintf("a.date>=$%d", len(args))) }
    if to != "" { args = append(args, to); where = append(where, fmt.Sprintf("a.date<=$%d", len(args))) }
    query := fmt.Sprintf(`SELECT %s AS k, a.status, count(*) FROM attendance_records a %s WHERE %s GROUP BY k, a.status ORDER BY k`,
        keyExpr, join, strings.Join(where, " AND "))
    rows, err := p.db.QueryContext(ctx, query, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    byKey := map[string]*model.SummaryRow{}
    order := []string{}
    for rows.Next() {
        var key, status string
        var n int
        if err := rows.Scan(&key, &status, &n); err != nil { return nil, err }
        row := byKey[key]
        if row == nil {
            row = &model.SummaryRow{Scope: scope, Key: key, Counts: map[model.AttendanceStatus]int{}}
            byKey[key] = row
            order = append(order, key)
        }
        row.Counts[model.AttendanceStatus(status)] += n
        row.Total += n
    }
    if err := rows.Err(); err != nil { return nil, err }
    out := make([]model.SummaryRow, 0, len(order))
    for _, k := range order {
        row := byKey[k]
        row.Rates = summaryRates(row.Counts, row.Total)
        out = append(out, *row)
    }
    return out, nil
}

func (p *Postgres) AppendAudit(ctx context.Context, tenantID string, entries []audit.Entry) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func() { _ = tx.Rollback() }()
    for _, e := range entries {
        _, err = tx.ExecContext(ctx, `INSERT INTO audit_log (id, tenant_id, ts, stage, ref_id, reason, detail)
            VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
            e.ID, tenantID, e.TS, e.Stage, nullIfEmpty(e.RefID), e.Reason, nullIfEmpty(e.Detail))
        if err != nil { return err }
    }
    return tx.Commit()
}

func (p *Postgres) ListAudit(ctx context.Context, tenantID, stage, reason string, limit int) ([]audit.Entry, error) {
    if limit <= 0 || limit > 5000 { limit = 500 }
    where := []string{"tenant_id=$1"}
    args := []any{tenantID}
    if stage != "" { args = append(args, stage); where = append(where, fmt.Sprintf("stage=$%d", len(args))) }
    if reason != "" { args = append(args, reason); where = append(where, fmt.Sprintf("reason=$%d", len(args))) }
    args = append(args, limit)
    query := fmt.Sprintf(`SELECT id, ts, stage, ref_id, reason, detail FROM audit_log WHERE %s ORDER BY ts LIMIT $%d`,
        strings.Join(where, " AND "), len(args))
    rows, err := p.db.QueryContext(ctx, query, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []audit.Entry{}
    for rows.Next() {
        var e audit.Entry
        var ref, detail sql.NullString
        if err := rows.Scan(&e.ID, &e.TS, &e.Stage, &ref, &e.Reason, &detail); err != nil { return nil, err }
        e.RefID, e.Detail = ref.String, detail.String
        out = append(out, e)
    }
    return out, rows.Err()
}

func (p *Postgres) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
        id, req.TenantID, req.URL, ev, req.Secret)
    if err != nil { return Subscription{}, err }
    return Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]Subscription, error) {
    needle, _ := json.Marshal([]string{eventType})
    rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, secret FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`,
        tenantID, needle)
    if err != nil { return nil, err }
    defer rows.Close()
    return scanSubscriptions(rows, tenantID)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string, limit int) ([]Subscription, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, secret FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`,
        tenantID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    return scanSubscriptions(rows, tenantID)
}

func scanSubscriptions(rows *sql.Rows, tenantID string) ([]Subscription, error) {
    out := []Subscription{}
    for rows.Next() {
        var s Subscription
        var events any
        var secret sql.NullString
        if err := rows.Scan(&s.ID, &s.URL, &events, &secret); err != nil { return nil, err }
        s.TenantID = tenantID
        s.Events = decodeEvents(events)
        s.Secret = secret.String
        out = append(out, s)
    }
    return out, rows.Err()
}

// decodeEvents unpacks the jsonb events column; the pgx stdlib driver
// hands it back as []byte (or string depending on the codec).
func decodeEvents(v any) []string {
    var out []string
    switch b := v.(type) {
    case []byte:
        _ = json.Unmarshal(b, &out)
    case string:
        _ = json.Unmarshal([]byte(b), &out)
    }
    return out
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries
        (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`,
        id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    if limit <= 0 { limit = 50 }
    rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, COALESCE(subscription_id,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
            return nil, err
        }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if success {
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$2, latency_ms=$3, delivered_at=now() WHERE id=$1`,
            id, responseCode, latencyMs)
        return err
    }
    next := time.Now().Add(time.Minute)
    if nextAttemptAt != nil { next = *nextAttemptAt }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5 WHERE id=$1`,
        id, nullIfEmpty(lastError), responseCode, latencyMs, next)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$1`,
        id, nullIfEmpty(lastError), responseCode, latencyMs)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]map[string]any, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    where := []string{"tenant_id=$1"}
    args := []any{tenantID}
    if status != "" { args = append(args, status); where = append(where, fmt.Sprintf("status=$%d", len(args))) }
    args = append(args, limit)
    query := fmt.Sprintf(`SELECT id, event_type, status, attempts, url, COALESCE(last_error,'') FROM webhook_deliveries WHERE %s ORDER BY next_attempt_at LIMIT $%d`,
        strings.Join(where, " AND "), len(args))
    rows, err := p.db.QueryContext(ctx, query, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []map[string]any{}
    for rows.Next() {
        var id, et, st, url, lastErr string
        var attempts int
        if err := rows.Scan(&id, &et, &st, &attempts, &url, &lastErr); err != nil { return nil, err }
        item := map[string]any{"id": id, "eventType": et, "status": st, "attempts": attempts, "url": url}
        if lastErr != "" { item["lastError"] = lastErr }
        out = append(out, item)
    }
    return out, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
func floatOrNil(f *float64) any { if f == nil { return nil }; return *f }
func timeOrNil(t *time.Time) any { if t == nil { return nil }; return t.UTC() }
