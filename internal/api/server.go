package api

import (
    "context"
    "fmt"
    "net/http"
    "os"
    "strconv"
    "strings"

    "golang.org/x/time/rate"

    "fleetattend/internal/audit"
    "fleetattend/internal/auth"
    "fleetattend/internal/catalog"
    "fleetattend/internal/pipeline"
    "fleetattend/internal/roster"
    "fleetattend/internal/store"
    "fleetattend/internal/webhooks"
)

type Server struct {
    Store   store.Store
    Pub     *webhooks.Publisher
    Auth    *auth.Verifier
    Broker  EventBroker
    Catalog *catalog.Catalog
    Roster  *roster.Roster
    limiter *rate.Limiter
}

// NewServer creates a Server. If DATABASE_URL is unset, uses the in-memory
// store. Reference data (job-site catalog, driver roster, assignments,
// asset feed) is loaded from CATALOG_PATH / DRIVERS_PATH /
// ASSIGNMENTS_PATH / ASSETS_PATH when set; without a catalog the
// finalize endpoint reports 503.
func NewServer() (*Server, error) {
    dsn := os.Getenv("DATABASE_URL")
    var s store.Store
    if strings.TrimSpace(dsn) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(dsn)
        if err != nil {
            return nil, err
        }
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }
    var broker EventBroker
    if os.Getenv("REDIS_URL") != "" {
        if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    srv := &Server{
        Store:   s,
        Pub:     webhooks.NewPublisher(s),
        Auth:    auth.NewVerifierFromEnv(),
        Broker:  broker,
        limiter: rate.NewLimiter(rate.Limit(envFloat("RATE_RPS", 50)), envInt("RATE_BURST", 100)),
    }
    if err := srv.loadReferenceData(); err != nil {
        return nil, err
    }
    return srv, nil
}

func (s *Server) loadReferenceData() error {
    log := audit.NewLog()
    if p := os.Getenv("CATALOG_PATH"); p != "" {
        c, err := catalog.LoadFile(p, log)
        if err != nil { return fmt.Errorf("load catalog: %w", err) }
        s.Catalog = c
    }
    if p := os.Getenv("DRIVERS_PATH"); p != "" {
        raw, err := roster.LoadDriversFile(p)
        if err != nil { return fmt.Errorf("load drivers: %w", err) }
        r, err := roster.New(raw, log)
        if err != nil { return fmt.Errorf("build roster: %w", err) }
        if p2 := os.Getenv("ASSIGNMENTS_PATH"); p2 != "" {
            rows, err := roster.LoadAssignmentsFile(p2)
            if err != nil { return fmt.Errorf("load assignments: %w", err) }
            r.AddAssignments(rows)
        }
        if p2 := os.Getenv("ASSETS_PATH"); p2 != "" {
            rows, err := roster.LoadAssetsFile(p2)
            if err != nil { return fmt.Errorf("load assets: %w", err) }
            r.AddAssets(rows, log)
        }
        s.Roster = r
        _ = s.Store.UpsertDrivers(context.Background(), "default", r.Drivers())
    }
    if entries := log.Entries(); len(entries) > 0 {
        _ = s.Store.AppendAudit(context.Background(), "default", entries)
    }
    return nil
}

// newPipeline builds a run-scoped pipeline sharing the server's reference
// data; each run gets its own audit log.
func (s *Server) newPipeline(log *audit.Log) (*pipeline.Pipeline, error) {
    if s.Catalog == nil || s.Roster == nil {
        return nil, fmt.Errorf("catalog and roster not loaded")
    }
    return &pipeline.Pipeline{Catalog: s.Catalog, Roster: s.Roster, Audit: log, Workers: envInt("PIPELINE_WORKERS", 4)}, nil
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
    tenant := r.Header.Get("X-Tenant-Id")
    if tenant == "" { tenant = "default" }
    ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
    return ctx, tenant
}

type ctxKeyTenant struct{}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}

func envInt(k string, d int) int {
    if v := os.Getenv(k); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { return n }
    }
    return d
}

func envFloat(k string, d float64) float64 {
    if v := os.Getenv(k); v != "" {
        if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 { return f }
    }
    return d
}
