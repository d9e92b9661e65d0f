package main

import (
    "encoding/csv"
    "encoding/json"
    "flag"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "fleetattend/internal/audit"
    "fleetattend/internal/catalog"
    "fleetattend/internal/config"
    "fleetattend/internal/model"
    "fleetattend/internal/pipeline"
    "fleetattend/internal/roster"
    "fleetattend/internal/telemetry"
)

// attend runs one batch reconciliation: load the reference feeds and the
// day's telemetry, classify every driver-day, and write the outputs.
func main() {
    cfgPath := flag.String("config", "run.yaml", "run configuration file")
    date := flag.String("date", "", "override the run date (YYYY-MM-DD)")
    out := flag.String("out", "", "override the output directory")
    flag.Parse()

    cfg, err := config.Load(*cfgPath)
    if err != nil {
        log.Fatalf("load config: %v", err)
    }
    if *date != "" { cfg.Date = *date }
    if *out != "" { cfg.Out = *out }
    if cfg.Date == "" { cfg.Date = model.DateOf(time.Now()) }
    if _, err := time.Parse(model.DateLayout, cfg.Date); err != nil {
        log.Fatalf("invalid date %q: expected YYYY-MM-DD", cfg.Date)
    }

    auditLog := audit.NewLog()

    cat, err := catalog.LoadFile(cfg.Catalog, auditLog)
    if err != nil {
        log.Fatalf("load catalog: %v", err)
    }
    rawDrivers, err := roster.LoadDriversFile(cfg.Drivers)
    if err != nil {
        log.Fatalf("load drivers: %v", err)
    }
    ros, err := roster.New(rawDrivers, auditLog)
    if err != nil {
        log.Fatalf("build roster: %v", err)
    }
    if cfg.Assignments != "" {
        rows, err := roster.LoadAssignmentsFile(cfg.Assignments)
        if err != nil {
            log.Fatalf("load assignments: %v", err)
        }
        ros.AddAssignments(rows)
    }
    if cfg.Assets != "" {
        rows, err := roster.LoadAssetsFile(cfg.Assets)
        if err != nil {
            log.Fatalf("load assets: %v", err)
        }
        ros.AddAssets(rows, auditLog)
    }

    base, _ := time.Parse(model.DateLayout, cfg.Date)
    norm := &telemetry.Normalizer{
        BaseDate:      base,
        Audit:         auditLog,
        AssetExcluded: ros.AssetExcluded,
        Resolve: func(ref string) (string, bool) {
            d, ok := ros.Driver(ref)
            if !ok { return "", false }
            return d.ID, true
        },
    }
    var events []model.TelemetryEvent
    for _, path := range cfg.Telemetry {
        rows, err := telemetry.ReadFile(path)
        if err != nil {
            log.Fatalf("read telemetry %s: %v", path, err)
        }
        events = append(events, norm.Normalize(rows)...)
    }
    log.Printf("loaded %d sites, %d drivers, %d telemetry events", cat.Len(), len(ros.Drivers()), len(events))

    p := &pipeline.Pipeline{Catalog: cat, Roster: ros, Audit: auditLog, Workers: cfg.Workers}
    res := p.Run([]string{cfg.Date}, events, cfg.Finalize)

    if err := writeOutputs(cfg.Out, cfg.Date, res, auditLog); err != nil {
        log.Fatalf("write outputs: %v", err)
    }
    counts := map[model.AttendanceStatus]int{}
    for _, rec := range res.Records { counts[rec.Status]++ }
    log.Printf("wrote %d records to %s (%v)", len(res.Records), cfg.Out, counts)
}

func writeOutputs(dir, date string, res *pipeline.Result, auditLog *audit.Log) error {
    if err := os.MkdirAll(dir, 0o755); err != nil { return err }

    if err := writeJSONFile(filepath.Join(dir, "attendance.json"), res.Records); err != nil { return err }
    if err := writeAttendanceCSV(filepath.Join(dir, "attendance.csv"), res.Records); err != nil { return err }

    counts := map[model.AttendanceStatus]int{}
    for _, rec := range res.Records { counts[rec.Status]++ }
    summary := map[string]any{
        "date":      date,
        "records":   len(res.Records),
        "counts":    counts,
        "rejected":  auditLog.CountByReason(),
        "occupancy": res.Occupancy,
    }
    if err := writeJSONFile(filepath.Join(dir, "summary.json"), summary); err != nil { return err }

    f, err := os.Create(filepath.Join(dir, "audit.jsonl"))
    if err != nil { return err }
    defer func() { _ = f.Close() }()
    return auditLog.WriteJSONL(f)
}

func writeJSONFile(path string, v any) error {
    f, err := os.Create(path)
    if err != nil { return err }
    defer func() { _ = f.Close() }()
    enc := json.NewEncoder(f)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func writeAttendanceCSV(path string, recs []model.AttendanceRecord) error {
    f, err := os.Create(path)
    if err != nil { return err }
    defer func() { _ = f.Close() }()
    w := csv.NewWriter(f)
    if err := w.Write([]string{"driver_id", "date", "status", "minutes_late", "minutes_early", "first_on_site", "last_on_site", "job_site", "final"}); err != nil { return err }
    for _, rec := range recs {
        first, last := "", ""
        if rec.FirstOnSite != nil { first = rec.FirstOnSite.UTC().Format(time.RFC3339) }
        if rec.LastOnSite != nil { last = rec.LastOnSite.UTC().Format(time.RFC3339) }
        row := []string{
            rec.DriverID, rec.Date, string(rec.Status),
            strconv.Itoa(rec.MinutesLate), strconv.Itoa(rec.MinutesEarly),
            first, last, rec.JobSite, strconv.FormatBool(rec.Final),
        }
        if err := w.Write(row); err != nil { return err }
    }
    w.Flush()
    return w.Error()
}
