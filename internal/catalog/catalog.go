// Package catalog loads and validates the job-site geofence catalog.
// The catalog is loaded once per run and shared read-only; there is no
// package-level cache.
package catalog

import (
    "encoding/csv"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sort"
    "strconv"
    "strings"

    "fleetattend/internal/audit"
    "fleetattend/internal/model"
)

// ErrEmpty is returned when a catalog source yields no valid sites.
// An unreadable or empty catalog is fatal to a run.
var ErrEmpty = errors.New("catalog: no valid job sites")

// Catalog is a read-only set of validated job sites.
type Catalog struct {
    byJob map[string]model.JobSite
    order []string
}

// Lookup returns the site for a job number.
func (c *Catalog) Lookup(jobNumber string) (model.JobSite, bool) {
    s, ok := c.byJob[jobNumber]
    return s, ok
}

// Sites returns all sites ordered by job number.
func (c *Catalog) Sites() []model.JobSite {
    out := make([]model.JobSite, 0, len(c.order))
    for _, j := range c.order {
        out = append(out, c.byJob[j])
    }
    return out
}

// Len reports the number of valid sites.
func (c *Catalog) Len() int { return len(c.order) }

// siteRow mirrors the external JSON contract (snake_case feed).
type siteRow struct {
    JobNumber string   `json:"job_number"`
    Latitude  float64  `json:"latitude"`
    Longitude float64  `json:"longitude"`
    Radius    float64  `json:"radius"`
    Schedule  ruleRow  `json:"schedule"`
}

type ruleRow struct {
    StartTime        string   `json:"start_time"`
    EndTime          string   `json:"end_time"`
    WorkingDays      []string `json:"working_days"`
    LateThresholdMin int      `json:"late_threshold_minutes"`
    EarlyLeaveMin    int      `json:"early_leave_threshold_minutes"`
    NightWorkAllowed bool     `json:"night_work_allowed"`
    WeekendAllowed   bool     `json:"weekend_allowed"`
}

func (r siteRow) toSite() model.JobSite {
    return model.JobSite{
        JobNumber: r.JobNumber,
        Lat:       r.Latitude,
        Lon:       r.Longitude,
        RadiusM:   r.Radius,
        Rule: model.ShiftRule{
            Start:            r.Schedule.StartTime,
            End:              r.Schedule.EndTime,
            WorkingDays:      r.Schedule.WorkingDays,
            LateThresholdMin: r.Schedule.LateThresholdMin,
            EarlyLeaveMin:    r.Schedule.EarlyLeaveMin,
            NightWorkAllowed: r.Schedule.NightWorkAllowed,
            WeekendAllowed:   r.Schedule.WeekendAllowed,
        },
    }
}

// LoadFile loads a catalog from a .json or .csv file.
func LoadFile(path string, log *audit.Log) (*Catalog, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, fmt.Errorf("catalog: open %s: %w", path, err)
    }
    defer func() { _ = f.Close() }()
    switch strings.ToLower(filepath.Ext(path)) {
    case ".csv":
        return LoadCSV(f, log)
    default:
        return LoadJSON(f, log)
    }
}

// LoadJSON reads a JSON array of site rows.
func LoadJSON(r io.Reader, log *audit.Log) (*Catalog, error) {
    var rows []siteRow
    if err := json.NewDecoder(r).Decode(&rows); err != nil {
        return nil, fmt.Errorf("catalog: decode json: %w", err)
    }
    return build(rows, log)
}

// LoadCSV reads one site per row. Header columns: job_number, latitude,
// longitude, radius, start_time, end_time, working_days (semicolon list),
// late_threshold_minutes, early_leave_threshold_minutes,
// night_work_allowed, weekend_allowed.
func LoadCSV(r io.Reader, log *audit.Log) (*Catalog, error) {
    cr := csv.NewReader(r)
    cr.TrimLeadingSpace = true
    recs, err := cr.ReadAll()
    if err != nil {
        return nil, fmt.Errorf("catalog: read csv: %w", err)
    }
    if len(recs) < 2 {
        return nil, ErrEmpty
    }
    col := map[string]int{}
    for i, h := range recs[0] {
        col[strings.ToLower(strings.TrimSpace(h))] = i
    }
    get := func(row []string, name string) string {
        i, ok := col[name]
        if !ok || i >= len(row) {
            return ""
        }
        return strings.TrimSpace(row[i])
    }
    rows := make([]siteRow, 0, len(recs)-1)
    for _, rec := range recs[1:] {
        lat, _ := strconv.ParseFloat(get(rec, "latitude"), 64)
        lon, _ := strconv.ParseFloat(get(rec, "longitude"), 64)
        rad, _ := strconv.ParseFloat(get(rec, "radius"), 64)
        late, _ := strconv.Atoi(get(rec, "late_threshold_minutes"))
        early, _ := strconv.Atoi(get(rec, "early_leave_threshold_minutes"))
        var days []string
        if v := get(rec, "working_days"); v != "" {
            days = strings.Split(v, ";")
        }
        rows = append(rows, siteRow{
            JobNumber: get(rec, "job_number"),
            Latitude:  lat,
            Longitude: lon,
            Radius:    rad,
            Schedule: ruleRow{
                StartTime:        get(rec, "start_time"),
                EndTime:          get(rec, "end_time"),
                WorkingDays:      days,
                LateThresholdMin: late,
                EarlyLeaveMin:    early,
                NightWorkAllowed: parseBool(get(rec, "night_work_allowed")),
                WeekendAllowed:   parseBool(get(rec, "weekend_allowed")),
            },
        })
    }
    return build(rows, log)
}

func parseBool(s string) bool {
    b, _ := strconv.ParseBool(strings.ToLower(s))
    return b
}

// build validates rows one site at a time; bad sites are audited and
// skipped, never fatal. An entirely empty result is.
func build(rows []siteRow, log *audit.Log) (*Catalog, error) {
    c := &Catalog{byJob: map[string]model.JobSite{}}
    for _, row := range rows {
        site := row.toSite()
        if site.JobNumber == "" {
            log.Reject("catalog", "", audit.ReasonMissingSite, "row without job_number")
            continue
        }
        if site.RadiusM <= 0 {
            log.Reject("catalog", site.JobNumber, audit.ReasonInvalidRadius, fmt.Sprintf("radius %v must be > 0", site.RadiusM))
            continue
        }
        if _, _, ok := site.Rule.Window(); !ok {
            log.Reject("catalog", site.JobNumber, audit.ReasonInvertedSchedule,
                fmt.Sprintf("end %q not after start %q and night work not allowed", site.Rule.End, site.Rule.Start))
            continue
        }
        if site.Rule.LateThresholdMin < 0 || site.Rule.EarlyLeaveMin < 0 {
            log.Reject("catalog", site.JobNumber, audit.ReasonInvertedSchedule, "negative threshold")
            continue
        }
        if _, dup := c.byJob[site.JobNumber]; !dup {
            c.order = append(c.order, site.JobNumber)
        }
        c.byJob[site.JobNumber] = site
    }
    if len(c.order) == 0 {
        return nil, ErrEmpty
    }
    sort.Strings(c.order)
    return c, nil
}

// FromSites builds a catalog from already-validated sites; used by tests
// and by callers that assemble fixtures programmatically.
func FromSites(sites []model.JobSite) *Catalog {
    c := &Catalog{byJob: map[string]model.JobSite{}}
    for _, s := range sites {
        if _, dup := c.byJob[s.JobNumber]; !dup {
            c.order = append(c.order, s.JobNumber)
        }
        c.byJob[s.JobNumber] = s
    }
    sort.Strings(c.order)
    return c
}
