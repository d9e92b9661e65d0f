// Package roster applies the active-entity filter to the driver/asset
// feeds and loads the per-driver-day job-site assignment schedule.
package roster

import (
    "encoding/csv"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strings"

    "fleetattend/internal/audit"
    "fleetattend/internal/model"
)

// ErrEmpty is returned when the roster feed has no rows at all; a run
// cannot proceed without a roster.
var ErrEmpty = errors.New("roster: empty feed")

// NormalizeStatus maps a free-text employment status onto the closed set.
// Matching is case-insensitive and keys on family keywords, so "Temp
// Term" and "TERMINATED 5/1" both land in the terminated family. Unknown
// strings map to EmploymentUnknown, never silently to active.
func NormalizeStatus(raw string) model.EmploymentStatus {
    s := strings.ToLower(strings.TrimSpace(raw))
    switch {
    case s == "":
        return model.EmploymentUnknown
    case strings.Contains(s, "term"):
        return model.EmploymentTerminated
    case strings.Contains(s, "resign") || strings.Contains(s, "quit"):
        return model.EmploymentResigned
    case strings.Contains(s, "deceas") || strings.Contains(s, "death"):
        return model.EmploymentDeceased
    case strings.Contains(s, "inactive") || strings.Contains(s, "disposed") || strings.Contains(s, "decommission"):
        return model.EmploymentInactive
    case strings.Contains(s, "active") || strings.Contains(s, "current") || strings.Contains(s, "employed"):
        return model.EmploymentActive
    default:
        return model.EmploymentUnknown
    }
}

// Excluded reports whether a normalized status is filtered out of the run.
func Excluded(st model.EmploymentStatus) bool {
    switch st {
    case model.EmploymentTerminated, model.EmploymentInactive, model.EmploymentResigned, model.EmploymentDeceased:
        return true
    }
    return false
}

// Roster is the filtered driver set for one run plus the assignment
// schedule. Excluded drivers are not present at all.
type Roster struct {
    drivers        map[string]model.Driver
    assignments    map[string]string // driverId|date -> jobNumber
    excludedAssets map[string]bool
}

// Active reports whether driverID survived the filter.
func (r *Roster) Active(driverID string) bool {
    _, ok := r.drivers[driverID]
    return ok
}

// Driver returns the filtered driver record.
func (r *Roster) Driver(driverID string) (model.Driver, bool) {
    d, ok := r.drivers[driverID]
    return d, ok
}

// Drivers returns all active drivers (map iteration order).
func (r *Roster) Drivers() []model.Driver {
    out := make([]model.Driver, 0, len(r.drivers))
    for _, d := range r.drivers {
        out = append(out, d)
    }
    return out
}

// ExpectedSite returns the job number the driver was scheduled at on the
// date, if any. The schedule is an explicit external input; it is never
// derived from telemetry.
func (r *Roster) ExpectedSite(driverID, date string) (string, bool) {
    j, ok := r.assignments[driverID+"|"+date]
    return j, ok
}

// AssignmentsFor returns every assignment on the date.
func (r *Roster) AssignmentsFor(date string) []model.Assignment {
    var out []model.Assignment
    for k, j := range r.assignments {
        i := strings.IndexByte(k, '|')
        if i > 0 && k[i+1:] == date {
            out = append(out, model.Assignment{DriverID: k[:i], Date: date, JobNumber: j})
        }
    }
    return out
}

// New builds a roster from raw driver rows, filtering before any
// telemetry is touched. Each exclusion is audited; unknown statuses are
// kept but flagged for review.
func New(raw []model.Driver, log *audit.Log) (*Roster, error) {
    if len(raw) == 0 {
        return nil, ErrEmpty
    }
    r := &Roster{drivers: map[string]model.Driver{}, assignments: map[string]string{}, excludedAssets: map[string]bool{}}
    for _, d := range raw {
        d.Status = NormalizeStatus(d.RawStatus)
        if Excluded(d.Status) {
            log.Reject("roster", d.ID, audit.ReasonExcludedDriver, fmt.Sprintf("status %q normalized to %s", d.RawStatus, d.Status))
            continue
        }
        if d.Status == model.EmploymentUnknown {
            log.Reject("roster", d.ID, audit.ReasonUnknownStatus, fmt.Sprintf("status %q not recognized; driver kept", d.RawStatus))
        }
        r.drivers[d.ID] = d
    }
    return r, nil
}

// AddAssignments merges schedule rows for drivers that passed the filter.
// Assignments for excluded drivers are dropped (they are already audited
// from the roster pass).
func (r *Roster) AddAssignments(rows []model.Assignment) {
    for _, a := range rows {
        if a.DriverID == "" || a.Date == "" || a.JobNumber == "" {
            continue
        }
        if !r.Active(a.DriverID) {
            continue
        }
        r.assignments[a.DriverID+"|"+a.Date] = a.JobNumber
    }
}

// AddAssets applies the active-entity filter to the asset feed. Excluded
// assets are audited once and remembered so their telemetry can be
// dropped before matching.
func (r *Roster) AddAssets(raw []model.Asset, log *audit.Log) {
    for _, a := range raw {
        if a.ID == "" {
            continue
        }
        if Excluded(NormalizeStatus(a.Status)) {
            log.Reject("roster", a.ID, audit.ReasonExcludedAsset, fmt.Sprintf("asset status %q", a.Status))
            r.excludedAssets[a.ID] = true
        }
    }
}

// AssetExcluded reports whether the asset feed excluded this asset.
func (r *Roster) AssetExcluded(assetID string) bool {
    return r.excludedAssets[assetID]
}

// LoadAssetsFile reads the asset feed: CSV or JSON rows of
// {asset_id, status, driver_ref}.
func LoadAssetsFile(path string) ([]model.Asset, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, fmt.Errorf("roster: open %s: %w", path, err)
    }
    defer func() { _ = f.Close() }()
    if strings.EqualFold(filepath.Ext(path), ".csv") {
        recs, col, err := readCSV(f)
        if err != nil {
            return nil, fmt.Errorf("roster: read csv: %w", err)
        }
        out := make([]model.Asset, 0, len(recs))
        for _, rec := range recs {
            out = append(out, model.Asset{
                ID:        cell(rec, col, "asset_id"),
                Status:    cell(rec, col, "status"),
                DriverRef: cell(rec, col, "driver_ref"),
            })
        }
        return out, nil
    }
    var rows []struct {
        AssetID   string `json:"asset_id"`
        Status    string `json:"status"`
        DriverRef string `json:"driver_ref"`
    }
    if err := json.NewDecoder(f).Decode(&rows); err != nil {
        return nil, fmt.Errorf("roster: decode json: %w", err)
    }
    out := make([]model.Asset, 0, len(rows))
    for _, row := range rows {
        out = append(out, model.Asset{ID: row.AssetID, Status: row.Status, DriverRef: row.DriverRef})
    }
    return out, nil
}

// LoadDriversFile reads the roster feed from a .json or .csv file.
// JSON: array of {driver_id, name, status, division}. CSV: same columns.
func LoadDriversFile(path string) ([]model.Driver, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, fmt.Errorf("roster: open %s: %w", path, err)
    }
    defer func() { _ = f.Close() }()
    if strings.EqualFold(filepath.Ext(path), ".csv") {
        return readDriversCSV(f)
    }
    return readDriversJSON(f)
}

type driverRow struct {
    DriverID string `json:"driver_id"`
    Name     string `json:"name"`
    Status   string `json:"status"`
    Division string `json:"division"`
}

func readDriversJSON(r io.Reader) ([]model.Driver, error) {
    var rows []driverRow
    if err := json.NewDecoder(r).Decode(&rows); err != nil {
        return nil, fmt.Errorf("roster: decode json: %w", err)
    }
    out := make([]model.Driver, 0, len(rows))
    for _, row := range rows {
        out = append(out, model.Driver{ID: row.DriverID, Name: row.Name, RawStatus: row.Status, Division: row.Division})
    }
    return out, nil
}

func readDriversCSV(r io.Reader) ([]model.Driver, error) {
    recs, col, err := readCSV(r)
    if err != nil {
        return nil, fmt.Errorf("roster: read csv: %w", err)
    }
    out := make([]model.Driver, 0, len(recs))
    for _, rec := range recs {
        out = append(out, model.Driver{
            ID:        cell(rec, col, "driver_id"),
            Name:      cell(rec, col, "name"),
            RawStatus: cell(rec, col, "status"),
            Division:  cell(rec, col, "division"),
        })
    }
    return out, nil
}

// LoadAssignmentsFile reads the expected-site schedule: CSV or JSON rows
// of {driver_id, date, job_number}.
func LoadAssignmentsFile(path string) ([]model.Assignment, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, fmt.Errorf("roster: open %s: %w", path, err)
    }
    defer func() { _ = f.Close() }()
    if strings.EqualFold(filepath.Ext(path), ".csv") {
        recs, col, err := readCSV(f)
        if err != nil {
            return nil, fmt.Errorf("roster: read csv: %w", err)
        }
        out := make([]model.Assignment, 0, len(recs))
        for _, rec := range recs {
            out = append(out, model.Assignment{
                DriverID:  cell(rec, col, "driver_id"),
                Date:      cell(rec, col, "date"),
                JobNumber: cell(rec, col, "job_number"),
            })
        }
        return out, nil
    }
    var rows []struct {
        DriverID  string `json:"driver_id"`
        Date      string `json:"date"`
        JobNumber string `json:"job_number"`
    }
    if err := json.NewDecoder(f).Decode(&rows); err != nil {
        return nil, fmt.Errorf("roster: decode json: %w", err)
    }
    out := make([]model.Assignment, 0, len(rows))
    for _, row := range rows {
        out = append(out, model.Assignment{DriverID: row.DriverID, Date: row.Date, JobNumber: row.JobNumber})
    }
    return out, nil
}

func readCSV(r io.Reader) (rows [][]string, col map[string]int, err error) {
    cr := csv.NewReader(r)
    cr.TrimLeadingSpace = true
    recs, err := cr.ReadAll()
    if err != nil {
        return nil, nil, err
    }
    if len(recs) == 0 {
        return nil, nil, ErrEmpty
    }
    col = map[string]int{}
    for i, h := range recs[0] {
        col[strings.ToLower(strings.TrimSpace(h))] = i
    }
    return recs[1:], col, nil
}

func cell(rec []string, col map[string]int, name string) string {
    i, ok := col[name]
    if !ok || i >= len(rec) {
        return ""
    }
    return strings.TrimSpace(rec[i])
}
