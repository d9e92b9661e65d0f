package model

import (
    "strings"
    "time"
)

// EmploymentStatus is the closed set a raw roster status normalizes into.
type EmploymentStatus string

const (
    EmploymentActive     EmploymentStatus = "active"
    EmploymentTerminated EmploymentStatus = "terminated"
    EmploymentResigned   EmploymentStatus = "resigned"
    EmploymentDeceased   EmploymentStatus = "deceased"
    EmploymentInactive   EmploymentStatus = "inactive"
    EmploymentUnknown    EmploymentStatus = "unknown"
)

// Driver is a person from the HR/roster feed. The engine only reads
// status (to filter) and division (for summaries).
type Driver struct {
    ID        string           `json:"driverId"`
    Name      string           `json:"name,omitempty"`
    Status    EmploymentStatus `json:"status"`
    RawStatus string           `json:"rawStatus,omitempty"`
    Division  string           `json:"division,omitempty"`
}

// Asset is a physical vehicle or piece of equipment. Only status and the
// optional embedded driver reference matter here.
type Asset struct {
    ID        string `json:"assetId"`
    Status    string `json:"status,omitempty"`
    DriverRef string `json:"driverRef,omitempty"`
}

// ShiftRule is the schedule attached to a job site.
type ShiftRule struct {
    Start            string   `json:"startTime"` // "07:00" or "07:00:00"
    End              string   `json:"endTime"`
    WorkingDays      []string `json:"workingDays,omitempty"` // "monday".."sunday"
    LateThresholdMin int      `json:"lateThresholdMinutes"`
    EarlyLeaveMin    int      `json:"earlyLeaveThresholdMinutes"`
    NightWorkAllowed bool     `json:"nightWorkAllowed,omitempty"`
    WeekendAllowed   bool     `json:"weekendAllowed,omitempty"`
}

// WorksOn reports whether d is one of the rule's working days. An empty
// WorkingDays list means every day.
func (r ShiftRule) WorksOn(d time.Weekday) bool {
    if len(r.WorkingDays) == 0 {
        return true
    }
    for _, wd := range r.WorkingDays {
        if strings.EqualFold(wd, d.String()) {
            return true
        }
    }
    return false
}

// JobSite is a circular geofence around a job location.
type JobSite struct {
    JobNumber string    `json:"jobNumber"`
    Lat       float64   `json:"latitude"`
    Lon       float64   `json:"longitude"`
    RadiusM   float64   `json:"radius"`
    Rule      ShiftRule `json:"schedule"`
}

// TelemetryEvent is one normalized GPS ping. DriverID is empty when the
// asset label did not resolve to a driver; Lat/Lon are nil when the raw
// row had no usable coordinates.
type TelemetryEvent struct {
    AssetID    string    `json:"assetId"`
    DriverID   string    `json:"driverId,omitempty"`
    TS         time.Time `json:"ts"`
    Lat        *float64  `json:"latitude,omitempty"`
    Lon        *float64  `json:"longitude,omitempty"`
    NonDriving bool      `json:"nonDriving,omitempty"`
}

// HasCoords reports whether the event can be geofence-matched.
func (e TelemetryEvent) HasCoords() bool { return e.Lat != nil && e.Lon != nil }

// MatchedEvent is a TelemetryEvent with its geofence assignment.
// JobSite is empty for off-site (unmatched) events.
type MatchedEvent struct {
    TelemetryEvent
    JobSite   string  `json:"jobSite,omitempty"`
    DistanceM float64 `json:"distanceM,omitempty"`
}

// AttendanceStatus is the daily verdict for a driver.
type AttendanceStatus string

const (
    StatusOnTime     AttendanceStatus = "on_time"
    StatusLate       AttendanceStatus = "late"
    StatusEarlyEnd   AttendanceStatus = "early_end"
    StatusNoShow     AttendanceStatus = "no_show"
    StatusNonDriving AttendanceStatus = "non_driving"
    StatusUnknown    AttendanceStatus = "unknown"
)

// AllStatuses lists every verdict, in precedence order.
var AllStatuses = []AttendanceStatus{StatusNoShow, StatusNonDriving, StatusLate, StatusEarlyEnd, StatusOnTime, StatusUnknown}

// AttendanceRecord is one verdict per (driver, date). Date is the shift's
// start date, formatted YYYY-MM-DD. Final is false for provisional
// records written mid-stream and true once the day is finalized.
type AttendanceRecord struct {
    DriverID     string           `json:"driverId"`
    Date         string           `json:"date"`
    Status       AttendanceStatus `json:"status"`
    MinutesLate  int              `json:"minutesLate"`
    MinutesEarly int              `json:"minutesEarly"`
    FirstOnSite  *time.Time       `json:"firstOnSiteTs,omitempty"`
    LastOnSite   *time.Time       `json:"lastOnSiteTs,omitempty"`
    JobSite      string           `json:"assignedJobSite,omitempty"`
    Final        bool             `json:"final"`
}

// Key identifies the record for upsert purposes.
func (r AttendanceRecord) Key() string { return r.DriverID + "|" + r.Date }

// Assignment is the external scheduling input: which job site a driver
// was expected at on a given date.
type Assignment struct {
    DriverID  string `json:"driverId"`
    Date      string `json:"date"`
    JobNumber string `json:"jobNumber"`
}

// SummaryRow is one group of a DailySummary rollup.
type SummaryRow struct {
    Scope  string                       `json:"scope"` // driver, site, division
    Key    string                       `json:"key"`
    Total  int                          `json:"total"`
    Counts map[AttendanceStatus]int     `json:"counts"`
    Rates  map[AttendanceStatus]float64 `json:"rates"`
}

// DateLayout is the canonical record-date format.
const DateLayout = "2006-01-02"

// DateOf formats a timestamp as a record date in UTC.
func DateOf(t time.Time) string { return t.UTC().Format(DateLayout) }
