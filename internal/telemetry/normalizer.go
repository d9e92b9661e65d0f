// Package telemetry normalizes heterogeneous raw GPS ping rows into
// canonical TelemetryEvents.
package telemetry

import (
    "regexp"
    "strconv"
    "strings"
    "time"

    "fleetattend/internal/audit"
    "fleetattend/internal/model"
)

// RawPing is one unparsed telemetry row as received from a file or feed.
type RawPing struct {
    AssetLabel string `json:"asset"`
    Timestamp  string `json:"timestamp"`
    Latitude   string `json:"latitude,omitempty"`
    Longitude  string `json:"longitude,omitempty"`
    Activity   string `json:"activity,omitempty"`
}

// tsFormats is the single ordered list of accepted timestamp layouts.
// Full datetimes first, then time-of-day layouts that get combined with
// the batch's base date. First successful parse wins.
var tsFormats = []string{
    time.RFC3339,
    "2006-01-02 15:04:05",
    "2006-01-02 15:04",
    "01/02/2006 03:04:05 PM",
    "01/02/2006 03:04 PM",
    "01/02/2006 15:04:05",
    "01/02/2006 15:04",
}

var timeOnlyFormats = []string{
    "15:04:05",
    "15:04",
    "03:04:05 PM",
    "03:04 PM",
}

// ParseTimestamp tries the ordered format list. Time-only inputs are
// anchored to base's date. The bool result replaces exception-driven
// control flow; a false return means the row should be dropped.
func ParseTimestamp(s string, base time.Time) (time.Time, bool) {
    s = strings.TrimSpace(s)
    if s == "" {
        return time.Time{}, false
    }
    for _, f := range tsFormats {
        if t, err := time.Parse(f, s); err == nil {
            return t.UTC(), true
        }
    }
    for _, f := range timeOnlyFormats {
        if t, err := time.Parse(f, strings.ToUpper(s)); err == nil {
            return time.Date(base.Year(), base.Month(), base.Day(),
                t.Hour(), t.Minute(), t.Second(), 0, time.UTC), true
        }
    }
    return time.Time{}, false
}

var parenIDRe = regexp.MustCompile(`^\s*(.+?)\s*\((\d+)\)\s*$`)

// SplitAssetLabel extracts the embedded driver reference from an asset
// label. Tries a parenthetical numeric id first ("ASSET-42 (210003)"),
// then a spaced-dash trailing name ("ASSET-42 - John Smith"; the bare
// dash in "ASSET-42" does not split), else the whole token is the asset
// id with no driver reference.
func SplitAssetLabel(label string) (assetID, driverRef string) {
    label = strings.TrimSpace(label)
    if m := parenIDRe.FindStringSubmatch(label); m != nil {
        return m[1], m[2]
    }
    if i := strings.LastIndex(label, " - "); i > 0 {
        return strings.TrimSpace(label[:i]), strings.TrimSpace(label[i+3:])
    }
    return label, ""
}

// Normalizer turns raw pings into canonical events. Resolve maps a
// driver reference (numeric id or name) to a driver id; a nil Resolve
// keeps numeric references as ids and drops name-only references to
// the empty driver id.
type Normalizer struct {
    BaseDate time.Time
    Resolve  func(ref string) (string, bool)
    // AssetExcluded, when set, drops rows from assets the active-entity
    // filter removed (disposed or decommissioned equipment).
    AssetExcluded func(assetID string) bool
    Audit         *audit.Log
}

// Normalize parses, degrades, and deduplicates a batch. Events with an
// unresolved driver are kept (site-occupancy only); events with an
// unparseable timestamp or from an excluded asset are dropped; all
// outcomes are audited.
// Duplicate (asset, timestamp) rows coalesce to the first occurrence,
// so re-ingesting a batch is idempotent.
func (n *Normalizer) Normalize(rows []RawPing) []model.TelemetryEvent {
    seen := map[string]bool{}
    out := make([]model.TelemetryEvent, 0, len(rows))
    for _, row := range rows {
        assetID, ref := SplitAssetLabel(row.AssetLabel)
        if n.AssetExcluded != nil && n.AssetExcluded(assetID) {
            n.Audit.Reject("telemetry", assetID, audit.ReasonExcludedAsset, "asset excluded by roster")
            continue
        }
        ts, ok := ParseTimestamp(row.Timestamp, n.BaseDate)
        if !ok {
            n.Audit.Reject("telemetry", assetID, audit.ReasonBadTimestamp, row.Timestamp)
            continue
        }
        key := assetID + "|" + ts.Format(time.RFC3339)
        if seen[key] {
            n.Audit.Reject("telemetry", assetID, audit.ReasonDuplicateEvent, key)
            continue
        }
        seen[key] = true

        ev := model.TelemetryEvent{AssetID: assetID, TS: ts, NonDriving: IsNonDriving(row.Activity)}
        ev.DriverID = n.resolveRef(ref)
        if ev.DriverID == "" && ref != "" {
            n.Audit.Reject("telemetry", assetID, audit.ReasonUnresolvedDriver, ref)
        }
        if lat, lon, ok := parseCoords(row.Latitude, row.Longitude); ok {
            ev.Lat, ev.Lon = &lat, &lon
        } else if row.Latitude != "" || row.Longitude != "" {
            n.Audit.Reject("telemetry", assetID, audit.ReasonMissingCoords, row.Latitude+","+row.Longitude)
        }
        out = append(out, ev)
    }
    return out
}

func (n *Normalizer) resolveRef(ref string) string {
    if ref == "" {
        return ""
    }
    if n.Resolve != nil {
        if id, ok := n.Resolve(ref); ok {
            return id
        }
        return ""
    }
    if isNumeric(ref) {
        return ref
    }
    return ""
}

func isNumeric(s string) bool {
    if s == "" {
        return false
    }
    for _, r := range s {
        if r < '0' || r > '9' {
            return false
        }
    }
    return true
}

func parseCoords(latS, lonS string) (lat, lon float64, ok bool) {
    lat, err1 := strconv.ParseFloat(strings.TrimSpace(latS), 64)
    lon, err2 := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
    if err1 != nil || err2 != nil {
        return 0, 0, false
    }
    // (0,0) is the null island sentinel some feeds emit for "no fix".
    if lat == 0 && lon == 0 {
        return 0, 0, false
    }
    if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
        return 0, 0, false
    }
    return lat, lon, true
}

// IsNonDriving maps the free-text activity field to the explicit
// non-driving flag used by the classifier.
func IsNonDriving(activity string) bool {
    a := strings.ToLower(activity)
    return strings.Contains(a, "non driving") || strings.Contains(a, "non-driving") ||
        strings.Contains(a, "nondriving") || strings.Contains(a, "shop") || strings.Contains(a, "yard")
}
