// Package geofence assigns telemetry events to job sites. Matching is a
// pure function of (event, catalog): no hidden state.
package geofence

import (
    "math"

    "fleetattend/internal/model"
)

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
    const R = 6371000.0
    dLat := (lat2 - lat1) * math.Pi / 180
    dLon := (lon2 - lon1) * math.Pi / 180
    a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
    c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
    return R * c
}

// Match assigns an event to at most one site. Candidates are sites whose
// radius contains the event; ties break by smallest distance, then
// smallest radius (the most specific nested fence wins), then lowest job
// number lexicographically (deterministic, not business-meaningful).
// Events without coordinates are always off-site.
func Match(ev model.TelemetryEvent, sites []model.JobSite) model.MatchedEvent {
    out := model.MatchedEvent{TelemetryEvent: ev}
    if !ev.HasCoords() {
        return out
    }
    found := false
    var best model.JobSite
    var bestDist float64
    for _, s := range sites {
        d := HaversineMeters(*ev.Lat, *ev.Lon, s.Lat, s.Lon)
        if d > s.RadiusM {
            continue
        }
        if !found || closer(d, s, bestDist, best) {
            found, best, bestDist = true, s, d
        }
    }
    if found {
        out.JobSite = best.JobNumber
        out.DistanceM = bestDist
    }
    return out
}

func closer(d float64, s model.JobSite, bestD float64, best model.JobSite) bool {
    if d != bestD {
        return d < bestD
    }
    if s.RadiusM != best.RadiusM {
        return s.RadiusM < best.RadiusM
    }
    return s.JobNumber < best.JobNumber
}

// MatchAll matches a batch against the same site list.
func MatchAll(events []model.TelemetryEvent, sites []model.JobSite) []model.MatchedEvent {
    out := make([]model.MatchedEvent, 0, len(events))
    for _, ev := range events {
        out = append(out, Match(ev, sites))
    }
    return out
}
