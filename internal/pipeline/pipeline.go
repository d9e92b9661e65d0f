// Package pipeline wires the stages together: filter, normalize, match,
// classify, aggregate. Each (driver, date) is classified independently,
// so the classify stage fans out across a worker pool.
package pipeline

import (
    "sort"
    "sync"
    "time"

    "fleetattend/internal/audit"
    "fleetattend/internal/catalog"
    "fleetattend/internal/classify"
    "fleetattend/internal/geofence"
    "fleetattend/internal/metrics"
    "fleetattend/internal/model"
    "fleetattend/internal/roster"
)

// Pipeline holds the per-run reference data. Catalog and Roster are
// read-only after load and shared freely across workers.
type Pipeline struct {
    Catalog *catalog.Catalog
    Roster  *roster.Roster
    Audit   *audit.Log
    Workers int
}

// Result is the closed output of one run.
type Result struct {
    Records   []model.AttendanceRecord
    Matched   []model.MatchedEvent
    Occupancy map[string]map[string]int // site -> date -> on-site ping count
}

// driverDay is one unit of classification work.
type driverDay struct {
    driverID string
    date     string
}

// Run matches the events and classifies every driver-day in scope.
// Scope is the union of assignments on the given dates and the
// driver-days observed in the events; with no dates given, the dates
// present in the events are used. Records are stamped with final.
func (p *Pipeline) Run(dates []string, events []model.TelemetryEvent, final bool) *Result {
    res := &Result{Occupancy: map[string]map[string]int{}}
    if len(dates) == 0 {
        seen := map[string]bool{}
        for _, ev := range events {
            seen[model.DateOf(ev.TS)] = true
        }
        for d := range seen {
            dates = append(dates, d)
        }
        sort.Strings(dates)
    }

    res.Matched = geofence.MatchAll(events, p.Catalog.Sites())

    // Occupancy counts every on-site ping, including events whose driver
    // never resolved; those are excluded from classification only.
    byUnit := map[driverDay][]model.MatchedEvent{}
    inScope := map[string]bool{}
    for _, d := range dates {
        inScope[d] = true
    }
    for _, ev := range res.Matched {
        date := p.shiftDate(ev.DriverID, ev.TS)
        if ev.JobSite != "" {
            metrics.EventsMatched.WithLabelValues("on_site").Inc()
        } else {
            metrics.EventsMatched.WithLabelValues("off_site").Inc()
        }
        if ev.JobSite != "" && inScope[date] {
            if res.Occupancy[ev.JobSite] == nil {
                res.Occupancy[ev.JobSite] = map[string]int{}
            }
            res.Occupancy[ev.JobSite][date]++
        }
        if ev.DriverID == "" || !inScope[date] {
            continue
        }
        if !p.Roster.Active(ev.DriverID) {
            // Filter precedence: telemetry from excluded drivers never
            // reaches classification. The roster pass already audited
            // the exclusion once.
            continue
        }
        u := driverDay{driverID: ev.DriverID, date: date}
        byUnit[u] = append(byUnit[u], ev)
    }

    // Assignment days with zero telemetry still classify (NoShow).
    for _, d := range dates {
        for _, a := range p.Roster.AssignmentsFor(d) {
            u := driverDay{driverID: a.DriverID, date: a.Date}
            if _, ok := byUnit[u]; !ok {
                byUnit[u] = nil
            }
        }
    }

    units := make([]driverDay, 0, len(byUnit))
    for u := range byUnit {
        units = append(units, u)
    }
    sort.Slice(units, func(i, j int) bool {
        if units[i].date != units[j].date {
            return units[i].date < units[j].date
        }
        return units[i].driverID < units[j].driverID
    })

    res.Records = p.classifyAll(units, byUnit, final)
    return res
}

// classifyAll fans the driver-day units out across the worker pool.
// Output order matches the sorted unit order regardless of which goroutine
// ran which unit.
func (p *Pipeline) classifyAll(units []driverDay, byUnit map[driverDay][]model.MatchedEvent, final bool) []model.AttendanceRecord {
    workers := p.Workers
    if workers <= 0 {
        workers = 4
    }
    out := make([]*model.AttendanceRecord, len(units))
    var wg sync.WaitGroup
    idx := make(chan int)
    for w := 0; w < workers; w++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for i := range idx {
                if rec, ok := p.classifyOne(units[i], byUnit[units[i]], final); ok {
                    out[i] = &rec
                }
            }
        }()
    }
    for i := range units {
        idx <- i
    }
    close(idx)
    wg.Wait()
    recs := make([]model.AttendanceRecord, 0, len(units))
    for _, r := range out {
        if r != nil {
            recs = append(recs, *r)
        }
    }
    return recs
}

func (p *Pipeline) classifyOne(u driverDay, events []model.MatchedEvent, final bool) (model.AttendanceRecord, bool) {
    in := classify.Input{DriverID: u.driverID, Date: u.date, Events: events}
    if site, ok := p.Roster.ExpectedSite(u.driverID, u.date); ok {
        in.Site = site
        if js, ok := p.Catalog.Lookup(site); ok {
            rule := js.Rule
            in.Rule = &rule
            if bad, detail := offSchedule(rule, u.date); bad {
                p.Audit.Reject("classify", u.driverID, audit.ReasonNonWorkingDay, detail)
                return model.AttendanceRecord{}, false
            }
        } else {
            p.Audit.Reject("classify", u.driverID, audit.ReasonMissingSite, "assigned site "+site+" not in catalog")
            in.Site = ""
        }
    }
    rec := classify.Day(in)
    rec.Final = final
    return rec, true
}

// offSchedule reports an assignment landing outside the rule's working
// days without the weekend allowance.
func offSchedule(rule model.ShiftRule, date string) (bool, string) {
    day, err := time.Parse(model.DateLayout, date)
    if err != nil {
        return false, ""
    }
    wd := day.Weekday()
    if rule.WorksOn(wd) {
        return false, ""
    }
    if (wd == time.Saturday || wd == time.Sunday) && rule.WeekendAllowed {
        return false, ""
    }
    return true, date + " is a " + wd.String() + ", outside the site's working days"
}

// shiftDate attributes a timestamp to a classification date. Normally
// that is the UTC calendar date; for a driver whose previous day's
// assignment wraps past midnight, early-morning pings up to the wrapped
// end still belong to the previous day's shift.
func (p *Pipeline) shiftDate(driverID string, ts time.Time) string {
    date := model.DateOf(ts)
    if driverID == "" || p.Roster == nil {
        return date
    }
    prev := model.DateOf(ts.AddDate(0, 0, -1))
    site, ok := p.Roster.ExpectedSite(driverID, prev)
    if !ok {
        return date
    }
    js, ok := p.Catalog.Lookup(site)
    if !ok || !js.Rule.NightWorkAllowed {
        return date
    }
    startMin, endMin, ok := js.Rule.Window()
    if !ok || endMin <= 24*60 || startMin >= endMin {
        return date
    }
    minOfDay := ts.UTC().Hour()*60 + ts.UTC().Minute()
    if minOfDay <= endMin-24*60 {
        return prev
    }
    return date
}

// DatesAround returns the date plus the following day; callers use it to
// fetch the telemetry window covering a possible midnight wrap.
func DatesAround(date string) []string {
    day, err := time.Parse(model.DateLayout, date)
    if err != nil {
        return []string{date}
    }
    return []string{date, model.DateOf(day.AddDate(0, 0, 1))}
}
