// Package classify turns one driver-day of matched events plus the
// expected site's shift rule into an attendance verdict.
package classify

import (
    "math"
    "time"

    "fleetattend/internal/model"
)

// Input is everything the classifier may look at for one driver-day.
// Events must already be scoped to the shift window (for night shifts,
// the window runs from the start date into the next morning). Site is
// the externally scheduled expected job site; it is never derived from
// the events themselves.
type Input struct {
    DriverID string
    Date     string // shift start date, YYYY-MM-DD
    Site     string // expected job site; empty = none configured
    Rule     *model.ShiftRule
    Events   []model.MatchedEvent
}

// Day classifies one driver-day. Pure function: identical inputs yield
// identical records. Verdict precedence is a fixed policy:
// NoShow > NonDriving > Late > EarlyEnd > OnTime > Unknown.
func Day(in Input) model.AttendanceRecord {
    rec := model.AttendanceRecord{DriverID: in.DriverID, Date: in.Date, JobSite: in.Site}

    if len(in.Events) == 0 {
        rec.Status = model.StatusNoShow
        return rec
    }
    for _, ev := range in.Events {
        if ev.NonDriving {
            rec.Status = model.StatusNonDriving
            return rec
        }
    }
    if in.Site == "" || in.Rule == nil {
        rec.Status = model.StatusUnknown
        return rec
    }

    first, last := onSiteSpan(in.Events, in.Site)
    rec.FirstOnSite, rec.LastOnSite = first, last
    if first == nil || last == nil {
        // Activity happened, but never inside the expected fence.
        rec.Status = model.StatusUnknown
        return rec
    }

    startMin, endMin, ok := in.Rule.Window()
    if !ok {
        rec.Status = model.StatusUnknown
        return rec
    }
    day, err := time.Parse(model.DateLayout, in.Date)
    if err != nil {
        rec.Status = model.StatusUnknown
        return rec
    }
    schedStart := day.Add(time.Duration(startMin) * time.Minute)
    schedEnd := day.Add(time.Duration(endMin) * time.Minute)

    late := first.After(schedStart.Add(time.Duration(in.Rule.LateThresholdMin) * time.Minute))
    early := last.Before(schedEnd.Add(-time.Duration(in.Rule.EarlyLeaveMin) * time.Minute))
    if late {
        rec.MinutesLate = wholeMinutes(first.Sub(schedStart))
    }
    if early {
        // Stored even when the verdict ends up Late, so a different
        // downstream precedence can be applied without re-running.
        rec.MinutesEarly = wholeMinutes(schedEnd.Sub(*last))
    }

    switch {
    case late:
        rec.Status = model.StatusLate
    case early:
        rec.Status = model.StatusEarlyEnd
    default:
        rec.Status = model.StatusOnTime
    }
    return rec
}

// onSiteSpan returns the earliest and latest event timestamps matched to
// the expected site.
func onSiteSpan(events []model.MatchedEvent, site string) (first, last *time.Time) {
    for _, ev := range events {
        if ev.JobSite != site {
            continue
        }
        ts := ev.TS
        if first == nil || ts.Before(*first) {
            t := ts
            first = &t
        }
        if last == nil || ts.After(*last) {
            t := ts
            last = &t
        }
    }
    return first, last
}

func wholeMinutes(d time.Duration) int {
    m := int(math.Round(d.Minutes()))
    if m < 0 {
        return 0
    }
    return m
}
