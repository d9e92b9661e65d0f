package model

import (
    "strconv"
    "strings"
)

// ParseClock parses a wall-clock string "HH:MM" or "HH:MM:SS" into minutes
// since midnight. Seconds are truncated. Returns ok=false for anything
// else; callers decide whether that is a per-entity rejection.
func ParseClock(s string) (int, bool) {
    parts := strings.Split(strings.TrimSpace(s), ":")
    if len(parts) != 2 && len(parts) != 3 {
        return 0, false
    }
    h, err := strconv.Atoi(parts[0])
    if err != nil || h < 0 || h > 23 {
        return 0, false
    }
    m, err := strconv.Atoi(parts[1])
    if err != nil || m < 0 || m > 59 {
        return 0, false
    }
    if len(parts) == 3 {
        if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
            return 0, false
        }
    }
    return h*60 + m, true
}

// Window returns the rule's start and end as minutes since midnight on
// the shift's start date. With NightWorkAllowed, an end at or before the
// start is interpreted as crossing midnight and is returned shifted by
// 24h, so end is always after start when ok.
func (r ShiftRule) Window() (startMin, endMin int, ok bool) {
    s, ok1 := ParseClock(r.Start)
    e, ok2 := ParseClock(r.End)
    if !ok1 || !ok2 {
        return 0, 0, false
    }
    if e <= s {
        if !r.NightWorkAllowed {
            return 0, 0, false
        }
        e += 24 * 60
    }
    return s, e, true
}
