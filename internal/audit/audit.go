// Package audit collects rejection records so operators can distinguish
// "no drivers qualified" from "pipeline silently dropped data".
package audit

import (
    "encoding/json"
    "io"
    "sync"
    "time"

    "github.com/google/uuid"
)

// Reasons attached to audit entries by the pipeline stages.
const (
    ReasonInvalidRadius     = "invalid_radius"
    ReasonInvertedSchedule  = "inverted_schedule"
    ReasonBadTimestamp      = "bad_timestamp"
    ReasonDuplicateEvent    = "duplicate_event"
    ReasonUnresolvedDriver  = "unresolved_driver"
    ReasonMissingCoords     = "missing_coordinates"
    ReasonExcludedDriver    = "excluded_driver"
    ReasonExcludedAsset     = "excluded_asset"
    ReasonUnknownStatus     = "unknown_status"
    ReasonMissingSite       = "missing_site"
    ReasonNonWorkingDay     = "non_working_day"
)

// Entry is one structured rejection record.
type Entry struct {
    ID     string    `json:"id"`
    TS     time.Time `json:"ts"`
    Stage  string    `json:"stage"` // catalog, roster, telemetry, classify
    RefID  string    `json:"refId,omitempty"`
    Reason string    `json:"reason"`
    Detail string    `json:"detail,omitempty"`
}

// Log is a concurrency-safe sink for rejection entries. The zero value is
// not usable; construct with NewLog.
type Log struct {
    mu      sync.Mutex
    entries []Entry
}

func NewLog() *Log { return &Log{} }

// Reject appends one entry and returns it (with id and timestamp filled).
func (l *Log) Reject(stage, refID, reason, detail string) Entry {
    e := Entry{ID: uuid.New().String(), TS: time.Now().UTC(), Stage: stage, RefID: refID, Reason: reason, Detail: detail}
    l.mu.Lock()
    l.entries = append(l.entries, e)
    l.mu.Unlock()
    return e
}

// Entries returns a copy of everything rejected so far.
func (l *Log) Entries() []Entry {
    l.mu.Lock()
    defer l.mu.Unlock()
    return append([]Entry(nil), l.entries...)
}

// CountByReason tallies entries per reason string.
func (l *Log) CountByReason() map[string]int {
    l.mu.Lock()
    defer l.mu.Unlock()
    out := map[string]int{}
    for _, e := range l.entries {
        out[e.Reason]++
    }
    return out
}

// WriteJSONL streams entries to w, one JSON object per line.
func (l *Log) WriteJSONL(w io.Writer) error {
    enc := json.NewEncoder(w)
    for _, e := range l.Entries() {
        if err := enc.Encode(e); err != nil {
            return err
        }
    }
    return nil
}
