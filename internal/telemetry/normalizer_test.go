package telemetry

import (
    "testing"
    "time"

    "fleetattend/internal/audit"
)

var base = time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)

func TestParseTimestampFormats(t *testing.T) {
    cases := []struct {
        in   string
        want string
    }{
        {"2025-05-20T07:15:00Z", "2025-05-20T07:15:00Z"},
        {"2025-05-20 07:15:30", "2025-05-20T07:15:30Z"},
        {"2025-05-20 07:15", "2025-05-20T07:15:00Z"},
        {"05/20/2025 07:15:00 AM", "2025-05-20T07:15:00Z"},
        {"05/20/2025 03:30 PM", "2025-05-20T15:30:00Z"},
        {"05/20/2025 15:30", "2025-05-20T15:30:00Z"},
        {"07:15:00", "2025-05-20T07:15:00Z"}, // anchored to base date
        {"3:04 pm", ""},                      // single-digit hour not accepted
        {"not a time", ""},
        {"", ""},
    }
    for _, c := range cases {
        got, ok := ParseTimestamp(c.in, base)
        if c.want == "" {
            if ok { t.Errorf("ParseTimestamp(%q) should fail, got %v", c.in, got) }
            continue
        }
        if !ok {
            t.Errorf("ParseTimestamp(%q) failed", c.in)
            continue
        }
        if got.Format(time.RFC3339) != c.want {
            t.Errorf("ParseTimestamp(%q) = %s, want %s", c.in, got.Format(time.RFC3339), c.want)
        }
    }
}

func TestSplitAssetLabel(t *testing.T) {
    cases := []struct {
        in          string
        asset, ref string
    }{
        {"ASSET-42 (210003)", "ASSET-42", "210003"},
        {"ASSET-42 - John Smith", "ASSET-42", "John Smith"},
        {"ASSET-42", "ASSET-42", ""},
        {"TRUCK 7 (88)", "TRUCK 7", "88"},
        {"  PAVER-1  ", "PAVER-1", ""},
    }
    for _, c := range cases {
        a, r := SplitAssetLabel(c.in)
        if a != c.asset || r != c.ref {
            t.Errorf("SplitAssetLabel(%q) = (%q, %q), want (%q, %q)", c.in, a, r, c.asset, c.ref)
        }
    }
}

func TestNormalizeDedupIdempotent(t *testing.T) {
    rows := []RawPing{
        {AssetLabel: "A1 (210003)", Timestamp: "2025-05-20T07:00:00Z", Latitude: "40.0", Longitude: "-75.0"},
        {AssetLabel: "A1 (210003)", Timestamp: "2025-05-20T07:00:00Z", Latitude: "40.0", Longitude: "-75.0"},
        {AssetLabel: "A1 (210003)", Timestamp: "2025-05-20T07:05:00Z", Latitude: "40.0", Longitude: "-75.0"},
    }
    log := audit.NewLog()
    n := &Normalizer{BaseDate: base, Audit: log}
    out := n.Normalize(rows)
    if len(out) != 2 {
        t.Fatalf("want 2 after dedup, got %d", len(out))
    }
    if log.CountByReason()[audit.ReasonDuplicateEvent] != 1 {
        t.Fatal("duplicate not audited")
    }
}

func TestNormalizeBadTimestampDropped(t *testing.T) {
    log := audit.NewLog()
    n := &Normalizer{BaseDate: base, Audit: log}
    out := n.Normalize([]RawPing{{AssetLabel: "A1", Timestamp: "garbage"}})
    if len(out) != 0 {
        t.Fatalf("bad timestamp must drop the row, got %d", len(out))
    }
    if log.CountByReason()[audit.ReasonBadTimestamp] != 1 {
        t.Fatal("bad timestamp not audited")
    }
}

func TestNormalizeUnresolvedDriverKept(t *testing.T) {
    log := audit.NewLog()
    n := &Normalizer{BaseDate: base, Audit: log, Resolve: func(string) (string, bool) { return "", false }}
    out := n.Normalize([]RawPing{{AssetLabel: "A1 (999)", Timestamp: "2025-05-20T07:00:00Z", Latitude: "40.0", Longitude: "-75.0"}})
    if len(out) != 1 {
        t.Fatalf("unresolved driver row must be kept, got %d", len(out))
    }
    if out[0].DriverID != "" {
        t.Fatalf("driver id should be empty, got %q", out[0].DriverID)
    }
    if log.CountByReason()[audit.ReasonUnresolvedDriver] != 1 {
        t.Fatal("unresolved driver not audited")
    }
}

func TestNormalizeExcludedAssetDropped(t *testing.T) {
    log := audit.NewLog()
    n := &Normalizer{BaseDate: base, Audit: log, AssetExcluded: func(id string) bool { return id == "A2" }}
    out := n.Normalize([]RawPing{
        {AssetLabel: "A1", Timestamp: "2025-05-20T07:00:00Z", Latitude: "40.0", Longitude: "-75.0"},
        {AssetLabel: "A2", Timestamp: "2025-05-20T07:01:00Z", Latitude: "40.0", Longitude: "-75.0"},
    })
    if len(out) != 1 || out[0].AssetID != "A1" {
        t.Fatalf("excluded asset row must be dropped, got %+v", out)
    }
    if log.CountByReason()[audit.ReasonExcludedAsset] != 1 {
        t.Fatal("excluded asset not audited")
    }
}

func TestNormalizeCoords(t *testing.T) {
    log := audit.NewLog()
    n := &Normalizer{BaseDate: base, Audit: log}
    out := n.Normalize([]RawPing{
        {AssetLabel: "A1", Timestamp: "2025-05-20T07:00:00Z", Latitude: "0", Longitude: "0"},
        {AssetLabel: "A2", Timestamp: "2025-05-20T07:00:00Z", Latitude: "95.0", Longitude: "10.0"},
        {AssetLabel: "A3", Timestamp: "2025-05-20T07:00:00Z"},
    })
    if len(out) != 3 {
        t.Fatalf("degraded rows must be kept, got %d", len(out))
    }
    for i, ev := range out {
        if ev.HasCoords() {
            t.Errorf("event %d should have no coords", i)
        }
    }
    // Null island and out-of-range are audited; fully absent coords are not.
    if log.CountByReason()[audit.ReasonMissingCoords] != 2 {
        t.Fatalf("coord audits: %+v", log.CountByReason())
    }
}

func TestIsNonDriving(t *testing.T) {
    for _, s := range []string{"Non Driving", "non-driving time", "Shop", "in the yard"} {
        if !IsNonDriving(s) { t.Errorf("IsNonDriving(%q) should be true", s) }
    }
    for _, s := range []string{"Driving", "", "on route"} {
        if IsNonDriving(s) { t.Errorf("IsNonDriving(%q) should be false", s) }
    }
}
