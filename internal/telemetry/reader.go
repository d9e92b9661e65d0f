package telemetry

import (
    "encoding/csv"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strings"
)

// ReadFile loads raw pings from a .csv or .json telemetry file.
func ReadFile(path string) ([]RawPing, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
    }
    defer func() { _ = f.Close() }()
    if strings.EqualFold(filepath.Ext(path), ".csv") {
        return ReadCSV(f)
    }
    return ReadJSON(f)
}

// ReadJSON decodes a JSON array of raw ping rows.
func ReadJSON(r io.Reader) ([]RawPing, error) {
    var rows []RawPing
    if err := json.NewDecoder(r).Decode(&rows); err != nil {
        return nil, fmt.Errorf("telemetry: decode json: %w", err)
    }
    return rows, nil
}

// ReadCSV decodes rows with header columns asset, timestamp, latitude,
// longitude, activity (extra columns ignored).
func ReadCSV(r io.Reader) ([]RawPing, error) {
    cr := csv.NewReader(r)
    cr.TrimLeadingSpace = true
    cr.FieldsPerRecord = -1
    recs, err := cr.ReadAll()
    if err != nil {
        return nil, fmt.Errorf("telemetry: read csv: %w", err)
    }
    if len(recs) == 0 {
        return nil, nil
    }
    col := map[string]int{}
    for i, h := range recs[0] {
        col[strings.ToLower(strings.TrimSpace(h))] = i
    }
    get := func(rec []string, name string) string {
        i, ok := col[name]
        if !ok || i >= len(rec) {
            return ""
        }
        return strings.TrimSpace(rec[i])
    }
    out := make([]RawPing, 0, len(recs)-1)
    for _, rec := range recs[1:] {
        out = append(out, RawPing{
            AssetLabel: get(rec, "asset"),
            Timestamp:  get(rec, "timestamp"),
            Latitude:   get(rec, "latitude"),
            Longitude:  get(rec, "longitude"),
            Activity:   get(rec, "activity"),
        })
    }
    return out, nil
}
