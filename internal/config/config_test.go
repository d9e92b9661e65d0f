package config

import (
    "os"
    "path/filepath"
    "testing"
)

func writeRun(t *testing.T, content string) string {
    t.Helper()
    path := filepath.Join(t.TempDir(), "run.yaml")
    if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
        t.Fatal(err)
    }
    return path
}

func TestLoadAppliesDefaults(t *testing.T) {
    path := writeRun(t, `
catalog: sites.json
drivers: drivers.csv
assets: assets.csv
telemetry:
  - day1.csv
date: "2025-05-20"
`)
    r, err := Load(path)
    if err != nil { t.Fatalf("load: %v", err) }
    if r.Out != "out" || r.Workers != 4 || r.Tenant != "default" {
        t.Fatalf("defaults: %+v", r)
    }
    if r.Date != "2025-05-20" || len(r.Telemetry) != 1 || r.Assets != "assets.csv" {
        t.Fatalf("values: %+v", r)
    }
}

func TestLoadValidates(t *testing.T) {
    cases := []string{
        "drivers: d.csv\ntelemetry: [t.csv]\n",  // no catalog
        "catalog: c.json\ntelemetry: [t.csv]\n", // no drivers
        "catalog: c.json\ndrivers: d.csv\n",     // no telemetry
    }
    for _, c := range cases {
        if _, err := Load(writeRun(t, c)); err == nil {
            t.Errorf("config %q should fail validation", c)
        }
    }
}

func TestLoadMissingFile(t *testing.T) {
    if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
        t.Fatal("missing file should error")
    }
}
