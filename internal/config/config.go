// Package config loads the YAML run configuration for the batch CLI.
package config

import (
    "fmt"
    "os"

    "gopkg.in/yaml.v3"
)

// Run describes one batch reconciliation run: where the input feeds
// live and how to process them.
type Run struct {
    Catalog     string   `yaml:"catalog"`
    Drivers     string   `yaml:"drivers"`
    Assignments string   `yaml:"assignments"`
    Assets      string   `yaml:"assets"`
    Telemetry   []string `yaml:"telemetry"`
    Date        string   `yaml:"date"`
    Out         string   `yaml:"out"`
    Workers     int      `yaml:"workers"`
    Tenant      string   `yaml:"tenant"`
    Finalize    bool     `yaml:"finalize"`
}

func Load(path string) (Run, error) {
    var r Run
    b, err := os.ReadFile(path)
    if err != nil { return r, err }
    if err := yaml.Unmarshal(b, &r); err != nil {
        return r, fmt.Errorf("parse %s: %w", path, err)
    }
    r.applyDefaults()
    return r, r.validate()
}

func (r *Run) applyDefaults() {
    if r.Out == "" { r.Out = "out" }
    if r.Workers <= 0 { r.Workers = 4 }
    if r.Tenant == "" { r.Tenant = "default" }
}

func (r *Run) validate() error {
    if r.Catalog == "" { return fmt.Errorf("catalog path is required") }
    if r.Drivers == "" { return fmt.Errorf("drivers path is required") }
    if len(r.Telemetry) == 0 { return fmt.Errorf("at least one telemetry path is required") }
    return nil
}
