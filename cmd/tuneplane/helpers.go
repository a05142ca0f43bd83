package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"tuneplane/internal/baseline"
	"tuneplane/internal/config"
	"tuneplane/internal/envelope"
	"tuneplane/internal/format"
	"tuneplane/internal/logging"
)

func initLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(rootFlags.logLevel)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logging.Init(level, rootFlags.logFormat)
	return nil
}

func loadPlaneConfig() (config.PlaneConfig, error) {
	if rootFlags.configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromPath(rootFlags.configPath)
}

func tableMode() format.Mode {
	if rootFlags.markdown {
		return format.Markdown
	}
	return format.ASCII
}

// readSnapshot reads a metrics snapshot JSON file: a flat object of
// metric name to value.
func readSnapshot(path string) (baseline.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap baseline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return snap, nil
}

// floatMetrics keeps only the numeric fields of a snapshot, as the
// canary's observation input.
func floatMetrics(snap baseline.Snapshot) map[string]float64 {
	out := map[string]float64{}
	for name, v := range snap {
		switch n := v.(type) {
		case float64:
			out[name] = n
		case int:
			out[name] = float64(n)
		case int64:
			out[name] = float64(n)
		}
	}
	return out
}

// loadEnvelopes reads and merges one or more envelope files.
func loadEnvelopes(paths []string) ([]*envelope.Envelope, error) {
	var out []*envelope.Envelope
	seen := map[string]bool{}
	for _, path := range paths {
		envs, err := envelope.LoadFile(path)
		if err != nil {
			return nil, err
		}
		for i := range envs {
			if seen[envs[i].ModuleID] {
				return nil, fmt.Errorf("duplicate module %q across envelope files", envs[i].ModuleID)
			}
			seen[envs[i].ModuleID] = true
			out = append(out, &envs[i])
		}
	}
	return out, nil
}

// envelopeFor finds the envelope declaring moduleID.
func envelopeFor(envs []*envelope.Envelope, moduleID string) (*envelope.Envelope, bool) {
	for _, env := range envs {
		if env.ModuleID == moduleID {
			return env, true
		}
	}
	return nil, false
}

// writeMetricsFile dumps the registry in Prometheus text format, for
// textfile-collector style scraping.
func writeMetricsFile(reg *prometheus.Registry, path string) error {
	if path == "" {
		return nil
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer f.Close()
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
