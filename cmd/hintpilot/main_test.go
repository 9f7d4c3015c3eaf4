package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hintpilot/internal/arm"
	"hintpilot/internal/model"
	"hintpilot/internal/selector"

	"github.com/google/go-cmp/cmp"
)

func TestReadStatement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.sql")
	if err := os.WriteFile(path, []byte("  SELECT 2;\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tests := []struct {
		name    string
		args    []string
		file    string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "argument", args: []string{"SELECT 1"}, want: "SELECT 1"},
		{name: "file", file: path, want: "SELECT 2;"},
		{name: "stdin", file: "-", stdin: "SELECT 3\n", want: "SELECT 3"},
		{name: "both", args: []string{"SELECT 1"}, file: path, wantErr: true},
		{name: "empty", args: []string{"   "}, wantErr: true},
		{name: "missing file", file: filepath.Join(dir, "nope.sql"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readStatement(tt.args, tt.file, strings.NewReader(tt.stdin))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("readStatement() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestWriteDecision(t *testing.T) {
	cat, err := arm.NewCatalog(arm.Postgres)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	a, _ := cat.Arm(2)
	d := selector.Decision{
		Arm:         a,
		Reason:      selector.ReasonModel,
		Predictions: []float64{12, math.NaN(), 3.5, math.Inf(1), 40},
	}

	var buf bytes.Buffer
	if err := writeDecision(&buf, d, true); err != nil {
		t.Fatalf("writeDecision: %v", err)
	}
	var got struct {
		Arm         int               `json:"arm"`
		Hints       map[string]string `json:"hints"`
		Reason      string            `json:"reason"`
		Predictions []*float64        `json:"predictions"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.Arm != 2 || got.Reason != selector.ReasonModel {
		t.Fatalf("unexpected decision: %+v", got)
	}
	if diff := cmp.Diff(a.Hints(), got.Hints); diff != "" {
		t.Fatalf("hints mismatch (-want +got):\n%s", diff)
	}
	if len(got.Predictions) != 5 || got.Predictions[1] != nil || got.Predictions[3] != nil || *got.Predictions[2] != 3.5 {
		t.Fatalf("unexpected predictions: %v", got.Predictions)
	}

	buf.Reset()
	if err := writeDecision(&buf, d, false); err != nil {
		t.Fatalf("writeDecision: %v", err)
	}
	if strings.Contains(buf.String(), "predictions") || strings.Contains(buf.String(), "reason") {
		t.Fatalf("plain output should only carry the hint set:\n%s", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "hintpilot "+version {
		t.Fatalf("unexpected version output %q", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != "postgresql" || cfg.Model.Name != "bao" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := loadConfig(&rootOptions{configPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestProbeCacheFollowsTrainedModel(t *testing.T) {
	trained := func(needsCache bool) *model.Regression {
		m := model.NewRegression(needsCache, 1e-3)
		m.Trained = true
		return m
	}
	tests := []struct {
		name       string
		configured bool
		m          *model.Regression
		want       bool
	}{
		{name: "no model", configured: true, m: nil, want: true},
		{name: "fresh model keeps config", configured: false, m: model.NewRegression(true, 1e-3), want: false},
		{name: "cache-trained model overrides", configured: false, m: trained(true), want: true},
		{name: "cacheless model overrides", configured: true, m: trained(false), want: false},
		{name: "agreement", configured: true, m: trained(true), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := probeCache(tt.configured, tt.m); got != tt.want {
				t.Fatalf("probeCache() = %v, want %v", got, tt.want)
			}
		})
	}
}
