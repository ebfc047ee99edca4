package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"roi too small", func(c *AppConfig) { c.Detection.RoiSize = 1 }},
		{"min area zero", func(c *AppConfig) { c.Detection.MinObjectArea = 0 }},
		{"max not above min", func(c *AppConfig) { c.Detection.MaxObjectArea = c.Detection.MinObjectArea }},
		{"selected channel out of range", func(c *AppConfig) { c.Detection.SelectedChannel = c.ChannelNum }},
		{"negative selected channel", func(c *AppConfig) { c.Detection.SelectedChannel = -1 }},
		{"no channels", func(c *AppConfig) { c.ChannelNum = 0 }},
		{"no frames", func(c *AppConfig) { c.FrameNum = 0 }},
		{"no time points", func(c *AppConfig) { c.TimeLapseNum = 0 }},
		{"bad saving type", func(c *AppConfig) { c.SavingType = "Movie" }},
		{"zero sampling", func(c *AppConfig) { c.Sampling.Y = 0 }},
		{"manual levels inverted", func(c *AppConfig) { c.Display.AutoLevels = false; c.Display.LevelMax = 10; c.Display.LevelMin = 10 }},
		{"unknown source", func(c *AppConfig) { c.Source = "camera" }},
		{"zmq without endpoint", func(c *AppConfig) { c.Source = SourceZMQ; c.Endpoint = "" }},
		{"bad port", func(c *AppConfig) { c.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
port: 9000
channel_num: 3
saving_type: Roi
max_rois: 5
sampling_period: 250ms
detection:
  selected_channel: 2
  roi_size: 40
  min_object_area: 50
sampling:
  xsampling: 0.1
  ysampling: 0.2
  zsampling: 0.5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
	if cfg.Port != 9000 || cfg.ChannelNum != 3 || cfg.SavingType != SaveRoi || cfg.MaxRois != 5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SamplingPeriod != 250*time.Millisecond {
		t.Fatalf("unexpected sampling period %v", cfg.SamplingPeriod)
	}
	p := cfg.Detection.Params()
	if p.RoiSize != 40 || p.MinArea != 50 || p.MaxArea != Default().Detection.MaxObjectArea {
		t.Fatalf("unexpected detection params %+v", p)
	}
	if diff := cmp.Diff([]float64{0.5, 0.2, 0.1}, cfg.ElementSizeUm()); diff != "" {
		t.Fatalf("element size mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("roisize: 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParseSavingType(t *testing.T) {
	for _, s := range []string{"None", "Roi", "Stack", "Image"} {
		if _, err := ParseSavingType(s); err != nil {
			t.Fatalf("ParseSavingType(%q) error: %v", s, err)
		}
	}
	if _, err := ParseSavingType("roi"); err == nil {
		t.Fatalf("saving types are case sensitive")
	}
}
