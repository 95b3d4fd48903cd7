package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	cfg := &Config{}
	_ = cfg.Validate() // fill defaults
	return cfg
}

func TestCompare_NoChanges(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	if d := Compare(old, new); d.Any() {
		t.Errorf("identical configs produced diff: %+v", d)
	}
}

func TestCompare_LogLevel(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = LogDebug

	d := Compare(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v; want log level change to debug", d)
	}
	if d.VADChanged || d.CaptureChanged {
		t.Errorf("unrelated sections flagged: %+v", d)
	}
}

func TestCompare_VADTuning(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.VAD.EnergyThreshold = 50

	d := Compare(old, new)
	if !d.VADChanged {
		t.Fatalf("diff = %+v; want VAD change", d)
	}
	if d.NewVAD.EnergyThreshold != 50 {
		t.Errorf("NewVAD.EnergyThreshold = %v", d.NewVAD.EnergyThreshold)
	}
}

func TestCompare_CaptureCadence(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Capture.AmbientInterval = 10 * time.Second

	d := Compare(old, new)
	if !d.CaptureChanged {
		t.Fatalf("diff = %+v; want capture change", d)
	}
	if d.NewCapture.AmbientInterval != 10*time.Second {
		t.Errorf("NewCapture.AmbientInterval = %v", d.NewCapture.AmbientInterval)
	}
}

func TestCompare_RestartOnlyFieldsIgnored(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Realtime.Model = "some-other-model"
	new.Storage.PostgresDSN = "postgres://elsewhere/db"

	if d := Compare(old, new); d.Any() {
		t.Errorf("restart-only fields produced diff: %+v", d)
	}
}
