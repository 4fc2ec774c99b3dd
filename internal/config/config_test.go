package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "TUNER_COUNT", "ADAPTER_IDS", "ENABLE_PREEMPTION",
		"ENABLE_EPG", "TRANSCODE_MODE", "TRANSCODE_CODEC", "EPG_SCAN_INTERVAL",
		"DEMOD_PATH", "FFMPEG_PATH"} {
		t.Setenv(k, "")
	}
	c := Load()
	if c.Port != 3000 {
		t.Errorf("Port = %d", c.Port)
	}
	if c.TunerCount != 2 {
		t.Errorf("TunerCount = %d", c.TunerCount)
	}
	if c.TranscodeMode != "none" || c.TranscodeCodec != "copy" {
		t.Errorf("transcode defaults = %s/%s", c.TranscodeMode, c.TranscodeCodec)
	}
	if !c.EPGEnabled || c.ScanInterval != 15*time.Minute {
		t.Errorf("epg defaults = %v/%v", c.EPGEnabled, c.ScanInterval)
	}
	if c.DemodPath != "azap" || c.FFmpegPath != "ffmpeg" {
		t.Errorf("binary defaults = %s/%s", c.DemodPath, c.FFmpegPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("TUNER_COUNT", "4")
	t.Setenv("ENABLE_PREEMPTION", "true")
	t.Setenv("ENABLE_EPG", "false")
	t.Setenv("TRANSCODE_MODE", "nvenc")
	t.Setenv("TRANSCODE_CODEC", "hevc")
	t.Setenv("EPG_SCAN_INTERVAL", "30m")
	c := Load()
	if c.Port != 8080 || c.TunerCount != 4 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if !c.PreemptionEnabled || c.EPGEnabled {
		t.Errorf("bool overrides: %+v", c)
	}
	if c.TranscodeMode != "nvenc" || c.TranscodeCodec != "h265" {
		t.Errorf("transcode overrides: %s/%s", c.TranscodeMode, c.TranscodeCodec)
	}
	if c.ScanInterval != 30*time.Minute {
		t.Errorf("ScanInterval = %v", c.ScanInterval)
	}
}

func TestAdapterIDsOverrideTunerCount(t *testing.T) {
	t.Setenv("TUNER_COUNT", "2")
	t.Setenv("ADAPTER_IDS", "0, 2, 5")
	c := Load()
	if c.TunerCount != 3 {
		t.Errorf("TunerCount = %d, want len(ADAPTER_IDS)", c.TunerCount)
	}
	got := c.Adapters()
	if len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 5 {
		t.Errorf("Adapters = %v", got)
	}
}

func TestAdaptersDefaultSequence(t *testing.T) {
	c := &Config{TunerCount: 3}
	got := c.Adapters()
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("Adapters = %v", got)
	}
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("TRANSCODE_MODE", "warp-drive")
	t.Setenv("TRANSCODE_CODEC", "divx")
	t.Setenv("EPG_SCAN_INTERVAL", "soon")
	c := Load()
	if c.Port != 3000 || c.TranscodeMode != "none" || c.TranscodeCodec != "copy" {
		t.Errorf("fallbacks: %+v", c)
	}
	if c.ScanInterval != 15*time.Minute {
		t.Errorf("ScanInterval = %v", c.ScanInterval)
	}
}
