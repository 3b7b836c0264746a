package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.DefaultAvgScoreThreshold != 80 {
		t.Errorf("DefaultAvgScoreThreshold = %d, want 80", cfg.DefaultAvgScoreThreshold)
	}
	if cfg.DefaultMinRounds != 2 {
		t.Errorf("DefaultMinRounds = %d, want 2", cfg.DefaultMinRounds)
	}
	if cfg.DefaultMaxRounds != 8 {
		t.Errorf("DefaultMaxRounds = %d, want 8", cfg.DefaultMaxRounds)
	}
	if cfg.DefaultAutoParallelMin != 6 {
		t.Errorf("DefaultAutoParallelMin = %d, want 6", cfg.DefaultAutoParallelMin)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GinMode != "release" {
		t.Errorf("GinMode = %q, want release", cfg.GinMode)
	}
}

func TestLoadReadsEnvOverride(t *testing.T) {
	t.Setenv("MEETING_AVG_SCORE_THRESHOLD", "95")
	t.Setenv("HTTP_ADDR", ":9090")

	cfg := Load()

	if cfg.DefaultAvgScoreThreshold != 95 {
		t.Errorf("DefaultAvgScoreThreshold = %d, want 95", cfg.DefaultAvgScoreThreshold)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
	}
}

func TestLoadEnforcesMinFloor(t *testing.T) {
	t.Setenv("MEETING_MAX_ROUNDS", "0")

	cfg := Load()

	if cfg.DefaultMaxRounds < 1 {
		t.Errorf("DefaultMaxRounds = %d, want >= 1 (min floor enforced)", cfg.DefaultMaxRounds)
	}
}
