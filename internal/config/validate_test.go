package config

import "testing"

func TestValidateTieredDefaultsAreClean(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config should have no fatal errors, got %v", result.Fatals)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("default config should have no warnings, got %v", result.Warnings)
	}
}

func TestValidateTieredZeroWorkerThreadsIsFatal(t *testing.T) {
	cfg := Default()
	cfg.WorkerThreads = 0
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected a fatal error for worker_threads=0")
	}
}

func TestValidateTieredNegativeRoomCountClamps(t *testing.T) {
	cfg := Default()
	cfg.RoomCount = -5
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("negative room_count should only warn, got fatals %v", result.Fatals)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
	if cfg.RoomCount != 0 {
		t.Fatalf("expected room_count clamped to 0, got %d", cfg.RoomCount)
	}
}

func TestValidateTieredBadLogLevelResetsToInfo(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("bad log level should only warn, got fatals %v", result.Fatals)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log_level reset to info, got %q", cfg.LogLevel)
	}
}

func TestValidateTieredBadURLSchemesWarn(t *testing.T) {
	cfg := Default()
	cfg.AuthBaseURL = "ftp://example.com"
	cfg.ProtooBaseURL = "http://example.com"
	result := cfg.ValidateTiered()
	if len(result.Warnings) != 2 {
		t.Fatalf("expected two warnings, got %v", result.Warnings)
	}
}
