package config

import (
	"fmt"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.DeviceID = "cam-01"
	cfg.SourceURL = "rtsp://127.0.0.1:8554/in"
	return cfg
}

func TestValidateTieredMissingDeviceIDIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.DeviceID = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("missing device_id should be fatal")
	}
}

func TestValidateTieredInvalidStoreURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBaseURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid store_base_url scheme should be fatal")
	}
}

func TestValidateTieredConfidenceOutOfRangeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.AIConfidenceThreshold = 1.5
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("out of range confidence threshold should be fatal")
	}
}

func TestValidateTieredSourceFPSClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.SourceFPS = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped source_fps should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped source_fps")
	}
	if cfg.SourceFPS != 1 {
		t.Fatalf("SourceFPS = %d, want 1 (clamped)", cfg.SourceFPS)
	}
}

func TestValidateTieredActiveFPSBelowIdleIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.AIIdleFPS = 5
	cfg.AIActiveFPS = 1
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped active fps should be warning: %v", result.Fatals)
	}
	if cfg.AIActiveFPS != 5 {
		t.Fatalf("AIActiveFPS = %d, want 5 (clamped to idle)", cfg.AIActiveFPS)
	}
}

func TestValidateTieredUnknownClassIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.AIClassesFilter = []string{"person", "bogus_class"}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown class should not be fatal")
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "bogus_class") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown class")
	}
}

func TestValidateTieredUnrecognizedArchiveProviderIsFatalWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.ArchiveEnabled = true
	cfg.ArchiveProvider = "dropbox"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unrecognized archive provider should be fatal when archiving is enabled")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBaseURL = "ftp://bad"
	cfg.AIClassesFilter = []string{"bogus_class"}
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBaseURL = "https://store.example.com"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
