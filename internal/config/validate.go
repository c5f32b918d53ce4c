package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/edge-agent/agent/internal/logging"
)

var log = logging.L("config")

var knownClasses = map[string]bool{
	"person":      true,
	"vehicle":     true,
	"car":         true,
	"truck":       true,
	"bicycle":     true,
	"animal":      true,
	"package":     true,
	"face":        true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

var validArchiveProviders = map[string]bool{
	"local":  true,
	"s3":     true,
	"gcs":    true,
	"azblob": true,
	"b2":     true,
}

// KnownClasses returns the recognized detection class names, for the
// runtime class-catalog endpoint.
func KnownClasses() []string {
	out := make([]string, 0, len(knownClasses))
	for c := range knownClasses {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ValidationResult separates configuration problems that must abort
// startup (Fatals) from ones that are auto-corrected or merely informative
// (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was found.
func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings, for callers that want a
// single flat list.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values, separating
// unrecoverable problems (malformed required fields) from problems that can
// be clamped or defaulted to a safe value and merely logged as a warning.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.DeviceID == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("device_id is required"))
	}

	if c.SourceURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("source_url is required"))
	}

	if c.AIWorkerHost == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("ai_worker_host is required"))
	}
	if c.AIWorkerPort <= 0 || c.AIWorkerPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("ai_worker_port %d is not a valid port", c.AIWorkerPort))
	}

	if c.AIConfidenceThreshold < 0 || c.AIConfidenceThreshold > 1 {
		r.Fatals = append(r.Fatals, fmt.Errorf("ai_confidence_threshold %f is out of range [0,1]", c.AIConfidenceThreshold))
	}

	if c.StoreBaseURL != "" {
		u, err := url.Parse(c.StoreBaseURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("store_base_url %q is not a valid URL: %w", c.StoreBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("store_base_url scheme must be http or https, got %q", u.Scheme))
		}
	} else {
		r.Fatals = append(r.Fatals, fmt.Errorf("store_base_url is required"))
	}

	// Clamp fps and timer values to a safe range instead of failing startup.
	if c.SourceFPS < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("source_fps %d is below minimum 1, clamping", c.SourceFPS))
		c.SourceFPS = 1
	} else if c.SourceFPS > 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("source_fps %d exceeds maximum 60, clamping", c.SourceFPS))
		c.SourceFPS = 60
	}

	if c.AIIdleFPS < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("ai_idle_fps %d is below minimum 1, clamping", c.AIIdleFPS))
		c.AIIdleFPS = 1
	}
	if c.AIActiveFPS < c.AIIdleFPS {
		r.Warnings = append(r.Warnings, fmt.Errorf("ai_active_fps %d is below ai_idle_fps %d, clamping", c.AIActiveFPS, c.AIIdleFPS))
		c.AIActiveFPS = c.AIIdleFPS
	}

	if c.FSMDwellMs < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("fsm_dwell_ms %d is negative, clamping to 0", c.FSMDwellMs))
		c.FSMDwellMs = 0
	}
	if c.FSMSilenceMs < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("fsm_silence_ms %d is negative, clamping to 0", c.FSMSilenceMs))
		c.FSMSilenceMs = 0
	}
	if c.FSMPostRollMs < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("fsm_post_roll_ms %d is negative, clamping to 0", c.FSMPostRollMs))
		c.FSMPostRollMs = 0
	}

	for _, name := range c.AIClassesFilter {
		if !knownClasses[strings.ToLower(name)] {
			r.Warnings = append(r.Warnings, fmt.Errorf("unknown class %q in ai_classes_filter", name))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.ArchiveEnabled && !validArchiveProviders[strings.ToLower(c.ArchiveProvider)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("archive_provider %q is not a recognized provider", c.ArchiveProvider))
	}

	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("status_port %d is not a valid port", c.StatusPort))
	}

	return r
}
