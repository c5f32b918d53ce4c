package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the keyed-section configuration for the agent: device,
// logging, source, ai, media relay, fsm, store, and status.
type Config struct {
	DeviceID string `mapstructure:"device_id"`
	SiteID   string `mapstructure:"site_id"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	SourceURL      string `mapstructure:"source_url"`
	SourceWidth    int    `mapstructure:"source_width"`
	SourceHeight   int    `mapstructure:"source_height"`
	SourceFPS      int    `mapstructure:"source_fps"`
	ShmSocketPath  string `mapstructure:"shm_socket_path"`
	ShmSizeMiB     int    `mapstructure:"shm_size_mib"`

	AIModelPath         string   `mapstructure:"ai_model_path"`
	AIConfidenceThreshold float64 `mapstructure:"ai_confidence_threshold"`
	AIClassesFilter     []string `mapstructure:"ai_classes_filter"`
	AIIdleFPS           int      `mapstructure:"ai_idle_fps"`
	AIActiveFPS         int      `mapstructure:"ai_active_fps"`
	AIWorkerHost        string   `mapstructure:"ai_worker_host"`
	AIWorkerPort        int      `mapstructure:"ai_worker_port"`

	RelayHost      string `mapstructure:"relay_host"`
	RelayPort      int    `mapstructure:"relay_port"`
	RelayRecordPath string `mapstructure:"relay_record_path"`
	RelayLivePath  string `mapstructure:"relay_live_path"`

	FSMDwellMs    int `mapstructure:"fsm_dwell_ms"`
	FSMSilenceMs  int `mapstructure:"fsm_silence_ms"`
	FSMPostRollMs int `mapstructure:"fsm_post_roll_ms"`

	StoreBaseURL string `mapstructure:"store_base_url"`

	StatusPort int `mapstructure:"status_port"`

	ArchiveEnabled     bool   `mapstructure:"archive_enabled"`
	ArchiveProvider    string `mapstructure:"archive_provider"`
	ArchiveLocalPath   string `mapstructure:"archive_local_path"`
	ArchiveBucket      string `mapstructure:"archive_bucket"`
	ArchiveRegion      string `mapstructure:"archive_region"`
	ArchiveAccountURL  string `mapstructure:"archive_account_url"`
	ArchiveB2KeyID     string `mapstructure:"archive_b2_key_id"`
	ArchiveB2AppKey    string `mapstructure:"archive_b2_app_key"`

	LedgerPath       string `mapstructure:"ledger_path"`
	LedgerRetain     int    `mapstructure:"ledger_retain"`
}

// Default returns a Config populated with the agent's default values.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		SourceWidth:   1280,
		SourceHeight:  720,
		SourceFPS:     15,
		ShmSocketPath: "/var/run/edge-agent/camera.sock",
		ShmSizeMiB:    64,

		AIConfidenceThreshold: 0.5,
		AIIdleFPS:             1,
		AIActiveFPS:           10,
		AIWorkerHost:          "127.0.0.1",
		AIWorkerPort:          9400,

		RelayHost:       "127.0.0.1",
		RelayPort:       8554,
		RelayRecordPath: "record",
		RelayLivePath:   "live",

		FSMDwellMs:    500,
		FSMSilenceMs:  3000,
		FSMPostRollMs: 5000,

		StoreBaseURL: "http://127.0.0.1:8080",

		StatusPort: 9500,

		ArchiveProvider:  "local",
		ArchiveLocalPath: "/var/lib/edge-agent/archive",

		LedgerPath:   "/var/lib/edge-agent/ledger.db",
		LedgerRetain: 200,
	}
}

// Load reads cfgFile (or the default search path) into a Config, applies
// environment overrides, and runs tiered validation. Fatal validation
// errors abort startup; warnings are returned for the caller to log.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("edge-agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("EDGEAGENT")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to its default config-directory location.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg to cfgFile, or the default location if cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("site_id", cfg.SiteID)
	viper.Set("ai_classes_filter", cfg.AIClassesFilter)
	viper.Set("ai_confidence_threshold", cfg.AIConfidenceThreshold)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "edge-agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the agent.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "EdgeAgent", "data")
	case "darwin":
		return "/Library/Application Support/EdgeAgent/data"
	default:
		return "/var/lib/edge-agent"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "EdgeAgent")
	case "darwin":
		return "/Library/Application Support/EdgeAgent"
	default:
		return "/etc/edge-agent"
	}
}
