// Package config loads and validates the load-test harness configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds every knob the swarm supervisor and its pools need.
type Config struct {
	// Pool sizing
	WorkerThreads        int `mapstructure:"worker_threads"`
	NetworkThreads        int `mapstructure:"network_threads"`
	PeerConnectionFactories int `mapstructure:"peer_connection_factories"`

	// Mode-independent server addressing
	AuthBaseURL   string `mapstructure:"auth_base_url"`
	ProtooBaseURL string `mapstructure:"protoo_base_url"`

	// Conference mode
	RoomCount      int `mapstructure:"room_count"`
	UserPerRoom    int `mapstructure:"user_per_room"`
	StartingRoomID int `mapstructure:"starting_room_id"`

	// Livestream mode
	StreamerID  string `mapstructure:"streamer_id"`
	ViewerCount int    `mapstructure:"viewer_count"`

	// Data-channel integrity
	ValidateDataChannel bool `mapstructure:"validate_data_channel"`

	// UI
	NoGUI bool `mapstructure:"nogui"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		WorkerThreads:           4,
		NetworkThreads:          4,
		PeerConnectionFactories: 1,
		AuthBaseURL:             "http://localhost:3000",
		ProtooBaseURL:           "ws://localhost:4443",
		RoomCount:               10,
		UserPerRoom:             4,
		StartingRoomID:          0,
		StreamerID:              "1000000",
		ViewerCount:             10,
		ValidateDataChannel:     false,
		LogLevel:                "info",
		LogFormat:               "text",
		LogMaxSizeMB:            50,
		LogMaxBackups:           3,
	}
}

// Load reads configuration from an optional file, environment variables
// (prefixed LOADTEST_), and falls back to Default() for anything unset.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("loadtestbot")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LOADTEST")
	// Unmarshal only sees keys viper knows about, so bind each one to its
	// LOADTEST_ variable explicitly.
	for _, key := range []string{
		"worker_threads", "network_threads", "peer_connection_factories",
		"auth_base_url", "protoo_base_url", "room_count", "user_per_room",
		"starting_room_id", "streamer_id", "viewer_count", "validate_data_channel",
		"nogui", "log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config, cfgFile string) error {
	viper.Set("worker_threads", cfg.WorkerThreads)
	viper.Set("network_threads", cfg.NetworkThreads)
	viper.Set("peer_connection_factories", cfg.PeerConnectionFactories)
	viper.Set("auth_base_url", cfg.AuthBaseURL)
	viper.Set("protoo_base_url", cfg.ProtooBaseURL)
	viper.Set("room_count", cfg.RoomCount)
	viper.Set("user_per_room", cfg.UserPerRoom)
	viper.Set("starting_room_id", cfg.StartingRoomID)

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
		cfgPath = filepath.Join(configDir(), "loadtestbot.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	return viper.WriteConfigAs(cfgPath)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "loadtestbot")
	case "darwin":
		return "/Library/Application Support/loadtestbot"
	default:
		return "/etc/loadtestbot"
	}
}
