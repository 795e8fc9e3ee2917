package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ryoha000/remotedesktopd/internal/logging"
	"github.com/spf13/viper"
)

var log = logging.L("config")

// Config holds remotedesktopd's operational settings, loaded from a YAML
// file and overridable via REMOTEDESKTOPD_-prefixed environment variables.
type Config struct {
	SignalingURL string `mapstructure:"signaling_url"`
	SessionID    string `mapstructure:"session_id"`
	Hwnd         int64  `mapstructure:"hwnd"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	Mock        bool     `mapstructure:"mock"`
	STUNServers []string `mapstructure:"stun_servers"`

	VideoBitrateBps      int `mapstructure:"video_bitrate_bps"`
	AudioBitrateBps      int `mapstructure:"audio_bitrate_bps"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
}

func Default() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         50,
		LogMaxBackups:        3,
		STUNServers:          []string{"stun:stun.l.google.com:19302"},
		VideoBitrateBps:      2_500_000,
		AudioBitrateBps:      64_000,
		MaxReconnectAttempts: 10,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("remotedesktopd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("REMOTEDESKTOPD")

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

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("signaling_url", cfg.SignalingURL)
	viper.Set("session_id", cfg.SessionID)
	viper.Set("hwnd", cfg.Hwnd)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("mock", cfg.Mock)
	viper.Set("stun_servers", cfg.STUNServers)
	viper.Set("video_bitrate_bps", cfg.VideoBitrateBps)
	viper.Set("audio_bitrate_bps", cfg.AudioBitrateBps)
	viper.Set("max_reconnect_attempts", cfg.MaxReconnectAttempts)

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
		cfgPath = filepath.Join(configDir(), "remotedesktopd.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	return viper.WriteConfigAs(cfgPath)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "remotedesktopd")
	case "darwin":
		return "/Library/Application Support/remotedesktopd"
	default:
		return "/etc/remotedesktopd"
	}
}
