package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Index    IndexConfig    `mapstructure:"index"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Log      LogConfig      `mapstructure:"log"`
}

type StorageConfig struct {
	Path        string        `mapstructure:"path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchIndex string        `mapstructure:"search_index"`
}

type FeedConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// IndexConfig holds Podcast Index API credentials and endpoint settings.
// Key and Secret are normally supplied via EARSHOT_INDEX_KEY / EARSHOT_INDEX_SECRET.
type IndexConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Key         string        `mapstructure:"key"`
	Secret      string        `mapstructure:"secret"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type PlaybackConfig struct {
	// SaveInterval is the periodic progress re-save cadence while playing.
	SaveInterval time.Duration `mapstructure:"save_interval"`
	// PollInterval drives the controller's UI-facing progress poll loop.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SeekBackStep and SeekForwardStep are the relative-seek command sizes.
	SeekBackStep    time.Duration `mapstructure:"seek_back_step"`
	SeekForwardStep time.Duration `mapstructure:"seek_forward_step"`
	// PreviousThreshold: positions beyond it make skip-to-previous restart
	// the current item instead of jumping back a track.
	PreviousThreshold time.Duration `mapstructure:"previous_threshold"`
	Engine            string        `mapstructure:"engine"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dbPath := filepath.Join(homeDir, ".earshot.db")
	searchIndexPath := filepath.Join(homeDir, ".earshot", "index.bleve")

	return &Config{
		Storage: StorageConfig{
			Path:        dbPath,
			Timeout:     1 * time.Second,
			SearchIndex: searchIndexPath,
		},
		Feed: FeedConfig{
			HTTPTimeout: 30 * time.Second,
			UserAgent:   "earshot/1.0 (podcast client)",
		},
		Index: IndexConfig{
			BaseURL:     "https://api.podcastindex.org/api/1.0",
			HTTPTimeout: 15 * time.Second,
		},
		Playback: PlaybackConfig{
			SaveInterval:      60 * time.Second,
			PollInterval:      250 * time.Millisecond,
			SeekBackStep:      10 * time.Second,
			SeekForwardStep:   30 * time.Second,
			PreviousThreshold: 3 * time.Second,
			Engine:            "mpv",
		},
		Log: LogConfig{
			Level: "OFF",
		},
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := defaultConfig()
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("feed", cfg.Feed)
	v.SetDefault("index", cfg.Index)
	v.SetDefault("playback", cfg.Playback)
	v.SetDefault("log", cfg.Log)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "earshot")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("EARSHOT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	return &config, nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Storage.SearchIndex = expandPath(cfg.Storage.SearchIndex)
	cfg.Log.Path = expandPath(cfg.Log.Path)
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Convert durations to strings for TOML readability
	storageCfg := map[string]interface{}{
		"path":         config.Storage.Path,
		"timeout":      config.Storage.Timeout.String(),
		"search_index": config.Storage.SearchIndex,
	}

	feedCfg := map[string]interface{}{
		"http_timeout": config.Feed.HTTPTimeout.String(),
		"user_agent":   config.Feed.UserAgent,
	}

	indexCfg := map[string]interface{}{
		"base_url":     config.Index.BaseURL,
		"http_timeout": config.Index.HTTPTimeout.String(),
	}

	playbackCfg := map[string]interface{}{
		"save_interval":      config.Playback.SaveInterval.String(),
		"poll_interval":      config.Playback.PollInterval.String(),
		"seek_back_step":     config.Playback.SeekBackStep.String(),
		"seek_forward_step":  config.Playback.SeekForwardStep.String(),
		"previous_threshold": config.Playback.PreviousThreshold.String(),
		"engine":             config.Playback.Engine,
	}

	v.Set("storage", storageCfg)
	v.Set("feed", feedCfg)
	v.Set("index", indexCfg)
	v.Set("playback", playbackCfg)
	v.Set("log", config.Log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
