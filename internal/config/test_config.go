package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:    ":memory:", // Use in-memory database for tests
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout: 5 * time.Second,
			UserAgent:   "earshot-test/1.0",
		},
		Index: IndexConfig{
			BaseURL:     "https://api.podcastindex.org/api/1.0",
			Key:         "test-key",
			Secret:      "test-secret",
			HTTPTimeout: 5 * time.Second,
		},
		Playback: PlaybackConfig{
			SaveInterval:      60 * time.Second,
			PollInterval:      50 * time.Millisecond,
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
