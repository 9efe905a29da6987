// Package config holds the application configuration: file values via viper,
// overridden by YAPIT_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// Config contains all application configuration options.
type Config struct {
	// Service settings
	APIBase string `yaml:"api_base" env:"YAPIT_API_BASE" envDefault:"https://api.yapit.md/v1"`
	WSBase  string `yaml:"ws_base" env:"YAPIT_WS_BASE" envDefault:"wss://api.yapit.md/v1/ws"`
	Token   string `yaml:"token" env:"YAPIT_TOKEN"`

	// Voice settings
	Model string `yaml:"model" env:"YAPIT_MODEL" envDefault:"kokoro"`
	Voice string `yaml:"voice" env:"YAPIT_VOICE" envDefault:"af_heart"`

	// Audio settings
	SampleRate int     `yaml:"sample_rate" env:"YAPIT_SAMPLE_RATE" envDefault:"44100"`
	Volume     float64 `yaml:"volume" env:"YAPIT_VOLUME" envDefault:"1.0"`

	// Document settings
	WordsPerMinute int  `yaml:"words_per_minute" env:"YAPIT_WORDS_PER_MINUTE" envDefault:"165"`
	SkipCodeBlocks bool `yaml:"skip_code_blocks" env:"YAPIT_SKIP_CODE_BLOCKS" envDefault:"false"`

	// Playback and prefetch tuning
	EvictThreshold   int           `yaml:"evict_threshold" env:"YAPIT_EVICT_THRESHOLD" envDefault:"20"`
	RefillThreshold  int           `yaml:"refill_threshold" env:"YAPIT_REFILL_THRESHOLD" envDefault:"8"`
	BatchSize        int           `yaml:"batch_size" env:"YAPIT_BATCH_SIZE" envDefault:"16"`
	MinBufferToStart int           `yaml:"min_buffer_to_start" env:"YAPIT_MIN_BUFFER_TO_START" envDefault:"3"`
	BlockTimeout     time.Duration `yaml:"block_timeout" env:"YAPIT_BLOCK_TIMEOUT" envDefault:"60s"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"YAPIT_POLL_INTERVAL" envDefault:"500ms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIBase:          "https://api.yapit.md/v1",
		WSBase:           "wss://api.yapit.md/v1/ws",
		Model:            "kokoro",
		Voice:            "af_heart",
		SampleRate:       44100,
		Volume:           1.0,
		WordsPerMinute:   165,
		EvictThreshold:   20,
		RefillThreshold:  8,
		BatchSize:        16,
		MinBufferToStart: 3,
		BlockTimeout:     60 * time.Second,
		PollInterval:     500 * time.Millisecond,
	}
}

// Load builds the effective configuration: defaults, then the viper config
// file, then environment variables.
func Load() (Config, error) {
	cfg := LoadFromViper()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromViper loads configuration from viper on top of the defaults.
func LoadFromViper() Config {
	cfg := DefaultConfig()

	if viper.IsSet("api_base") {
		cfg.APIBase = viper.GetString("api_base")
	}
	if viper.IsSet("ws_base") {
		cfg.WSBase = viper.GetString("ws_base")
	}
	if viper.IsSet("token") {
		cfg.Token = viper.GetString("token")
	}

	if viper.IsSet("model") {
		cfg.Model = viper.GetString("model")
	}
	if viper.IsSet("voice") {
		cfg.Voice = viper.GetString("voice")
	}

	if viper.IsSet("sample_rate") {
		cfg.SampleRate = viper.GetInt("sample_rate")
	}
	if viper.IsSet("volume") {
		cfg.Volume = viper.GetFloat64("volume")
	}

	if viper.IsSet("words_per_minute") {
		cfg.WordsPerMinute = viper.GetInt("words_per_minute")
	}
	if viper.IsSet("skip_code_blocks") {
		cfg.SkipCodeBlocks = viper.GetBool("skip_code_blocks")
	}

	if viper.IsSet("evict_threshold") {
		cfg.EvictThreshold = viper.GetInt("evict_threshold")
	}
	if viper.IsSet("refill_threshold") {
		cfg.RefillThreshold = viper.GetInt("refill_threshold")
	}
	if viper.IsSet("batch_size") {
		cfg.BatchSize = viper.GetInt("batch_size")
	}
	if viper.IsSet("min_buffer_to_start") {
		cfg.MinBufferToStart = viper.GetInt("min_buffer_to_start")
	}
	if viper.IsSet("block_timeout") {
		if d, err := time.ParseDuration(viper.GetString("block_timeout")); err == nil {
			cfg.BlockTimeout = d
		}
	}
	if viper.IsSet("poll_interval") {
		if d, err := time.ParseDuration(viper.GetString("poll_interval")); err == nil {
			cfg.PollInterval = d
		}
	}

	return cfg
}

// Validate checks cross-field constraints that tags cannot express.
func (c Config) Validate() error {
	if c.SampleRate != 44100 && c.SampleRate != 48000 {
		return fmt.Errorf("sample_rate must be 44100 or 48000, got %d", c.SampleRate)
	}
	if c.Volume < 0 || c.Volume > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", c.Volume)
	}
	if c.WordsPerMinute <= 0 {
		return fmt.Errorf("words_per_minute must be positive, got %d", c.WordsPerMinute)
	}
	if c.EvictThreshold <= 0 {
		return fmt.Errorf("evict_threshold must be positive, got %d", c.EvictThreshold)
	}
	if c.RefillThreshold <= 0 || c.BatchSize <= 0 || c.MinBufferToStart <= 0 {
		return fmt.Errorf("prefetch thresholds must be positive")
	}
	if c.BatchSize < c.RefillThreshold {
		return fmt.Errorf("batch_size (%d) must be at least refill_threshold (%d)", c.BatchSize, c.RefillThreshold)
	}
	if c.BlockTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// Authenticated reports whether a service account token is configured.
func (c Config) Authenticated() bool {
	return c.Token != ""
}
