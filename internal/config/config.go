package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatd/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Backend        Backend `toml:"backend"`
	Tuning         Tuning  `toml:"tuning"`
}

// Backend holds the hosted backend endpoints and the publishable key.
type Backend struct {
	URL     string `toml:"url"`
	AnonKey string `toml:"anon_key"`
}

// Tuning holds the retry, heartbeat and breaker knobs. Zero values are
// replaced by Defaults when the daemon starts.
type Tuning struct {
	OutboxBackoffBase  Duration `toml:"outbox_backoff_base"`
	OutboxBackoffCap   Duration `toml:"outbox_backoff_cap"`
	OutboxMaxRetries   int      `toml:"outbox_max_retries"`
	SendTimeout        Duration `toml:"send_timeout"`
	SendAttempts       int      `toml:"send_attempts"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	LivenessTimeout    Duration `toml:"liveness_timeout"`
	SubscribeTimeout   Duration `toml:"subscribe_timeout"`
	BreakerThreshold   int      `toml:"breaker_threshold"`
	BreakerCooldown    Duration `toml:"breaker_cooldown"`
	TokenExpirySkew    Duration `toml:"token_expiry_skew"`
	RefreshTimeout     Duration `toml:"refresh_timeout"`
	PollFallbackPeriod Duration `toml:"poll_fallback_period"`
	GapFetchPageSize   int      `toml:"gap_fetch_page_size"`
}

// Duration lets TOML values be written as "30s" / "2m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults returns the tuning values used when config.toml leaves them unset.
func Defaults() Tuning {
	return Tuning{
		OutboxBackoffBase:  Duration(2 * time.Second),
		OutboxBackoffCap:   Duration(30 * time.Second),
		OutboxMaxRetries:   5,
		SendTimeout:        Duration(5 * time.Second),
		SendAttempts:       2,
		HeartbeatInterval:  Duration(30 * time.Second),
		LivenessTimeout:    Duration(75 * time.Second),
		SubscribeTimeout:   Duration(9 * time.Second),
		BreakerThreshold:   5,
		BreakerCooldown:    Duration(60 * time.Second),
		TokenExpirySkew:    Duration(60 * time.Second),
		RefreshTimeout:     Duration(3 * time.Second),
		PollFallbackPeriod: Duration(30 * time.Second),
		GapFetchPageSize:   100,
	}
}

// ApplyDefaults fills zero tuning values from Defaults.
func (t *Tuning) ApplyDefaults() {
	def := Defaults()
	if t.OutboxBackoffBase == 0 {
		t.OutboxBackoffBase = def.OutboxBackoffBase
	}
	if t.OutboxBackoffCap == 0 {
		t.OutboxBackoffCap = def.OutboxBackoffCap
	}
	if t.OutboxMaxRetries == 0 {
		t.OutboxMaxRetries = def.OutboxMaxRetries
	}
	if t.SendTimeout == 0 {
		t.SendTimeout = def.SendTimeout
	}
	if t.SendAttempts == 0 {
		t.SendAttempts = def.SendAttempts
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = def.HeartbeatInterval
	}
	if t.LivenessTimeout == 0 {
		t.LivenessTimeout = def.LivenessTimeout
	}
	if t.SubscribeTimeout == 0 {
		t.SubscribeTimeout = def.SubscribeTimeout
	}
	if t.BreakerThreshold == 0 {
		t.BreakerThreshold = def.BreakerThreshold
	}
	if t.BreakerCooldown == 0 {
		t.BreakerCooldown = def.BreakerCooldown
	}
	if t.TokenExpirySkew == 0 {
		t.TokenExpirySkew = def.TokenExpirySkew
	}
	if t.RefreshTimeout == 0 {
		t.RefreshTimeout = def.RefreshTimeout
	}
	if t.PollFallbackPeriod == 0 {
		t.PollFallbackPeriod = def.PollFallbackPeriod
	}
	if t.GapFetchPageSize == 0 {
		t.GapFetchPageSize = def.GapFetchPageSize
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
