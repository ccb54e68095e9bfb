package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile    = "mastodon-twitter-sync.yaml"
	DefaultCachePath     = "post_cache.json"
	DefaultArchivePath   = "mastodon-twitter-sync.db"
	DefaultFetchWindow   = 50
	DefaultStopThreshold = 3
	DefaultMaxRetries    = 3
	DefaultMaxAgeDays    = 90
	DefaultTimeout       = 30 * time.Second
)

// Duration wraps time.Duration for unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText covers the TOML path.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Mastodon  MastodonConfig  `yaml:"mastodon" toml:"mastodon"`
	Twitter   TwitterConfig   `yaml:"twitter" toml:"twitter"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Retention RetentionConfig `yaml:"retention" toml:"retention"`
}

type MastodonConfig struct {
	BaseURL        string `yaml:"base_url" toml:"base_url"`
	AccessToken    string `yaml:"access_token" toml:"access_token"`
	AccessTokenEnv string `yaml:"access_token_env" toml:"access_token_env"`
	MaxPostLength  int    `yaml:"max_post_length" toml:"max_post_length"`
	// Hashtag limits syncing to posts carrying it, e.g. "#bike".
	Hashtag          string `yaml:"sync_hashtag" toml:"sync_hashtag"`
	DeleteOlderPosts bool   `yaml:"delete_older_posts" toml:"delete_older_posts"`
	DeleteOlderFavs  bool   `yaml:"delete_older_favs" toml:"delete_older_favs"`
}

type TwitterConfig struct {
	AccessToken      string `yaml:"access_token" toml:"access_token"`
	AccessTokenEnv   string `yaml:"access_token_env" toml:"access_token_env"`
	MaxPostLength    int    `yaml:"max_post_length" toml:"max_post_length"`
	Hashtag          string `yaml:"sync_hashtag" toml:"sync_hashtag"`
	DeleteOlderPosts bool   `yaml:"delete_older_posts" toml:"delete_older_posts"`
	DeleteOlderFavs  bool   `yaml:"delete_older_favs" toml:"delete_older_favs"`
}

type SyncConfig struct {
	FetchWindow   int `yaml:"fetch_window" toml:"fetch_window"`
	StopThreshold int `yaml:"stop_threshold" toml:"stop_threshold"`
	// SkipReposts leaves boosts and retweets out of the sync.
	SkipReposts bool     `yaml:"skip_reposts" toml:"skip_reposts"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	// MaxRetries bounds re-fetch attempts; -1 disables retries.
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`
}

type CacheConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type RetentionConfig struct {
	MaxAgeDays  int    `yaml:"max_age_days" toml:"max_age_days"`
	ArchivePath string `yaml:"archive_path" toml:"archive_path"`
}

// RetentionEnabled reports whether any delete flag is set on either
// platform.
func (c *Config) RetentionEnabled() bool {
	return c.Mastodon.DeleteOlderPosts || c.Mastodon.DeleteOlderFavs ||
		c.Twitter.DeleteOlderPosts || c.Twitter.DeleteOlderFavs
}

// MaxAge converts the retention threshold to a duration.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeDays) * 24 * time.Hour
}

// Load reads the config file at path, applies defaults, resolves env
// vars, and validates. A .toml extension selects TOML, anything else
// parses as YAML.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sync.FetchWindow == 0 {
		cfg.Sync.FetchWindow = DefaultFetchWindow
	}
	if cfg.Sync.StopThreshold == 0 {
		cfg.Sync.StopThreshold = DefaultStopThreshold
	}
	if cfg.Sync.Timeout.Duration == 0 {
		cfg.Sync.Timeout.Duration = DefaultTimeout
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = DefaultMaxRetries
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultCachePath
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = DefaultMaxAgeDays
	}
	if cfg.Retention.ArchivePath == "" {
		cfg.Retention.ArchivePath = DefaultArchivePath
	}
	cfg.Mastodon.Hashtag = normalizeHashtag(cfg.Mastodon.Hashtag)
	cfg.Twitter.Hashtag = normalizeHashtag(cfg.Twitter.Hashtag)
}

func normalizeHashtag(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	if !strings.HasPrefix(h, "#") {
		h = "#" + h
	}
	return h
}

func resolveEnv(cfg *Config) {
	if cfg.Mastodon.AccessTokenEnv != "" {
		if v := os.Getenv(cfg.Mastodon.AccessTokenEnv); v != "" {
			cfg.Mastodon.AccessToken = v
		}
	}
	if cfg.Twitter.AccessTokenEnv != "" {
		if v := os.Getenv(cfg.Twitter.AccessTokenEnv); v != "" {
			cfg.Twitter.AccessToken = v
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Mastodon.BaseURL == "" {
		return errors.New("mastodon.base_url is required")
	}
	if cfg.Mastodon.AccessToken == "" {
		return errors.New("mastodon: an access token must be configured")
	}
	if cfg.Twitter.AccessToken == "" {
		return errors.New("twitter: an access token must be configured")
	}

	if cfg.Sync.FetchWindow < 0 {
		return fmt.Errorf("sync.fetch_window: must be positive, got %d", cfg.Sync.FetchWindow)
	}
	if cfg.Sync.StopThreshold < 0 {
		return fmt.Errorf("sync.stop_threshold: must be positive, got %d", cfg.Sync.StopThreshold)
	}
	if cfg.Sync.Timeout.Duration < 0 {
		return fmt.Errorf("sync.timeout: must be positive, got %v", cfg.Sync.Timeout.Duration)
	}
	if cfg.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days: must be positive, got %d", cfg.Retention.MaxAgeDays)
	}

	return nil
}
