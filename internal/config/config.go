// Package config loads the gateway configuration: built-in defaults, then a
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/humanify/server/internal/cache"
	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/reputation"
	"github.com/humanify/server/internal/rules"
)

// Environment variables read by Load.
const (
	EnvSecret  = "HUMANIFY_SECRET"
	EnvPort    = "PORT"
	EnvRedis   = "REDIS_URL"
	EnvDataDir = "HUMANIFY_DATA_DIR"
)

// Action is what the guard does with a client classified as a bot.
type Action string

const (
	ActionChallenge Action = "challenge"
	ActionDeny      Action = "deny"
)

type Config struct {
	// DataDir anchors every relative path below.
	DataDir     string            `yaml:"data_dir"`
	Action      Action            `yaml:"action"`
	Server      ServerConfig      `yaml:"server"`
	Secret      SecretConfig      `yaml:"secret"`
	Cache       CacheConfig       `yaml:"cache"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Rules       RulesConfig       `yaml:"rules"`
	Challenge   ChallengeConfig   `yaml:"challenge"`
	DecisionLog DecisionLogConfig `yaml:"decision_log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Upstream is the protected application; guarded requests are proxied to it.
	Upstream        string        `yaml:"upstream"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustedHeaders are consulted, in order, when the peer is loopback.
	TrustedHeaders []string `yaml:"trusted_headers"`
	// ClassifyAPI mounts GET /api/classify, which reports the caller's own
	// verdict. CORSOrigins lists the origins allowed to read it; empty means
	// same-origin only.
	ClassifyAPI bool     `yaml:"classify_api"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type SecretConfig struct {
	Path string `yaml:"path"`
	// Value, when set, is used instead of the file.
	Value      string `yaml:"value"`
	Iterations int    `yaml:"iterations"`
	SaltSize   int    `yaml:"salt_size"`
}

type CacheConfig struct {
	cache.StoreConfig `yaml:",inline"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

type ReputationConfig struct {
	IPSetPath        string              `yaml:"ipset_path"`
	IPSetURL         string              `yaml:"ipset_url"`
	IPSetMaxAge      time.Duration       `yaml:"ipset_max_age"`
	Datacenter       bool                `yaml:"datacenter"`
	DatacenterRanges []string            `yaml:"datacenter_ranges"`
	Tor              TorConfig           `yaml:"tor"`
	StopForumSpam    StopForumSpamConfig `yaml:"stopforumspam"`
	Geo              GeoConfig           `yaml:"geo"`
	LookupTimeout    time.Duration       `yaml:"lookup_timeout"`
	RejectCategories []string            `yaml:"reject_categories"`
}

type TorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Resolver string `yaml:"resolver"`
}

type StopForumSpamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type GeoConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type RulesConfig struct {
	PolicyPath string       `yaml:"policy_path"`
	Inline     []rules.Rule `yaml:"inline"`
}

type ChallengeConfig struct {
	Type         string        `yaml:"type"`
	ImagesDir    string        `yaml:"images_dir"`
	AudioDir     string        `yaml:"audio_dir"`
	Language     string        `yaml:"language"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	ClearanceTTL time.Duration `yaml:"clearance_ttl"`
}

type DecisionLogConfig struct {
	Path   string `yaml:"path"`
	Stdout bool   `yaml:"stdout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Action:  ActionChallenge,
		Server: ServerConfig{
			Addr:            ":3000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TrustedHeaders:  []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP", "X-Forwarded"},
		},
		Secret: SecretConfig{
			Path: "secret.key",
		},
		Cache: CacheConfig{
			StoreConfig:   cache.StoreConfig{Backend: cache.BackendFile, Path: "cache.json"},
			SweepInterval: time.Hour,
		},
		Reputation: ReputationConfig{
			IPSetPath:        "ipset.json",
			IPSetURL:         reputation.DefaultIPSetURL,
			IPSetMaxAge:      reputation.DefaultIPSetMaxAge,
			Datacenter:       true,
			Tor:              TorConfig{Enabled: true},
			StopForumSpam:    StopForumSpamConfig{Enabled: true},
			Geo:              GeoConfig{Enabled: false},
			LookupTimeout:    reputation.DefaultLookupTimeout,
			RejectCategories: append([]string(nil), reputation.DefaultRejectCategories...),
		},
		Challenge: ChallengeConfig{
			Type:         string(challenge.KindOneClick),
			ImagesDir:    "datasets/images",
			AudioDir:     "datasets/audio",
			Language:     "en",
			ChallengeTTL: challenge.DefaultChallengeTTL,
			ClearanceTTL: challenge.DefaultClearanceTTL,
		},
	}
}

// Load reads path over the defaults (a missing file keeps them), applies
// the environment and resolves relative paths against DataDir.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvSecret); ok && v != "" {
		c.Secret.Value = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	if v, ok := lookup(EnvRedis); ok && v != "" {
		c.Cache.Backend = cache.BackendRedis
		c.Cache.URL = v
	}
}

func (c *Config) resolvePaths() {
	for _, p := range []*string{
		&c.Secret.Path,
		&c.Cache.Path,
		&c.Reputation.IPSetPath,
		&c.Rules.PolicyPath,
		&c.Challenge.ImagesDir,
		&c.Challenge.AudioDir,
		&c.DecisionLog.Path,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.DataDir, *p)
		}
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Action {
	case ActionChallenge, ActionDeny:
	default:
		errs = append(errs, fmt.Errorf("config: action %q is not challenge or deny", c.Action))
	}
	if kind, err := challenge.ParseKind(c.Challenge.Type); err != nil {
		errs = append(errs, err)
	} else if !kind.IsImage() {
		errs = append(errs, errors.New("config: challenge type must be grid or one_click, audio is offered alongside"))
	}
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendFile, cache.BackendRedis, cache.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("config: %w: %q", cache.ErrUnknownBackend, c.Cache.Backend))
	}
	if c.Cache.Backend == cache.BackendRedis && c.Cache.URL == "" {
		errs = append(errs, errors.New("config: redis cache needs a url"))
	}
	for _, cat := range c.Reputation.RejectCategories {
		if !reputation.IsCategory(cat) {
			errs = append(errs, fmt.Errorf("config: unknown reject category %q", cat))
		}
	}
	if c.Secret.Value == "" && c.Secret.Path == "" {
		errs = append(errs, errors.New("config: no secret value or path"))
	}
	if c.Secret.Value != "" && len(c.Secret.Value) < 16 {
		errs = append(errs, errors.New("config: secret value shorter than 16 bytes"))
	}
	return errors.Join(errs...)
}

// ActionFromString parses a command-line action name.
func ActionFromString(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if a == "deny_access" {
		a = ActionDeny
	}
	if a != ActionChallenge && a != ActionDeny {
		return "", fmt.Errorf("config: unknown action %q", s)
	}
	return a, nil
}
