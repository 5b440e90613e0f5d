package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"adwatch/internal/domain"
)

// Duration wraps time.Duration so yaml values can be written as "30s", "2h".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int":
		n, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	default:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`
	APIAddr  string `yaml:"api_addr"`

	Storage     StorageConfig     `yaml:"storage"`
	Probe       ProbeConfig       `yaml:"probe"`
	Bind        BindConfig        `yaml:"bind"`
	Retention   RetentionConfig   `yaml:"retention"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Performance PerformanceConfig `yaml:"performance"`
	Jobs        JobsConfig        `yaml:"jobs"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type ProbeConfig struct {
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	Concurrency int      `yaml:"concurrency"`
}

// BindConfig holds the shared credential set used by every probe in a run.
// An empty username means anonymous-only probing.
type BindConfig struct {
	Domain     string `yaml:"domain"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	SearchBase string `yaml:"search_base"`
}

type RetentionConfig struct {
	ExpireAfter  Duration `yaml:"expire_after"`
	PurgeAfter   Duration `yaml:"purge_after"`
	PurgeEnabled bool     `yaml:"purge_enabled"`
}

type ThresholdConfig struct {
	Level string   `yaml:"level"`
	After Duration `yaml:"after"`
}

type LivenessConfig struct {
	// Thresholds maps an entity kind to its staleness ladder, ascending
	// severity. A kind with no entry is excluded from alerting.
	Thresholds map[string][]ThresholdConfig `yaml:"thresholds"`
	// EventTypes maps an entity kind to the event type that proves it alive.
	EventTypes map[string]string `yaml:"event_types"`
	Cooldown   Duration          `yaml:"cooldown"`
}

type BucketConfig struct {
	AvgWarn Duration `yaml:"avg_warn"`
	AvgErr  Duration `yaml:"avg_err"`
	Alert   Duration `yaml:"alert"`
}

type PerformanceConfig struct {
	Window        Duration                `yaml:"window"`
	DefaultBucket string                  `yaml:"default_bucket"`
	Buckets       map[string]BucketConfig `yaml:"buckets"`
	// Channels toggles the six report channels. Keys are
	// "<source>_<bind>_<level>", e.g. "inventory_full_error",
	// "fallback_anonymous_info". A missing key means enabled.
	Channels map[string]bool `yaml:"channels"`
}

type JobsConfig struct {
	Liveness    string `yaml:"liveness"`
	Performance string `yaml:"performance"`
	ErrorReport string `yaml:"error_report"`
	Janitor     string `yaml:"janitor"`
	Reconcile   string `yaml:"reconcile"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   "logs",
		APIAddr:  "127.0.0.1:8080",
		Storage:  StorageConfig{Driver: "memory"},
		Probe: ProbeConfig{
			Interval:    Duration(60 * time.Second),
			Timeout:     Duration(10 * time.Second),
			Concurrency: 8,
		},
		Bind: BindConfig{},
		Retention: RetentionConfig{
			ExpireAfter:  Duration(72 * time.Hour),
			PurgeAfter:   Duration(168 * time.Hour),
			PurgeEnabled: false,
		},
		Liveness: LivenessConfig{
			Thresholds: map[string][]ThresholdConfig{
				string(domain.KindAgent): {
					{Level: "warning", After: Duration(2 * time.Hour)},
					{Level: "critical", After: Duration(6 * time.Hour)},
				},
				string(domain.KindSite): {
					{Level: "warning", After: Duration(2 * time.Hour)},
					{Level: "critical", After: Duration(6 * time.Hour)},
				},
				string(domain.KindServer): {
					{Level: "error", After: Duration(6 * time.Hour)},
				},
				string(domain.KindDatabase): {
					{Level: "error", After: Duration(6 * time.Hour)},
				},
				string(domain.KindDomainPair): {
					{Level: "warning", After: Duration(24 * time.Hour)},
				},
			},
			EventTypes: map[string]string{
				string(domain.KindAgent):      string(domain.EventConnected),
				string(domain.KindSite):       string(domain.EventConnected),
				string(domain.KindServer):     string(domain.EventConnected),
				string(domain.KindDatabase):   string(domain.EventAccessed),
				string(domain.KindDomainPair): string(domain.EventVerified),
			},
			Cooldown: Duration(30 * time.Minute),
		},
		Performance: PerformanceConfig{
			Window:        Duration(1 * time.Hour),
			DefaultBucket: "default",
			Buckets: map[string]BucketConfig{
				"default": {
					AvgWarn: Duration(500 * time.Millisecond),
					AvgErr:  Duration(750 * time.Millisecond),
					Alert:   Duration(1 * time.Second),
				},
			},
			Channels: map[string]bool{},
		},
		Jobs: JobsConfig{
			Liveness:    "@every 10m",
			Performance: "@every 1h",
			ErrorReport: "@every 1h",
			Janitor:     "@every 6h",
			Reconcile:   "@every 24h",
		},
	}
}

// Load reads a yaml config file, overlays it on the defaults, applies env
// overrides and validates the result. An empty path returns defaults plus
// env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(content))) == 0 {
			return nil, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, err
		}
	}

	fromEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromEnv applies the deployment-level overrides that should not live in a
// checked-in config file.
func fromEnv(cfg *Config) {
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("BIND_PASSWORD"); v != "" {
		cfg.Bind.Password = v
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = def.APIAddr
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Probe.Concurrency < 1 {
		cfg.Probe.Concurrency = def.Probe.Concurrency
	}
	if cfg.Probe.Timeout <= 0 {
		cfg.Probe.Timeout = def.Probe.Timeout
	}
	if cfg.Probe.Interval < 0 {
		cfg.Probe.Interval = 0
	}
	if cfg.Performance.Window <= 0 {
		cfg.Performance.Window = def.Performance.Window
	}
	if cfg.Performance.DefaultBucket == "" {
		cfg.Performance.DefaultBucket = def.Performance.DefaultBucket
	}
	if cfg.Performance.Channels == nil {
		cfg.Performance.Channels = map[string]bool{}
	}
	if cfg.Jobs.Liveness == "" {
		cfg.Jobs.Liveness = def.Jobs.Liveness
	}
	if cfg.Jobs.Performance == "" {
		cfg.Jobs.Performance = def.Jobs.Performance
	}
	if cfg.Jobs.ErrorReport == "" {
		cfg.Jobs.ErrorReport = def.Jobs.ErrorReport
	}
	if cfg.Jobs.Janitor == "" {
		cfg.Jobs.Janitor = def.Jobs.Janitor
	}
	if cfg.Jobs.Reconcile == "" {
		cfg.Jobs.Reconcile = def.Jobs.Reconcile
	}
}

func Validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage driver %q requires a dsn", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Retention.PurgeEnabled && cfg.Retention.PurgeAfter <= cfg.Retention.ExpireAfter {
		return errors.New("retention: purge_after must be longer than expire_after")
	}

	for kind, ladder := range cfg.Liveness.Thresholds {
		var prev Duration
		var prevLevel domain.AlertLevel = -1
		for _, th := range ladder {
			lvl, ok := domain.ParseAlertLevel(th.Level)
			if !ok {
				return fmt.Errorf("liveness threshold for %s: unknown level %q", kind, th.Level)
			}
			if th.After <= 0 {
				return fmt.Errorf("liveness threshold for %s: non-positive lookback", kind)
			}
			if lvl <= prevLevel || th.After <= prev {
				return fmt.Errorf("liveness thresholds for %s must ascend in severity and lookback", kind)
			}
			prev, prevLevel = th.After, lvl
		}
	}

	for name, b := range cfg.Performance.Buckets {
		if !(b.AvgWarn < b.AvgErr && b.AvgErr < b.Alert) {
			return fmt.Errorf("bucket %s: thresholds must satisfy avg_warn < avg_err < alert", name)
		}
	}
	if _, ok := cfg.Performance.Buckets[cfg.Performance.DefaultBucket]; !ok {
		return fmt.Errorf("default bucket %q is not defined", cfg.Performance.DefaultBucket)
	}

	return nil
}

// StaleLadder converts the configured thresholds for a kind into domain
// terms. The second return is false when the kind has no configuration,
// which disables alerting for that kind.
func (c *Config) StaleLadder(kind domain.EntityKind) ([]StaleThreshold, bool) {
	ladder, ok := c.Liveness.Thresholds[string(kind)]
	if !ok || len(ladder) == 0 {
		return nil, false
	}
	out := make([]StaleThreshold, 0, len(ladder))
	for _, th := range ladder {
		lvl, ok := domain.ParseAlertLevel(th.Level)
		if !ok {
			continue
		}
		out = append(out, StaleThreshold{Level: lvl, After: th.After.D()})
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// StaleThreshold is one rung of a staleness ladder.
type StaleThreshold struct {
	Level domain.AlertLevel
	After time.Duration
}

// EventTypeFor returns the liveness event type configured for a kind.
func (c *Config) EventTypeFor(kind domain.EntityKind) (domain.EventType, bool) {
	s, ok := c.Liveness.EventTypes[string(kind)]
	if !ok || s == "" {
		return "", false
	}
	return domain.EventType(s), true
}

// Bucket resolves a named bucket, falling back to the default bucket for an
// unknown or empty name.
func (c *Config) Bucket(name string) domain.PerfBucket {
	b, ok := c.Performance.Buckets[name]
	if !ok {
		name = c.Performance.DefaultBucket
		b = c.Performance.Buckets[name]
	}
	return domain.PerfBucket{
		Name:    name,
		AvgWarn: b.AvgWarn.D(),
		AvgErr:  b.AvgErr.D(),
		Alert:   b.Alert.D(),
	}
}

// ChannelEnabled reports whether a performance report channel is on. The
// key shape is "<source>_<bind>_<level>"; channels are on unless
// explicitly disabled.
func (c *Config) ChannelEnabled(source domain.NodeSource, anonymous bool, level domain.AlertLevel) bool {
	bind := "full"
	if anonymous {
		bind = "anonymous"
	}
	key := fmt.Sprintf("%s_%s_%s", source, bind, strings.ToLower(level.String()))
	enabled, ok := c.Performance.Channels[key]
	if !ok {
		return true
	}
	return enabled
}
