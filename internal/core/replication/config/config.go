package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
)

// Mode selects the server replication strategy.
type Mode string

const (
	// ModeCustom runs change detection, thresholds and budgets.
	ModeCustom Mode = "custom"
	// ModeDirect replicates every unit every tick without shaping.
	ModeDirect Mode = "direct"
)

// Thresholds are the minimum changes that mark a replicated field dirty.
type Thresholds struct {
	Location     float64 `json:"location" yaml:"location"`
	AngleDegrees float64 `json:"angle_degrees" yaml:"angle_degrees"`
	Scale        float64 `json:"scale" yaml:"scale"`
	Health       float64 `json:"health" yaml:"health"`
	SightRadius  float64 `json:"sight_radius" yaml:"sight_radius"`
}

// Quantization sets the fixed-point units used on the wire.
type Quantization struct {
	LocationUnit float64 `json:"location_unit" yaml:"location_unit"`
	ScaleUnit    float64 `json:"scale_unit" yaml:"scale_unit"`
}

type Server struct {
	MaxPerTick         int           `json:"max_per_tick" yaml:"max_per_tick"`
	MaxPerChunk        int           `json:"max_per_chunk" yaml:"max_per_chunk"`
	ProcessCleanChunks bool          `json:"process_clean_chunks" yaml:"process_clean_chunks"`
	Quarantine         time.Duration `json:"quarantine" yaml:"quarantine"`
	DiagnosticsEvery   time.Duration `json:"diagnostics_every" yaml:"diagnostics_every"`
	SendWorkers        int           `json:"send_workers" yaml:"send_workers"`
}

type Client struct {
	MaxActionsPerTick        int           `json:"max_actions_per_tick" yaml:"max_actions_per_tick"`
	GraceBudgetMultiplier    int           `json:"grace_budget_multiplier" yaml:"grace_budget_multiplier"`
	EnableCache              bool          `json:"enable_cache" yaml:"enable_cache"`
	CacheRebuildInterval     time.Duration `json:"cache_rebuild_interval" yaml:"cache_rebuild_interval"`
	UnlinkDebounce           time.Duration `json:"unlink_debounce" yaml:"unlink_debounce"`
	ZeroNetIDRetryPasses     int           `json:"zero_netid_retry_passes" yaml:"zero_netid_retry_passes"`
	NearestUnclaimedFallback bool          `json:"nearest_unclaimed_fallback" yaml:"nearest_unclaimed_fallback"`
}

type Transport struct {
	ListenAddr           string        `json:"listen_addr" yaml:"listen_addr"`
	Path                 string        `json:"path" yaml:"path"`
	CompressionThreshold int           `json:"compression_threshold" yaml:"compression_threshold"`
	SendBuffer           int           `json:"send_buffer" yaml:"send_buffer"`
	WriteTimeout         time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ReadTimeout          time.Duration `json:"read_timeout" yaml:"read_timeout"`
	MaxMessageSize       int64         `json:"max_message_size" yaml:"max_message_size"`
}

// Config is the full replication configuration shared by server and client.
type Config struct {
	Mode           Mode          `json:"mode" yaml:"mode"`
	UpdateHz       float64       `json:"update_hz" yaml:"update_hz"`
	GraceWindow    time.Duration `json:"grace_window" yaml:"grace_window"`
	DiscoveryRetry time.Duration `json:"discovery_retry" yaml:"discovery_retry"`
	LogLevel       string        `json:"log_level" yaml:"log_level"`

	Thresholds   Thresholds   `json:"thresholds" yaml:"thresholds"`
	Quantization Quantization `json:"quantization" yaml:"quantization"`
	Server       Server       `json:"server" yaml:"server"`
	Client       Client       `json:"client" yaml:"client"`
	Transport    Transport    `json:"transport" yaml:"transport"`
}

// Default returns the configuration every deployment starts from.
func Default() *Config {
	return &Config{
		Mode:           ModeCustom,
		UpdateHz:       10,
		GraceWindow:    10 * time.Second,
		DiscoveryRetry: time.Second,
		LogLevel:       "info",
		Thresholds: Thresholds{
			Location:     50,
			AngleDegrees: 15,
			Scale:        0.1,
			Health:       1,
			SightRadius:  50,
		},
		Quantization: Quantization{
			LocationUnit: 1,
			ScaleUnit:    0.01,
		},
		Server: Server{
			MaxPerTick:       256,
			MaxPerChunk:      64,
			Quarantine:       15 * time.Second,
			DiagnosticsEvery: time.Second,
			SendWorkers:      8,
		},
		Client: Client{
			MaxActionsPerTick:        64,
			GraceBudgetMultiplier:    2,
			EnableCache:              true,
			CacheRebuildInterval:     time.Second,
			UnlinkDebounce:           100 * time.Millisecond,
			ZeroNetIDRetryPasses:     3,
			NearestUnclaimedFallback: true,
		},
		Transport: Transport{
			ListenAddr:           "127.0.0.1:8080",
			Path:                 "/replication",
			CompressionThreshold: 1024,
			SendBuffer:           64,
			WriteTimeout:         5 * time.Second,
			ReadTimeout:          60 * time.Second,
			MaxMessageSize:       4 << 20,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadYAML(f)
}

// LoadYAML decodes YAML over the defaults and validates the result.
func LoadYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges; every violation wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case c.Mode != ModeCustom && c.Mode != ModeDirect:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	case c.UpdateHz <= 0:
		return fmt.Errorf("%w: update_hz must be positive", ErrInvalidConfig)
	case c.GraceWindow < 0:
		return fmt.Errorf("%w: grace_window must not be negative", ErrInvalidConfig)
	case c.Thresholds.Location < 0 || c.Thresholds.AngleDegrees < 0 || c.Thresholds.Scale < 0 ||
		c.Thresholds.Health < 0 || c.Thresholds.SightRadius < 0:
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidConfig)
	case c.Quantization.LocationUnit <= 0 || c.Quantization.ScaleUnit <= 0:
		return fmt.Errorf("%w: quantization units must be positive", ErrInvalidConfig)
	case c.Server.MaxPerTick <= 0 || c.Server.MaxPerChunk <= 0:
		return fmt.Errorf("%w: server budgets must be positive", ErrInvalidConfig)
	case c.Server.Quarantine < 0:
		return fmt.Errorf("%w: quarantine must not be negative", ErrInvalidConfig)
	case c.Client.MaxActionsPerTick <= 0:
		return fmt.Errorf("%w: max_actions_per_tick must be positive", ErrInvalidConfig)
	case c.Client.GraceBudgetMultiplier < 1:
		return fmt.Errorf("%w: grace_budget_multiplier must be at least 1", ErrInvalidConfig)
	case c.Client.ZeroNetIDRetryPasses < 1:
		return fmt.Errorf("%w: zero_netid_retry_passes must be at least 1", ErrInvalidConfig)
	case c.Client.CacheRebuildInterval < 100*time.Millisecond:
		return fmt.Errorf("%w: cache_rebuild_interval must be at least 100ms", ErrInvalidConfig)
	case c.Server.DiagnosticsEvery < 500*time.Millisecond:
		return fmt.Errorf("%w: diagnostics_every must be at least 500ms", ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// TickInterval is the period of one replication pass.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.UpdateHz)
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.LevelInfo
	}
	return lvl
}

// Units returns the quantization units for packed transforms.
func (c *Config) Units() quant.Units {
	return quant.Units{
		Location:  c.Quantization.LocationUnit,
		Scale:     c.Quantization.ScaleUnit,
		AngleSnap: c.Thresholds.AngleDegrees,
	}
}

// InGrace reports whether now falls inside the startup grace window.
func (c *Config) InGrace(start, now time.Time) bool {
	return now.Sub(start) < c.GraceWindow
}
