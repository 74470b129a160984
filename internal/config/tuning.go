package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/racetrail/internal/trail"
	"github.com/banshee-data/racetrail/internal/units"
)

// TrailConfig holds the tunables for the trail cache, the engine driving it
// and the service around it. Every field is optional; the Get* methods return
// the default for anything left unset, so partial files are safe.
type TrailConfig struct {
	// Engine timing, as duration strings like "500ms" or "5m".
	WindowLength    *string `json:"window_length,omitempty" yaml:"window_length,omitempty"`
	RenderDelay     *string `json:"render_delay,omitempty" yaml:"render_delay,omitempty"`
	RefreshInterval *string `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
	QuickTip        *string `json:"quick_tip,omitempty" yaml:"quick_tip,omitempty"`

	DetailSelector *string `json:"detail_selector,omitempty" yaml:"detail_selector,omitempty" validate:"omitempty,oneof=speed stored none"`
	Playing        *bool   `json:"playing,omitempty" yaml:"playing,omitempty"`
	SpeedUnits     *string `json:"speed_units,omitempty" yaml:"speed_units,omitempty" validate:"omitempty,oneof=mps kph mph knots"`
	// Timezone labels rendered times; fixes are always stored in UTC.
	Timezone *string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	ArchiveCodec *string `json:"archive_codec,omitempty" yaml:"archive_codec,omitempty" validate:"omitempty,oneof=zstd s2 lz4 none"`
	Listen       *string `json:"listen,omitempty" yaml:"listen,omitempty" validate:"omitempty,hostname_port"`
	DatabasePath *string `json:"database_path,omitempty" yaml:"database_path,omitempty" validate:"omitempty,min=1"`
}

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

var validate = validator.New()

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyTrailConfig returns a TrailConfig with every field unset.
func EmptyTrailConfig() *TrailConfig {
	return &TrailConfig{}
}

// DefaultTrailConfig returns a TrailConfig with every field set to its
// default.
func DefaultTrailConfig() *TrailConfig {
	return &TrailConfig{
		WindowLength:    ptrString("5m"),
		RenderDelay:     ptrString("500ms"),
		RefreshInterval: ptrString("1s"),
		QuickTip:        ptrString("10s"),
		DetailSelector:  ptrString("speed"),
		Playing:         ptrBool(true),
		SpeedUnits:      ptrString("mps"),
		Timezone:        ptrString("UTC"),
		ArchiveCodec:    ptrString("zstd"),
		Listen:          ptrString(":8090"),
		DatabasePath:    ptrString("fixes.db"),
	}
}

// LoadTrailConfig loads a TrailConfig from a .json, .yml or .yaml file no
// larger than 1MB.
func LoadTrailConfig(path string) (*TrailConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yml" && ext != ".yaml" {
		return nil, fmt.Errorf("config file must have .json, .yml or .yaml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrailConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct tags and that every duration parses and is
// positive.
func (c *TrailConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Timezone != nil && *c.Timezone != "" && !units.IsTimezoneValid(*c.Timezone) {
		return fmt.Errorf("invalid timezone %q", *c.Timezone)
	}
	durations := []struct {
		name  string
		value *string
	}{
		{"window_length", c.WindowLength},
		{"render_delay", c.RenderDelay},
		{"refresh_interval", c.RefreshInterval},
		{"quick_tip", c.QuickTip},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		// A zero quick tip disables the quick/slow split; a zero render
		// delay shows the live edge.
		if v < 0 || (v == 0 && (d.name == "window_length" || d.name == "refresh_interval")) {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetWindowLength returns the trail window length.
func (c *TrailConfig) GetWindowLength() time.Duration {
	return durationOr(c.WindowLength, 5*time.Minute)
}

// GetRenderDelay returns how far behind wall time the live cursor runs.
func (c *TrailConfig) GetRenderDelay() time.Duration {
	return durationOr(c.RenderDelay, 500*time.Millisecond)
}

// GetRefreshInterval returns the engine tick interval.
func (c *TrailConfig) GetRefreshInterval() time.Duration {
	return durationOr(c.RefreshInterval, time.Second)
}

// GetQuickTip returns the length of the tip fetched first for new trails.
func (c *TrailConfig) GetQuickTip() time.Duration {
	return durationOr(c.QuickTip, 10*time.Second)
}

// GetDetailSelector returns the scalar used to colour trails.
func (c *TrailConfig) GetDetailSelector() string {
	if c.DetailSelector == nil || *c.DetailSelector == "" {
		return "speed"
	}
	return *c.DetailSelector
}

// GetPlaying returns whether the cursor advances on its own.
func (c *TrailConfig) GetPlaying() bool {
	if c.Playing == nil {
		return true
	}
	return *c.Playing
}

// GetSpeedUnits returns the unit speed details are shown in.
func (c *TrailConfig) GetSpeedUnits() string {
	if c.SpeedUnits == nil || *c.SpeedUnits == "" {
		return units.MPS
	}
	return *c.SpeedUnits
}

// GetTimezone returns the zone rendered times are labelled in.
func (c *TrailConfig) GetTimezone() string {
	if c.Timezone == nil || *c.Timezone == "" {
		return "UTC"
	}
	return *c.Timezone
}

// GetArchiveCodec returns the codec name used for replay archives.
func (c *TrailConfig) GetArchiveCodec() string {
	if c.ArchiveCodec == nil || *c.ArchiveCodec == "" {
		return "zstd"
	}
	return *c.ArchiveCodec
}

// GetListen returns the HTTP listen address.
func (c *TrailConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8090"
	}
	return *c.Listen
}

// GetDatabasePath returns the SQLite fix store path.
func (c *TrailConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "fixes.db"
	}
	return *c.DatabasePath
}

// EngineConfig converts the tunables into the engine's configuration.
func (c *TrailConfig) EngineConfig() trail.Config {
	return trail.Config{
		WindowLength:    c.GetWindowLength(),
		RefreshInterval: c.GetRefreshInterval(),
		QuickTip:        c.GetQuickTip(),
		Playing:         c.GetPlaying(),
	}
}
