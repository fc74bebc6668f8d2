// Package config loads the nozzle control configuration once at startup.
//
// Every core parameter is required. There are no implicit defaults: a file
// with a missing speed entry or window size fails Validate and the process
// must not start.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/nozzle.control/internal/aggregator"
	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/channel"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

// DefaultConfigPath is the canonical defaults file shipped with the repo.
const DefaultConfigPath = "config/nozzle.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ConfigError lists every problem found in a configuration file.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Control is the root configuration. Durations are strings like "500ms".
type Control struct {
	Nozzles []string `json:"nozzles" yaml:"nozzles"`

	// Filter
	WindowSize           *int               `json:"window_size" yaml:"window_size"`
	MajorityFraction     *float64           `json:"majority_fraction" yaml:"majority_fraction"`
	MinFill              *int               `json:"min_fill" yaml:"min_fill"`
	ConfidenceThresholds map[string]float64 `json:"confidence_thresholds" yaml:"confidence_thresholds"`

	// State machine
	HysteresisCount *int           `json:"hysteresis_count" yaml:"hysteresis_count"`
	HistoryCapacity *int           `json:"history_capacity" yaml:"history_capacity"`
	SpeedTable      map[string]int `json:"speed_table" yaml:"speed_table"`

	// Aggregator
	PublishInterval    *string `json:"publish_interval" yaml:"publish_interval"`
	NozzleStaleTimeout *string `json:"nozzle_stale_timeout" yaml:"nozzle_stale_timeout"`

	// Control channel
	SocketPath             *string `json:"socket_path" yaml:"socket_path"`
	ClientName             *string `json:"client_name" yaml:"client_name"`
	HeartbeatInterval      *string `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ConnectionStaleTimeout *string `json:"connection_stale_timeout" yaml:"connection_stale_timeout"`
	ConnectionHardTimeout  *string `json:"connection_hard_timeout" yaml:"connection_hard_timeout"`
	MergeInterval          *string `json:"merge_interval" yaml:"merge_interval"`
	TelemetryInterval      *string `json:"telemetry_interval" yaml:"telemetry_interval"`
	ReconnectMinBackoff    *string `json:"reconnect_min_backoff" yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff    *string `json:"reconnect_max_backoff" yaml:"reconnect_max_backoff"`

	// CAN gateway (optional; cangw defaults apply when omitted)
	CANFrameIDs map[string]uint16 `json:"can_frame_ids,omitempty" yaml:"can_frame_ids,omitempty"`
	CANBitrate  *string           `json:"can_bitrate,omitempty" yaml:"can_bitrate,omitempty"`
}

// Load reads and validates a configuration file. JSON and YAML are accepted,
// chosen by extension.
func Load(path string) (*Control, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, ext)
}

// Parse decodes data in the format named by ext and validates it.
func Parse(data []byte, ext string) (*Control, error) {
	cfg := &Control{}
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. It panics when the file cannot be loaded and is meant
// for tests and tools run inside the repo.
func MustLoadDefaultConfig() *Control {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	var lastErr error
	for _, path := range candidates {
		cfg, err := Load(path)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	panic(fmt.Sprintf("cannot load %s: %v", DefaultConfigPath, lastErr))
}

// validator collects problems so one run reports all of them.
type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...interface{}) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) duration(name string, s *string) time.Duration {
	if s == nil {
		v.addf("%s is required", name)
		return 0
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		v.addf("invalid %s %q: %v", name, *s, err)
		return 0
	}
	if d <= 0 {
		v.addf("%s must be positive, got %s", name, d)
	}
	return d
}

func (v *validator) positiveInt(name string, p *int) int {
	if p == nil {
		v.addf("%s is required", name)
		return 0
	}
	if *p < 1 {
		v.addf("%s must be at least 1, got %d", name, *p)
	}
	return *p
}

func (v *validator) str(name string, p *string) {
	if p == nil || strings.TrimSpace(*p) == "" {
		v.addf("%s is required", name)
	}
}

// Validate checks every field and cross-field rule and returns a
// *ConfigError listing all problems.
func (c *Control) Validate() error {
	v := &validator{}

	if len(c.Nozzles) == 0 {
		v.addf("nozzles must list at least one nozzle id")
	}
	seen := make(map[string]bool, len(c.Nozzles))
	for _, id := range c.Nozzles {
		switch {
		case strings.TrimSpace(id) == "":
			v.addf("nozzle ids must not be empty")
		case seen[id]:
			v.addf("duplicate nozzle id %q", id)
		}
		seen[id] = true
	}

	window := v.positiveInt("window_size", c.WindowSize)
	minFill := v.positiveInt("min_fill", c.MinFill)
	if c.WindowSize != nil && c.MinFill != nil && minFill > window {
		v.addf("min_fill %d must not exceed window_size %d", minFill, window)
	}
	if c.MajorityFraction == nil {
		v.addf("majority_fraction is required")
	} else if f := *c.MajorityFraction; !(f > 0 && f <= 1) {
		v.addf("majority_fraction must be in (0, 1], got %v", f)
	}
	for _, cat := range nozzle.Categories {
		th, ok := c.ConfidenceThresholds[cat.String()]
		if !ok {
			v.addf("confidence_thresholds.%s is required", cat)
			continue
		}
		if !(th >= 0 && th <= 1) {
			v.addf("confidence_thresholds.%s must be in [0, 1], got %v", cat, th)
		}
	}
	for name := range c.ConfidenceThresholds {
		if _, err := nozzle.ParseCategory(name); err != nil {
			v.addf("confidence_thresholds has unknown category %q", name)
		}
	}

	v.positiveInt("hysteresis_count", c.HysteresisCount)
	v.positiveInt("history_capacity", c.HistoryCapacity)
	if _, err := c.speedTable(); err != nil {
		v.addf("speed_table: %v", err)
	}

	v.duration("publish_interval", c.PublishInterval)
	v.duration("nozzle_stale_timeout", c.NozzleStaleTimeout)

	v.str("socket_path", c.SocketPath)
	v.str("client_name", c.ClientName)
	hb := v.duration("heartbeat_interval", c.HeartbeatInterval)
	stale := v.duration("connection_stale_timeout", c.ConnectionStaleTimeout)
	hard := v.duration("connection_hard_timeout", c.ConnectionHardTimeout)
	if stale > 0 && hard > 0 && hard <= stale {
		v.addf("connection_hard_timeout %s must exceed connection_stale_timeout %s", hard, stale)
	}
	if hb > 0 && hard > 0 && hard <= hb {
		v.addf("connection_hard_timeout %s must exceed heartbeat_interval %s", hard, hb)
	}
	v.duration("merge_interval", c.MergeInterval)
	v.duration("telemetry_interval", c.TelemetryInterval)
	lo := v.duration("reconnect_min_backoff", c.ReconnectMinBackoff)
	hi := v.duration("reconnect_max_backoff", c.ReconnectMaxBackoff)
	if lo > 0 && hi > 0 && lo > hi {
		v.addf("reconnect_min_backoff %s must not exceed reconnect_max_backoff %s", lo, hi)
	}

	if c.CANBitrate != nil {
		if _, err := (cangw.PortOptions{Bitrate: *c.CANBitrate}).Normalize(); err != nil {
			v.addf("can_bitrate: %v", err)
		}
	}
	for _, id := range c.Nozzles {
		if _, ok := c.frameIDs()[id]; !ok {
			v.addf("no CAN frame id for nozzle %q; set can_frame_ids", id)
		}
	}

	if len(v.problems) > 0 {
		sort.Strings(v.problems)
		return &ConfigError{Problems: v.problems}
	}
	return nil
}

func (c *Control) speedTable() (nozzle.SpeedTable, error) {
	entries := make(map[nozzle.State]int, len(c.SpeedTable))
	for name, speed := range c.SpeedTable {
		s, err := nozzle.ParseState(name)
		if err != nil {
			return nozzle.SpeedTable{}, err
		}
		entries[s] = speed
	}
	return nozzle.NewSpeedTable(entries)
}

func (c *Control) frameIDs() map[string]uint16 {
	if len(c.CANFrameIDs) > 0 {
		return c.CANFrameIDs
	}
	return cangw.DefaultFrameIDs()
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s *string) time.Duration {
	d, _ := time.ParseDuration(*s)
	return d
}

// The conversions below assume a configuration that passed Validate.

// Speeds returns the validated state to speed table.
func (c *Control) Speeds() nozzle.SpeedTable {
	t, _ := c.speedTable()
	return t
}

// FilterOptions returns the voting window options.
func (c *Control) FilterOptions() nozzle.FilterOptions {
	th := make(map[nozzle.Category]float64, len(c.ConfidenceThresholds))
	for name, v := range c.ConfidenceThresholds {
		cat, _ := nozzle.ParseCategory(name)
		th[cat] = v
	}
	return nozzle.FilterOptions{
		WindowSize:       *c.WindowSize,
		MajorityFraction: *c.MajorityFraction,
		MinFill:          *c.MinFill,
		Thresholds:       th,
	}
}

// MachineOptions returns the state machine options.
func (c *Control) MachineOptions() nozzle.MachineOptions {
	return nozzle.MachineOptions{
		Hysteresis:      *c.HysteresisCount,
		HistoryCapacity: *c.HistoryCapacity,
		Speeds:          c.Speeds(),
	}
}

// AggregatorOptions returns the publish tick and nozzle liveness options.
func (c *Control) AggregatorOptions() aggregator.Options {
	return aggregator.Options{
		PublishInterval: mustDuration(c.PublishInterval),
		StaleTimeout:    mustDuration(c.NozzleStaleTimeout),
	}
}

// ClientOptions returns the control channel client options for role. The
// client treats a server silent for the hard timeout as dead.
func (c *Control) ClientOptions(role wire.Role) channel.ClientOptions {
	return channel.ClientOptions{
		SocketPath:        *c.SocketPath,
		ClientName:        *c.ClientName,
		Role:              role,
		HeartbeatInterval: mustDuration(c.HeartbeatInterval),
		DeadTimeout:       mustDuration(c.ConnectionHardTimeout),
		MinBackoff:        mustDuration(c.ReconnectMinBackoff),
		MaxBackoff:        mustDuration(c.ReconnectMaxBackoff),
	}
}

// ServerOptions returns the control channel server options.
func (c *Control) ServerOptions() channel.ServerOptions {
	return channel.ServerOptions{
		SocketPath:        *c.SocketPath,
		HeartbeatInterval: mustDuration(c.HeartbeatInterval),
		StaleTimeout:      mustDuration(c.ConnectionStaleTimeout),
		HardTimeout:       mustDuration(c.ConnectionHardTimeout),
		MergeInterval:     mustDuration(c.MergeInterval),
		TelemetryInterval: mustDuration(c.TelemetryInterval),
		Nozzles:           append([]string(nil), c.Nozzles...),
		Speeds:            c.Speeds(),
	}
}

// GatewayOptions returns the CAN gateway options.
func (c *Control) GatewayOptions() cangw.GatewayOptions {
	opts := cangw.GatewayOptions{FrameIDs: make(map[string]uint16)}
	for id, frame := range c.frameIDs() {
		opts.FrameIDs[id] = frame
	}
	if c.CANBitrate != nil {
		opts.Bitrate = *c.CANBitrate
	}
	return opts
}
