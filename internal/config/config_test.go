package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	assert.Equal(t, []string{"primary", "secondary"}, cfg.Nozzles)
	fo := cfg.FilterOptions()
	assert.Equal(t, 5, fo.WindowSize)
	assert.Equal(t, 0.6, fo.MajorityFraction)
	assert.Equal(t, 3, fo.MinFill)
	assert.Equal(t, 0.3, fo.Thresholds[nozzle.CategoryActionObject])
	require.NoError(t, fo.Validate())

	mo := cfg.MachineOptions()
	require.NoError(t, mo.Validate())
	assert.Equal(t, 3, mo.Hysteresis)
	assert.Equal(t, 62, mo.Speeds.For(nozzle.StateCheck))
	assert.Equal(t, 0, mo.Speeds.For(nozzle.StateGravel))

	ao := cfg.AggregatorOptions()
	assert.Equal(t, 500*time.Millisecond, ao.PublishInterval)
	assert.Equal(t, 2*time.Second, ao.StaleTimeout)

	so := cfg.ServerOptions()
	require.NoError(t, so.Validate())
	assert.Equal(t, "/tmp/can_server.sock", so.SocketPath)
	assert.Equal(t, 10*time.Second, so.HardTimeout)
	assert.Equal(t, 25, so.Speeds.For(nozzle.StateClear))

	co := cfg.ClientOptions(wire.RoleReporter)
	require.NoError(t, co.Validate())
	assert.Equal(t, "pipeline", co.ClientName)
	assert.Equal(t, 10*time.Second, co.DeadTimeout)
	assert.Equal(t, 100*time.Millisecond, co.MinBackoff)

	gw := cfg.GatewayOptions()
	assert.Equal(t, uint16(0x0F7), gw.FrameIDs["primary"])
	assert.Equal(t, uint16(0x1F7), gw.FrameIDs["secondary"])
	assert.Empty(t, gw.Bitrate)
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load("testdata/tractor.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"left", "right"}, cfg.Nozzles)
	assert.Equal(t, 7, cfg.FilterOptions().WindowSize)
	assert.Equal(t, 0.55, cfg.FilterOptions().Thresholds[nozzle.CategoryCheck])
	assert.Equal(t, 1500*time.Millisecond, cfg.AggregatorOptions().StaleTimeout)
	assert.Equal(t, "cab-camera", cfg.ClientOptions(wire.RoleSubscriber).ClientName)
	assert.Equal(t, wire.RoleSubscriber, cfg.ClientOptions(wire.RoleSubscriber).Role)

	gw := cfg.GatewayOptions()
	assert.Equal(t, "S5", gw.Bitrate)
	assert.Equal(t, uint16(0x1F7), gw.FrameIDs["right"])
}

func TestLoadJSONMatchesYAML(t *testing.T) {
	yamlCfg, err := Load("testdata/tractor.yaml")
	require.NoError(t, err)

	data, err := json.Marshal(yamlCfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tractor.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	jsonCfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, yamlCfg, jsonCfg)
}

func TestLoadRejectsFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("extension", func(t *testing.T) {
		path := filepath.Join(dir, "nozzle.ini")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "extension")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.json"))
		assert.ErrorContains(t, err, "failed to stat")
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "big.json")
		require.NoError(t, os.WriteFile(path, make([]byte, maxFileSize+1), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "too large")
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "parse config JSON")
	})
}

// defaultsWith loads the defaults file and applies edit to its raw JSON map.
func defaultsWith(t *testing.T, edit func(map[string]interface{})) []byte {
	t.Helper()
	raw, err := json.Marshal(MustLoadDefaultConfig())
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	edit(m)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(map[string]interface{})
		want string
	}{
		{"missing speed", func(m map[string]interface{}) {
			delete(m["speed_table"].(map[string]interface{}), "gravel")
		}, "missing speed for state gravel"},
		{"speed out of range", func(m map[string]interface{}) {
			m["speed_table"].(map[string]interface{})["blocked"] = 120
		}, "between 0 and 100"},
		{"unknown state", func(m map[string]interface{}) {
			m["speed_table"].(map[string]interface{})["flooded"] = 10
		}, "unknown nozzle state"},
		{"no window", func(m map[string]interface{}) { delete(m, "window_size") }, "window_size is required"},
		{"zero window", func(m map[string]interface{}) { m["window_size"] = 0 }, "window_size must be at least 1"},
		{"min fill above window", func(m map[string]interface{}) { m["min_fill"] = 9 }, "must not exceed window_size"},
		{"fraction", func(m map[string]interface{}) { m["majority_fraction"] = 1.5 }, "majority_fraction"},
		{"missing threshold", func(m map[string]interface{}) {
			delete(m["confidence_thresholds"].(map[string]interface{}), "check")
		}, "confidence_thresholds.check is required"},
		{"unknown threshold", func(m map[string]interface{}) {
			m["confidence_thresholds"].(map[string]interface{})["dust"] = 0.5
		}, `unknown category "dust"`},
		{"bad duration", func(m map[string]interface{}) { m["publish_interval"] = "soon" }, "invalid publish_interval"},
		{"negative duration", func(m map[string]interface{}) { m["merge_interval"] = "-1s" }, "merge_interval must be positive"},
		{"hard not above stale", func(m map[string]interface{}) { m["connection_hard_timeout"] = "2s" }, "must exceed connection_stale_timeout"},
		{"backoff order", func(m map[string]interface{}) { m["reconnect_min_backoff"] = "10s" }, "must not exceed reconnect_max_backoff"},
		{"duplicate nozzle", func(m map[string]interface{}) { m["nozzles"] = []string{"primary", "primary"} }, "duplicate nozzle id"},
		{"no nozzles", func(m map[string]interface{}) { m["nozzles"] = []string{} }, "at least one nozzle"},
		{"nozzle without frame", func(m map[string]interface{}) { m["nozzles"] = []string{"primary", "rear"} }, `no CAN frame id for nozzle "rear"`},
		{"bad bitrate", func(m map[string]interface{}) { m["can_bitrate"] = "S9" }, "can_bitrate"},
		{"no socket", func(m map[string]interface{}) { delete(m, "socket_path") }, "socket_path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(defaultsWith(t, tt.edit), ".json")
			require.Error(t, err)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "want *ConfigError, got %T", err)
			assert.Contains(t, strings.Join(cerr.Problems, "\n"), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`{}`), ".json")
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	// One entry per required field group, at least.
	assert.Greater(t, len(cerr.Problems), 15)
	assert.Contains(t, err.Error(), "hysteresis_count is required")
}
