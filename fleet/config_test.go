package fleet

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mqtt:
  broker: tcp://localhost:1883
  detectionTopic: tracker/detections
coordinator:
  tickInterval: 50ms
  calibrationSamples: 20
  matcher: hungarian
arena:
  - [-3, -3]
  - [3, -3]
  - [3, 3]
  - [-3, 3]
robots:
  - id: red
    start: {x: 1.0, y: 0.0, z: 0.2}
    color: "#FF0000"
  - id: blue
    start: {x: -1.0, y: 0.5, z: 0.2}
    radius: 0.1
  - id: green
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, 50*time.Millisecond, cfg.Coordinator.TickInterval)
	assert.Equal(t, 20, cfg.Coordinator.CalibrationSamples)
	assert.Equal(t, MatcherHungarian, cfg.Coordinator.Matcher)
	assert.Len(t, cfg.Arena, 4)
	require.Len(t, cfg.Robots, 3)
	assert.Equal(t, "red", cfg.Robots[0].ID)
	assert.Equal(t, 0.2, cfg.Robots[0].Start.Z)
	assert.Nil(t, cfg.Robots[2].Start)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "robots:\n  - id: only\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultTickInterval, cfg.Coordinator.TickInterval)
	assert.Equal(t, DefaultCalibrationSamples, cfg.Coordinator.CalibrationSamples)
	require.NotNil(t, cfg.Coordinator.StallLimit)
	assert.Equal(t, DefaultStallLimit, *cfg.Coordinator.StallLimit)
	assert.Equal(t, MatcherExhaustive, cfg.Coordinator.Matcher)
	assert.Equal(t, DefaultSentinel, cfg.Coordinator.Sentinel)
	assert.Equal(t, DefaultPublishPrefix, cfg.MQTT.PublishPrefix)
	assert.Equal(t, "puppeteer/operating_condition", cfg.MQTT.ConditionTopic)
	assert.Zero(t, cfg.MQTT.QoS)
	require.NotNil(t, cfg.MQTT.Retain)
	assert.True(t, *cfg.MQTT.Retain)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_ExplicitZeroStallLimit(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "coordinator:\n  stallLimit: 0\nrobots:\n  - id: only\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Coordinator.StallLimit)
	assert.Zero(t, *cfg.Coordinator.StallLimit)
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestParseConfig_BadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("robots: [\n"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadConfig_PublishOptions(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "mqtt:\n  qos: 1\n  retain: false\nrobots:\n  - id: only\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	require.NotNil(t, cfg.MQTT.Retain)
	assert.False(t, *cfg.MQTT.Retain)
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestConfigValidate(t *testing.T) {
	negative := -1
	radius := -0.5

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"valid", func(c *Config) {}, nil},
		{"no robots", func(c *Config) { c.Robots = nil }, ErrConfig},
		{"too many robots", func(c *Config) {
			c.Robots = nil
			for i := 0; i < 10; i++ {
				c.Robots = append(c.Robots, RobotConfig{ID: string(rune('a' + i))})
			}
		}, ErrResourceExhausted},
		{"empty id", func(c *Config) { c.Robots[1].ID = "" }, ErrConfig},
		{"duplicate id", func(c *Config) { c.Robots[1].ID = "red" }, ErrConfig},
		{"nan start", func(c *Config) { c.Robots[0].Start = &Vec3{X: math.NaN()} }, ErrConfig},
		{"negative radius", func(c *Config) { c.Robots[0].Radius = &radius }, ErrConfig},
		{"zero tick", func(c *Config) { c.Coordinator.TickInterval = 0 }, ErrConfig},
		{"zero samples", func(c *Config) { c.Coordinator.CalibrationSamples = 0 }, ErrConfig},
		{"negative stall limit", func(c *Config) { c.Coordinator.StallLimit = &negative }, ErrConfig},
		{"unknown matcher", func(c *Config) { c.Coordinator.Matcher = "greedy" }, ErrConfig},
		{"small sentinel", func(c *Config) { c.Coordinator.Sentinel = 0.5 }, ErrConfig},
		{"sentinel of one", func(c *Config) { c.Coordinator.Sentinel = 1 }, ErrConfig},
		{"negative sentinel", func(c *Config) { c.Coordinator.Sentinel = -MinSentinel }, nil},
		{"sentinel inside arena", func(c *Config) {
			c.Arena = [][2]float64{{-5000, -5000}, {5000, -5000}, {5000, 5000}, {-5000, 5000}}
			c.Coordinator.Sentinel = 2000
		}, ErrConfig},
		{"sentinel outside large arena", func(c *Config) {
			c.Arena = [][2]float64{{-5000, -5000}, {5000, -5000}, {5000, 5000}, {-5000, 5000}}
			c.Coordinator.Sentinel = 6000
		}, nil},
		{"qos too high", func(c *Config) { c.MQTT.QoS = 3 }, ErrConfig},
		{"negative qos", func(c *Config) { c.MQTT.QoS = -1 }, ErrConfig},
		{"infinite sentinel", func(c *Config) { c.Coordinator.Sentinel = math.Inf(1) }, ErrConfig},
		{"degenerate arena", func(c *Config) { c.Arena = [][2]float64{{0, 0}, {1, 1}} }, ErrConfig},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigValidateService(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	cfg := &Config{}
	err := cfg.ValidateService()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "mqtt.broker")
	assert.Contains(t, err.Error(), "mqtt.detectionTopic")

	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	cfg.MQTT.DetectionTopic = "tracker/detections"
	assert.NoError(t, cfg.ValidateService())
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

func TestConfigSlotsAndStarts(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	slots := cfg.Slots()
	require.Len(t, slots, 3)
	assert.Equal(t, RobotSlot{Slot: 1, ID: "red", Radius: DefaultRadius, Color: "#FF0000"}, slots[0])
	assert.Equal(t, 0.1, slots[1].Radius)
	assert.Equal(t, 3, slots[2].Slot)

	starts := cfg.Starts()
	require.Len(t, starts, 3)
	assert.Equal(t, Vec3{X: -1, Y: 0.5, Z: 0.2}, *starts[1])
	assert.Nil(t, starts[2])

	// Starts are copies.
	starts[0].X = 99
	assert.Equal(t, 1.0, cfg.Robots[0].Start.X)
}

func TestConfigBuildMatcher(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	m, table, err := cfg.BuildMatcher()
	require.NoError(t, err)
	assert.IsType(t, &HungarianMatcher{}, m)
	assert.Equal(t, 6, table.Len())

	cfg.Coordinator.Matcher = MatcherExhaustive
	m, _, err = cfg.BuildMatcher()
	require.NoError(t, err)
	assert.IsType(t, &ExhaustiveMatcher{}, m)

	arena, err := cfg.BuildArena()
	require.NoError(t, err)
	require.NotNil(t, arena)
	assert.Equal(t, SentinelPoint(DefaultSentinel), cfg.SentinelPoint())
}
