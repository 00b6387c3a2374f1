package fleet

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTickInterval  = 33 * time.Millisecond
	DefaultPublishPrefix = "puppeteer"
	DefaultHTTPPort      = 8080

	// MinSentinel bounds |coordinator.sentinel| from below so the padding
	// point stays far from any plausible detection.
	MinSentinel = 1000.0

	MatcherExhaustive = "exhaustive"
	MatcherHungarian  = "hungarian"
)

// Config represents the full configuration file
type Config struct {
	MQTT        MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Arena       [][2]float64      `yaml:"arena,omitempty" json:"arena,omitempty"` // Optional x/y polygon of plausible detections
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	LogLevel    string            `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	Robots      []RobotConfig     `yaml:"robots" json:"robots"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker         string `yaml:"broker" json:"broker"`
	PublishPrefix  string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID       string `yaml:"clientId" json:"clientId"`
	Username       string `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string `yaml:"password,omitempty" json:"-"`
	DetectionTopic string `yaml:"detectionTopic" json:"detectionTopic"`
	ConditionTopic string `yaml:"conditionTopic" json:"conditionTopic"`
	QoS            int    `yaml:"qos" json:"qos"`                           // Publish QoS, 0..2
	Retain         *bool  `yaml:"retain,omitempty" json:"retain,omitempty"` // Defaults to true
}

// CoordinatorConfig tunes the coordinator loop.
type CoordinatorConfig struct {
	TickInterval       time.Duration `yaml:"tickInterval" json:"tickInterval"`
	CalibrationSamples int           `yaml:"calibrationSamples" json:"calibrationSamples"`
	StallLimit         *int          `yaml:"stallLimit,omitempty" json:"stallLimit,omitempty"` // 0 disables stall reports
	Matcher            string        `yaml:"matcher" json:"matcher"`
	Sentinel           float64       `yaml:"sentinel" json:"sentinel"`
}

// HTTPConfig holds the status server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// RobotConfig defines a robot from config file
type RobotConfig struct {
	ID     string   `yaml:"id" json:"id"`
	Start  *Vec3    `yaml:"start,omitempty" json:"start,omitempty"`   // May be supplied later at runtime
	Radius *float64 `yaml:"radius,omitempty" json:"radius,omitempty"` // Defaults to DefaultRadius
	Color  string   `yaml:"color,omitempty" json:"color,omitempty"`
}

// LoadConfig loads the configuration from a YAML file, applies defaults
// and validates it. Validation failures wrap ErrConfig or
// ErrResourceExhausted.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: config file not found: %s", ErrConfig, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes, defaults and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: parsing config YAML: %v", ErrConfig, err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Coordinator.TickInterval == 0 {
		c.Coordinator.TickInterval = DefaultTickInterval
	}
	if c.Coordinator.CalibrationSamples == 0 {
		c.Coordinator.CalibrationSamples = DefaultCalibrationSamples
	}
	if c.Coordinator.StallLimit == nil {
		limit := DefaultStallLimit
		c.Coordinator.StallLimit = &limit
	}
	if c.Coordinator.Matcher == "" {
		c.Coordinator.Matcher = MatcherExhaustive
	}
	if c.Coordinator.Sentinel == 0 {
		c.Coordinator.Sentinel = DefaultSentinel
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.MQTT.ConditionTopic == "" {
		c.MQTT.ConditionTopic = c.MQTT.PublishPrefix + "/operating_condition"
	}
	if c.MQTT.Retain == nil {
		retain := true
		c.MQTT.Retain = &retain
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks everything the coordinator needs at startup. The MQTT
// broker is checked separately by ValidateService.
func (c *Config) Validate() error {
	if len(c.Robots) == 0 {
		return fmt.Errorf("%w: at least one robot must be defined", ErrConfig)
	}
	if len(c.Robots) > MaxRobots {
		return fmt.Errorf("%w: %d robots configured, at most %d supported", ErrResourceExhausted, len(c.Robots), MaxRobots)
	}

	seen := make(map[string]int, len(c.Robots))
	for i, rc := range c.Robots {
		if rc.ID == "" {
			return fmt.Errorf("%w: robots[%d].id is required", ErrConfig, i)
		}
		if prev, ok := seen[rc.ID]; ok {
			return fmt.Errorf("%w: robots[%d].id %q duplicates robots[%d]", ErrConfig, i, rc.ID, prev)
		}
		seen[rc.ID] = i
		if rc.Start != nil && !rc.Start.IsFinite() {
			return fmt.Errorf("%w: robots[%d].start is not finite for %s", ErrConfig, i, rc.ID)
		}
		if rc.Radius != nil && (*rc.Radius < 0 || !isFinite(*rc.Radius)) {
			return fmt.Errorf("%w: robots[%d].radius must be a non-negative number for %s", ErrConfig, i, rc.ID)
		}
	}

	cc := c.Coordinator
	if cc.TickInterval <= 0 {
		return fmt.Errorf("%w: coordinator.tickInterval must be positive", ErrConfig)
	}
	if cc.CalibrationSamples <= 0 {
		return fmt.Errorf("%w: coordinator.calibrationSamples must be positive", ErrConfig)
	}
	if cc.StallLimit != nil && *cc.StallLimit < 0 {
		return fmt.Errorf("%w: coordinator.stallLimit must not be negative", ErrConfig)
	}
	if cc.Matcher != MatcherExhaustive && cc.Matcher != MatcherHungarian {
		return fmt.Errorf("%w: coordinator.matcher must be %q or %q, got %q", ErrConfig, MatcherExhaustive, MatcherHungarian, cc.Matcher)
	}
	if !isFinite(cc.Sentinel) || math.Abs(cc.Sentinel) < MinSentinel {
		return fmt.Errorf("%w: coordinator.sentinel must be a finite coordinate with magnitude at least %g", ErrConfig, MinSentinel)
	}

	if len(c.Arena) > 0 {
		arena, err := NewArena(c.Arena)
		if err != nil {
			return err
		}
		if arena.Bound().Contains(orb.Point{cc.Sentinel, cc.Sentinel}) {
			return fmt.Errorf("%w: coordinator.sentinel %g lies inside the arena", ErrConfig, cc.Sentinel)
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2, got %d", ErrConfig, c.MQTT.QoS)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port %d out of range", ErrConfig, c.HTTP.Port)
	}
	return nil
}

// ValidateService adds the checks needed to run the MQTT service.
func (c *Config) ValidateService() error {
	var errs []error
	if c.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
		errs = append(errs, fmt.Errorf("%w: mqtt.broker is required", ErrConfig))
	}
	if c.MQTT.DetectionTopic == "" {
		errs = append(errs, fmt.Errorf("%w: mqtt.detectionTopic is required", ErrConfig))
	}
	return errors.Join(errs...)
}

// Slots returns the canonical robot identities in configuration order.
func (c *Config) Slots() []RobotSlot {
	slots := make([]RobotSlot, len(c.Robots))
	for i, rc := range c.Robots {
		radius := DefaultRadius
		if rc.Radius != nil {
			radius = *rc.Radius
		}
		slots[i] = RobotSlot{Slot: i + 1, ID: rc.ID, Radius: radius, Color: rc.Color}
	}
	return slots
}

// Starts returns the configured start poses by slot. Unknown poses are nil.
func (c *Config) Starts() []*Vec3 {
	starts := make([]*Vec3, len(c.Robots))
	for i, rc := range c.Robots {
		if rc.Start != nil {
			s := *rc.Start
			starts[i] = &s
		}
	}
	return starts
}

// BuildArena returns the configured arena, or nil when none is set.
func (c *Config) BuildArena() (*Arena, error) {
	if len(c.Arena) == 0 {
		return nil, nil
	}
	return NewArena(c.Arena)
}

// BuildMatcher creates the configured association strategy.
func (c *Config) BuildMatcher() (Matcher, *PermutationTable, error) {
	table, err := GeneratePermutations(len(c.Robots))
	if err != nil {
		return nil, nil, err
	}
	if c.Coordinator.Matcher == MatcherHungarian {
		return NewHungarianMatcher(len(c.Robots), c.Coordinator.Sentinel), table, nil
	}
	return NewExhaustiveMatcher(table, c.Coordinator.Sentinel), table, nil
}

// SentinelPoint returns the configured padding point used for slots that
// have never been seen.
func (c *Config) SentinelPoint() r3.Vec {
	return SentinelPoint(c.Coordinator.Sentinel)
}
