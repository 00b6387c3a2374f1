package fleet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OperatingCondition is the externally supplied run state shared by every
// node of the rig.
type OperatingCondition int

const (
	ConditionIdle OperatingCondition = iota
	ConditionCalibrating
	ConditionRunning
	ConditionStopped
	ConditionEmergencyStop
)

var conditionNames = map[OperatingCondition]string{
	ConditionIdle:          "idle",
	ConditionCalibrating:   "calibrating",
	ConditionRunning:       "running",
	ConditionStopped:       "stopped",
	ConditionEmergencyStop: "emergency_stop",
}

func (c OperatingCondition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// Active reports whether the condition allows calibration and association.
func (c OperatingCondition) Active() bool {
	return c == ConditionCalibrating || c == ConditionRunning
}

// Halted reports whether entering the condition invalidates calibration.
func (c OperatingCondition) Halted() bool {
	return c == ConditionIdle || c == ConditionStopped || c == ConditionEmergencyStop
}

// ParseOperatingCondition accepts the numeric codes 0-4 or the condition
// names, case-insensitively. "estop" is an alias for emergency_stop.
func ParseOperatingCondition(s string) (OperatingCondition, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		c := OperatingCondition(n)
		if _, ok := conditionNames[c]; !ok {
			return 0, fmt.Errorf("unknown operating condition code %d", n)
		}
		return c, nil
	}
	switch s {
	case "estop", "emergency-stop", "emergencystop":
		return ConditionEmergencyStop, nil
	}
	for c, name := range conditionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown operating condition %q", s)
}

// DecodeConditionPayload parses an MQTT condition message. The payload may
// be a JSON object {"value": ...}, a JSON string or number, or raw text.
func DecodeConditionPayload(payload []byte) (OperatingCondition, error) {
	var obj struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && len(obj.Value) > 0 {
		payload = obj.Value
	}

	var str string
	if err := json.Unmarshal(payload, &str); err == nil {
		return ParseOperatingCondition(str)
	}
	return ParseOperatingCondition(string(payload))
}

func (c OperatingCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *OperatingCondition) UnmarshalJSON(data []byte) error {
	parsed, err := DecodeConditionPayload(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CalibrationPhase is the internal state of the CalibrationAccumulator.
type CalibrationPhase int

const (
	PhaseIdle CalibrationPhase = iota
	PhaseAccumulating
	PhaseDone
)

func (p CalibrationPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAccumulating:
		return "accumulating"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p CalibrationPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}
