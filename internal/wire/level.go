package wire

import (
	"encoding/json"
	"fmt"
)

// RiskLevel is an ordered severity tier. Higher values are riskier;
// the wire format carries the symbolic name.
type RiskLevel int

const (
	LevelNormal RiskLevel = iota
	LevelLow
	LevelCaution
	LevelHigh
	LevelWarning
	LevelCritical
)

var levelNames = map[RiskLevel]string{
	LevelNormal:   "NORMAL",
	LevelLow:      "LOW",
	LevelCaution:  "CAUTION",
	LevelHigh:     "HIGH",
	LevelWarning:  "WARNING",
	LevelCritical: "CRITICAL",
}

// String returns the symbolic name used on the wire.
func (l RiskLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("RiskLevel(%d)", int(l))
}

// ParseRiskLevel maps a symbolic name back to its level.
func ParseRiskLevel(name string) (RiskLevel, error) {
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return LevelNormal, fmt.Errorf("unknown risk level %q", name)
}

func (l RiskLevel) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("cannot encode risk level %d", int(l))
	}
	return json.Marshal(name)
}

func (l *RiskLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
