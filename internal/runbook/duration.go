package runbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like "30s" or
// "5m" as well as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asStr string
	if err := node.Decode(&asStr); err != nil {
		return fmt.Errorf("runbook: invalid duration %q", node.Value)
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("runbook: invalid duration %q: %w", asStr, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
