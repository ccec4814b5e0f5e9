package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func loadYAMLMap(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}

	normalized, ok := normalizeYAML(data).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("YAML config must be a mapping")
	}
	return normalized, nil
}

// normalizeYAML converts YAML integers to float64 so values look the same
// as decoded JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeYAML(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeYAML(inner)
		}
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}
