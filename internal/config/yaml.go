package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

// coerceToJSONBytes returns the config payload as JSON. YAML files
// (.yml/.yaml) are unmarshalled and re-marshalled so the strict JSON
// decoder is the single source of truth for field names. The second
// return reports whether a coercion happened.
func coerceToJSONBytes(path string, b []byte) ([]byte, bool, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
	default:
		return b, false, nil
	}

	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, false, fmt.Errorf("parse yaml: %w", err)
	}
	jb, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, false, fmt.Errorf("coerce yaml: %w", err)
	}
	return jb, true, nil
}

// normalizeYAML rewrites any map[any]any nodes into map[string]any so
// the value survives json.Marshal.
func normalizeYAML(v any) any {
	switch v := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		for k, val := range v {
			v[k] = normalizeYAML(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = normalizeYAML(val)
		}
		return v
	default:
		return v
	}
}
