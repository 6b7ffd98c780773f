package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON converts a config file body to JSON so both formats share the
// strict decoder. ${NAME} references in string values are expanded.
func toJSON(path string, data []byte) ([]byte, error) {
	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	}
	if v == nil {
		v = map[string]any{}
	}
	out, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("config: re-encode: %w", err)
	}
	return out, nil
}

// normalize stringifies map keys and expands environment references.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case string:
		if strings.Contains(x, "${") {
			return os.Expand(x, os.Getenv)
		}
		return x
	default:
		return in
	}
}
