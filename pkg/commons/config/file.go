package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// LoadFile reads a JSON or YAML file (chosen by extension) into out.
func LoadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return DecodeYAML(data, out)
	default:
		return DecodeJSON(data, out)
	}
}

// DecodeJSON unmarshals JSON data into the provided struct pointer.
func DecodeJSON(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// DecodeYAML unmarshals YAML data into the provided struct pointer. Unknown
// keys are rejected so typos do not silently fall back to defaults.
func DecodeYAML(data []byte, out any) error {
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
