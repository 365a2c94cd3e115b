package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LadderYAML is the on-disk model ladder layout:
//
//	models:
//	  - gemini-2.5-flash
//	  - gemini-1.5-flash
type LadderYAML struct {
	Models []string `yaml:"models"`
}

// LoadModelLadderFile reads an ordered model list from a YAML file.
func LoadModelLadderFile(filePath string) ([]string, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", absPath, err)
	}

	var doc LadderYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	out := make([]string, 0, len(doc.Models))
	for _, m := range doc.Models {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no models found in %s", absPath)
	}
	return out, nil
}
