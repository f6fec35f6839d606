// Package experts loads, stores and generates the expert definitions a team
// is built from.
package experts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"riskteam/pkg/logx"
)

// ErrNoDefinitions is returned when a source yields no usable experts.
var ErrNoDefinitions = errors.New("no expert definitions")

// Definition describes one expert.
type Definition struct {
	Name         string   `json:"name" yaml:"name"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Keywords     []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

const definitionsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "system_prompt"],
		"properties": {
			"name":          {"type": "string", "minLength": 1},
			"system_prompt": {"type": "string"},
			"keywords":      {"type": "array", "items": {"type": "string"}}
		}
	}
}`

//nolint:gochecknoglobals // compiled once
var definitionsSchemaLoader = gojsonschema.NewStringLoader(definitionsSchema)

// Defaults returns the built-in team used when no definitions file exists.
func Defaults() []Definition {
	return []Definition{
		{
			Name:         "SecurityExpert",
			SystemPrompt: "You are a cybersecurity expert specializing in threat analysis.",
			Keywords:     []string{"threat", "vulnerability", "attack", "authentication", "encryption"},
		},
		{
			Name:         "ComplianceExpert",
			SystemPrompt: "You are a compliance expert specializing in regulatory requirements.",
			Keywords:     []string{"regulation", "compliance", "audit", "privacy", "control"},
		},
		{
			Name:         "ArchitectureExpert",
			SystemPrompt: "You are a cloud architecture expert specializing in scalable systems.",
			Keywords:     []string{"architecture", "availability", "scalability", "dependency", "failover"},
		},
	}
}

// Parse decodes definitions. YAML is used when format is "yaml" or "yml",
// JSON otherwise. A single object is accepted in place of a list.
func Parse(data []byte, format string) ([]Definition, error) {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "yaml" || format == "yml" {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parse expert definitions: %w", err)
		}
		if generic == nil {
			return nil, ErrNoDefinitions
		}
		var err error
		if data, err = json.Marshal(generic); err != nil {
			return nil, fmt.Errorf("parse expert definitions: %w", err)
		}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoDefinitions
	}
	if data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}

	result, err := gojsonschema.Validate(definitionsSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("parse expert definitions: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid expert definitions: %s", strings.Join(msgs, "; "))
	}

	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse expert definitions: %w", err)
	}
	defs = Dedupe(defs)
	if len(defs) == 0 {
		return nil, ErrNoDefinitions
	}
	return defs, nil
}

// Dedupe trims names and keeps the first definition of each name.
func Dedupe(defs []Definition) []Definition {
	seen := make(map[string]bool, len(defs))
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" || seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

// Names returns the names of defs in order.
func Names(defs []Definition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Load reads definitions from path, choosing the format by extension.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read expert definitions: %w", err)
	}
	defs, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadOrDefault loads definitions from path, or returns Defaults when the
// path is empty or the file does not exist.
func LoadOrDefault(path string) ([]Definition, error) {
	if path == "" {
		return Defaults(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logx.NewLogger("experts").Info("no expert definitions at %s, using the default team", path)
		return Defaults(), nil
	}
	return Load(path)
}

// Save writes defs to path, as YAML for .yaml/.yml and JSON otherwise.
func Save(path string, defs []Definition) error {
	defs = Dedupe(defs)
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(defs)
	default:
		data, err = json.MarshalIndent(defs, "", "    ")
	}
	if err != nil {
		return fmt.Errorf("encode expert definitions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create experts directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write expert definitions: %w", err)
	}
	return nil
}

// Append adds def to the file at path unless an expert of that name is
// already stored. It reports whether def was added.
func Append(path string, def Definition) (bool, error) {
	var existing []Definition
	if _, err := os.Stat(path); err == nil {
		if existing, err = Load(path); err != nil && !errors.Is(err, ErrNoDefinitions) {
			return false, err
		}
	}
	name := strings.TrimSpace(def.Name)
	for _, d := range existing {
		if d.Name == name {
			return false, nil
		}
	}
	return true, Save(path, append(existing, def))
}
