// Package schedfile loads schedule definitions and frequency constraints from
// JSON, TOML or YAML files.
//
// JSON is the canonical schema. TOML and YAML documents are decoded into
// generic values and re-encoded as JSON, so every format accepts exactly the
// same keys.
package schedfile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/limits"
)

// File is the content of a definitions file.
type File struct {
	Schedules   []automation.Schedule        `json:"schedules"`
	Constraints []limits.FrequencyConstraint `json:"constraints,omitempty"`
}

// IDs returns the schedule IDs in file order.
func (f File) IDs() []string {
	ids := make([]string, 0, len(f.Schedules))
	for _, s := range f.Schedules {
		ids = append(ids, s.ID)
	}
	return ids
}

// Removed returns IDs present in prev but not in f.
func (f File) Removed(prev File) []string {
	keep := make(map[string]bool, len(f.Schedules))
	for _, s := range f.Schedules {
		keep[s.ID] = true
	}
	var out []string
	for _, s := range prev.Schedules {
		if !keep[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Format is a supported file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", errors.WithHint(
		errors.Wrapf(errors.ErrInvalidRequest, "unsupported schedule file %s", path),
		"use a .json, .toml, .yaml or .yml file")
}

// Load reads and validates the file at path.
func Load(path string) (File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "read %s", path)
	}
	f, err := Parse(data, format)
	if err != nil {
		return File{}, errors.WithDetailf(err, "file=%s", path)
	}
	return f, nil
}

// Parse decodes data in the given format and validates every schedule.
// Duplicate schedule IDs are rejected.
func Parse(data []byte, format Format) (File, error) {
	canonical, err := toJSON(data, format)
	if err != nil {
		return File{}, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, errors.Wrapf(errors.ErrInvalidSchedule, "decode %s: %v", format, err)
	}

	seen := make(map[string]bool, len(f.Schedules))
	for i := range f.Schedules {
		s := &f.Schedules[i]
		if err := s.Validate(); err != nil {
			return File{}, errors.Wrapf(err, "schedule %d", i)
		}
		if seen[s.ID] {
			return File{}, errors.Wrapf(errors.ErrInvalidSchedule, "duplicate schedule id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, c := range f.Constraints {
		if c.ID == "" || c.Range <= 0 {
			return File{}, errors.Wrapf(errors.ErrInvalidSchedule, "constraint %q needs an id and a positive range", c.ID)
		}
	}
	return f, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	var generic map[string]interface{}
	switch format {
	case FormatJSON:
		return data, nil
	case FormatTOML:
		if _, err := toml.Decode(string(data), &generic); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidSchedule, "parse toml: %v", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidSchedule, "parse yaml: %v", err)
		}
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown format %q", format)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidSchedule, "convert %s: %v", format, err)
	}
	return out, nil
}
