// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseJSON decodes a definition from JSON. Unknown fields are rejected.
func ParseJSON(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse json definition: %w", err)
	}
	return &def, nil
}

// ParseYAML decodes a definition from YAML. Unknown fields are rejected.
func ParseYAML(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse yaml definition: %w", err)
	}
	return &def, nil
}

// LoadFile loads a definition from a YAML or JSON file.
func LoadFile(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("definition path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def *Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		def, err = ParseJSON(data)
	default:
		def, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// IsDefinitionFile reports whether path has a supported extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// LoadDir loads every definition file in dir (non-recursive), sorted by name.
// Files declaring the same agent are merged in file order, so an agent can
// be split across several files.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		order  []string
		merged = map[string]*Definition{}
	)
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if def.Agent == "" {
			def.Agent = strings.TrimSuffix(name, filepath.Ext(name))
		}
		existing, ok := merged[def.Agent]
		if !ok {
			merged[def.Agent] = def
			order = append(order, def.Agent)
			continue
		}
		existing.merge(def)
	}

	out := make([]Definition, 0, len(order))
	for _, agent := range order {
		out = append(out, *merged[agent])
	}
	return out, nil
}

func (d *Definition) merge(other *Definition) {
	if d.Description == "" {
		d.Description = other.Description
	}
	d.Guidelines = append(d.Guidelines, other.Guidelines...)
	d.Journeys = append(d.Journeys, other.Journeys...)
	d.Tools = append(d.Tools, other.Tools...)
	d.Relationships = append(d.Relationships, other.Relationships...)
	d.Glossary = append(d.Glossary, other.Glossary...)
	d.Variables = append(d.Variables, other.Variables...)
	d.Templates = append(d.Templates, other.Templates...)
}
