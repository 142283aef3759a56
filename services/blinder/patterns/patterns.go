// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns defines the rule-file format shared by the threat
// sanitiser and the pattern gate of the PII detector. Built-in rules are
// embedded YAML baked into the binary; operators may layer additional rules
// from a directory of YAML files, optionally hot-reloaded.
package patterns

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity grades a threat rule.
type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Severity(raw)
	switch incoming {
	case Low, Medium, High:
		*s = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Severity: %q", incoming)
	}
}

// Rule is one compiled detection rule.
//
// Threat rules carry a Severity; PII rules carry a Label and Confidence.
// Regexes are matched case-insensitively unless CaseSensitive is set.
type Rule struct {
	Id            string   `yaml:"id"`
	Label         string   `yaml:"label,omitempty"`
	Description   string   `yaml:"description"`
	Regex         string   `yaml:"regex"`
	Severity      Severity `yaml:"severity,omitempty"`
	Confidence    float64  `yaml:"confidence,omitempty"`
	CaseSensitive bool     `yaml:"case_sensitive,omitempty"`
	Priority      int      `yaml:"priority,omitempty"`

	compiled *regexp.Regexp
}

// RuleFile is the on-disk/embedded YAML shape.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Compiled returns the compiled regexp for the rule.
func (r *Rule) Compiled() *regexp.Regexp { return r.compiled }

// FindString returns the first match of the rule in text, or "".
func (r *Rule) FindString(text string) string {
	return r.compiled.FindString(text)
}

// FindAllIndex returns all match offsets of the rule in text.
func (r *Rule) FindAllIndex(text string) [][]int {
	return r.compiled.FindAllStringIndex(text, -1)
}

// Parse unmarshals a rule file and compiles every regex. Rules are returned
// sorted by descending priority so higher-priority rules are checked first.
func Parse(data []byte) ([]Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule file: %w", err)
	}
	for i := range file.Rules {
		if err := compile(&file.Rules[i]); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(file.Rules, func(i, j int) bool {
		return file.Rules[i].Priority > file.Rules[j].Priority
	})
	return file.Rules, nil
}

// LoadDir parses every *.yaml / *.yml file in dir and returns the combined
// rule set. A missing directory yields an empty set, not an error.
func LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules directory %s: %w", dir, err)
	}

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", entry.Name(), err)
		}
		parsed, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("rule file %s: %w", entry.Name(), err)
		}
		rules = append(rules, parsed...)
	}
	return rules, nil
}

func compile(r *Rule) error {
	expr := r.Regex
	if !r.CaseSensitive {
		expr = "(?i)" + expr
	}
	compiled, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("failed to compile rule %s: %w", r.Id, err)
	}
	r.compiled = compiled
	return nil
}
