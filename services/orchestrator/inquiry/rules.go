// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inquiry

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultRules is baked into the binary so extraction behaves the same
// everywhere the orchestrator runs.
//
//go:embed rules.yaml
var defaultRules []byte

// RuleFile is the YAML shape of the rule set.
type RuleFile struct {
	Email         []PatternRule  `yaml:"email"`
	Name          []PatternRule  `yaml:"name"`
	NameStopwords []string       `yaml:"name_stopwords"`
	Categories    []CategoryRule `yaml:"categories"`
	NeedKeywords  []string       `yaml:"need_keywords"`
}

// PatternRule is a single regex rule within a stage.
type PatternRule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp
}

// CategoryRule maps a keyword group to an inquiry type.
type CategoryRule struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Keywords []string `yaml:"keywords"`

	compiled []*regexp.Regexp
}

// RuleSet is a compiled, priority-sorted RuleFile.
type RuleSet struct {
	email     []PatternRule
	name      []PatternRule
	stopwords map[string]struct{}
	category  []CategoryRule
	need      []*regexp.Regexp
}

// LoadRules parses and compiles a YAML rule file.
//
// Returns an error if the YAML is malformed, a regex does not compile, or a
// name rule has no capture group.
func LoadRules(data []byte) (*RuleSet, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inquiry rules: %w", err)
	}
	if len(file.Email) == 0 {
		return nil, fmt.Errorf("inquiry rules define no email pattern")
	}

	rs := &RuleSet{stopwords: make(map[string]struct{}, len(file.NameStopwords))}
	var err error
	if rs.email, err = compilePatterns(file.Email); err != nil {
		return nil, err
	}
	if rs.name, err = compilePatterns(file.Name); err != nil {
		return nil, err
	}
	for _, r := range rs.name {
		if r.compiled.NumSubexp() < 1 {
			return nil, fmt.Errorf("name rule %s needs a capture group", r.ID)
		}
	}
	for _, w := range file.NameStopwords {
		rs.stopwords[strings.ToLower(w)] = struct{}{}
	}

	for _, c := range file.Categories {
		c.compiled = make([]*regexp.Regexp, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			c.compiled = append(c.compiled, keywordRegex(kw))
		}
		rs.category = append(rs.category, c)
	}
	sort.SliceStable(rs.category, func(i, j int) bool {
		return rs.category[i].Priority > rs.category[j].Priority
	})

	for _, kw := range file.NeedKeywords {
		rs.need = append(rs.need, keywordRegex(kw))
	}
	return rs, nil
}

// DefaultRules compiles the embedded rule file.
func DefaultRules() (*RuleSet, error) {
	return LoadRules(defaultRules)
}

func compilePatterns(rules []PatternRule) ([]PatternRule, error) {
	out := make([]PatternRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile the regex for %s: %w", r.ID, err)
		}
		r.compiled = re
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out, nil
}

// keywordRegex matches kw as a whole word or phrase, case-insensitively.
func keywordRegex(kw string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(kw)) + `\b`)
}
