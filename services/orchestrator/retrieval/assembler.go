// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// Relevance floors. The chat and search paths are tuned separately.
const (
	DefaultChatFloor   = 0.6
	DefaultSearchFloor = 0.7
)

// passageSeparator joins rendered passages in the assembled context.
const passageSeparator = "\n\n"

// Assemble renders the passages scoring at or above floor into the context
// block handed to the generator. It is pure: the same input always yields
// the same output, and an empty string is a valid result.
func Assemble(passages []datatypes.RetrievedPassage, floor float64) string {
	lines := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.Score < floor {
			continue
		}
		if line, ok := PassageLine(p); ok {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, passageSeparator)
}

// FilterByFloor keeps the passages scoring at or above floor, in order.
func FilterByFloor(passages []datatypes.RetrievedPassage, floor float64) []datatypes.RetrievedPassage {
	out := make([]datatypes.RetrievedPassage, 0, len(passages))
	for _, p := range passages {
		if p.Score >= floor {
			out = append(out, p)
		}
	}
	return out
}

// PassageLine returns the text used for one passage.
//
// Non-blank raw text wins. Otherwise a line is built from metadata by type;
// ok is false when the type is unknown or the fields the template needs are
// empty.
func PassageLine(p datatypes.RetrievedPassage) (line string, ok bool) {
	if p.Text != nil {
		if t := strings.TrimSpace(*p.Text); t != "" {
			return t, true
		}
	}

	m := p.Metadata
	switch m.Type {
	case datatypes.PassageTypeSkill:
		if m.Name == "" {
			return "", false
		}
		if m.Category == "" {
			return m.Name, true
		}
		return fmt.Sprintf("%s (%s)", m.Name, m.Category), true

	case datatypes.PassageTypeExperience:
		if m.Position == "" || m.Company == "" {
			return "", false
		}
		return fmt.Sprintf("%s at %s", m.Position, m.Company), true

	case datatypes.PassageTypeProject:
		if m.Name == "" {
			return "", false
		}
		if m.Status == "" {
			return "Project: " + m.Name, true
		}
		return fmt.Sprintf("Project: %s (%s)", m.Name, m.Status), true

	case datatypes.PassageTypeEducation:
		if m.Degree == "" || m.Field == "" || m.Institution == "" {
			return "", false
		}
		return fmt.Sprintf("%s in %s from %s", m.Degree, m.Field, m.Institution), true

	case datatypes.PassageTypeContent:
		if m.Title == "" {
			return "", false
		}
		return m.Title, true
	}
	return "", false
}
