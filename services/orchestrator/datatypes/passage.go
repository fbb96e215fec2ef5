// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Passage types understood by the context assembler.
const (
	PassageTypeSkill      = "skill"
	PassageTypeExperience = "experience"
	PassageTypeProject    = "project"
	PassageTypeEducation  = "education"
	PassageTypeContent    = "content"
)

// PassageMetadata holds the structured profile fields that travel with a
// vector-index hit. Only the fields relevant to Type are populated.
type PassageMetadata struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
	Position    string `json:"position,omitempty"`
	Category    string `json:"category,omitempty"`
	Title       string `json:"title,omitempty"`
	Status      string `json:"status,omitempty"`
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	Institution string `json:"institution,omitempty"`
}

// RetrievedPassage is a scored vector-index hit. It lives for one request.
//
// Text is nil when the index stored only metadata for the record; callers
// must not treat that as an empty passage.
type RetrievedPassage struct {
	ID       string          `json:"id"`
	Score    float64         `json:"score"`
	Text     *string         `json:"text,omitempty"`
	Metadata PassageMetadata `json:"metadata"`
}

// HasText reports whether the passage carries raw text.
func (p RetrievedPassage) HasText() bool {
	return p.Text != nil
}

// SearchResponse is the body of GET /api/search.
type SearchResponse struct {
	Query   string             `json:"query"`
	Results []RetrievedPassage `json:"results"`
}
