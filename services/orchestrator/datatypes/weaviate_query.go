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

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse decodes resp.Data into T.
//
// # Description
//
// The Weaviate client returns GraphQL data as nested map[string]interface{}.
// Round-tripping through JSON gives typed access without hand-written type
// assertions.
//
// # Inputs
//
//   - resp: Raw response from a GraphQL Get query.
//
// # Outputs
//
//   - *T: Decoded response.
//   - error: Non-nil if resp is nil, carries GraphQL errors, or does not
//     match T.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// ProfileChunkQueryResponse is the Get payload for a profile class. The class
// name is dynamic, so the hits are kept keyed by class.
type ProfileChunkQueryResponse struct {
	Get map[string][]ProfileChunkResult `json:"Get"`
}

// ProfileChunkResult is one hit. Content is a pointer so a null property stays
// distinguishable from an empty string.
type ProfileChunkResult struct {
	Content     *string `json:"content"`
	ChunkType   string  `json:"chunk_type"`
	Name        string  `json:"name"`
	Company     string  `json:"company"`
	Position    string  `json:"position"`
	Category    string  `json:"category"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Degree      string  `json:"degree"`
	Field       string  `json:"field"`
	Institution string  `json:"institution"`
	Additional  struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// ToPassage converts a hit to a RetrievedPassage. A missing certainty scores 0.
func (r ProfileChunkResult) ToPassage() RetrievedPassage {
	score := 0.0
	if r.Additional.Certainty != nil {
		score = *r.Additional.Certainty
	}
	return RetrievedPassage{
		ID:    r.Additional.ID,
		Score: score,
		Text:  r.Content,
		Metadata: PassageMetadata{
			Type:        r.ChunkType,
			Name:        r.Name,
			Company:     r.Company,
			Position:    r.Position,
			Category:    r.Category,
			Title:       r.Title,
			Status:      r.Status,
			Degree:      r.Degree,
			Field:       r.Field,
			Institution: r.Institution,
		},
	}
}
