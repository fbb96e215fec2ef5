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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestGetProfileChunkSchema_ReturnsValidClass(t *testing.T) {
	schema := GetProfileChunkSchema(DefaultProfileClass)

	require.NotNil(t, schema)
	assert.Equal(t, "ProfileChunk", schema.Class)
	assert.Equal(t, "none", schema.Vectorizer)
}

func TestGetProfileChunkSchema_HasRequestedProperties(t *testing.T) {
	schema := GetProfileChunkSchema("Custom")
	assert.Equal(t, "Custom", schema.Class)

	names := make(map[string]bool)
	for _, prop := range schema.Properties {
		names[prop.Name] = true
		assert.Equal(t, "text", prop.DataType[0], "DataType mismatch for %s", prop.Name)
	}
	require.Len(t, schema.Properties, len(ProfileChunkProperties))
	for _, expected := range ProfileChunkProperties {
		assert.True(t, names[expected], "Missing property: %s", expected)
	}
}

// =============================================================================
// GraphQL parsing
// =============================================================================

func TestParseGraphQLResponse_ProfileChunks(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"ProfileChunk": []interface{}{
					map[string]interface{}{
						"content":    "Built a payments platform in Go.",
						"chunk_type": "project",
						"name":       "Ledger",
						"_additional": map[string]interface{}{
							"id":        "a1",
							"certainty": 0.91,
						},
					},
					map[string]interface{}{
						"content":    nil,
						"chunk_type": "skill",
						"name":       "React",
						"category":   "Frontend",
						"_additional": map[string]interface{}{
							"id":        "a2",
							"certainty": 0.72,
						},
					},
				},
			},
		},
	}

	parsed, err := ParseGraphQLResponse[ProfileChunkQueryResponse](resp)
	require.NoError(t, err)

	hits := parsed.Get["ProfileChunk"]
	require.Len(t, hits, 2)

	first := hits[0].ToPassage()
	assert.Equal(t, "a1", first.ID)
	assert.InDelta(t, 0.91, first.Score, 1e-9)
	require.True(t, first.HasText())
	assert.Equal(t, "Built a payments platform in Go.", *first.Text)

	second := hits[1].ToPassage()
	assert.False(t, second.HasText(), "null content must stay nil")
	assert.Equal(t, "skill", second.Metadata.Type)
	assert.Equal(t, "Frontend", second.Metadata.Category)
}

func TestParseGraphQLResponse_Errors(t *testing.T) {
	_, err := ParseGraphQLResponse[ProfileChunkQueryResponse](nil)
	assert.Error(t, err)

	_, err = ParseGraphQLResponse[ProfileChunkQueryResponse](&models.GraphQLResponse{
		Errors: []*models.GraphQLError{{Message: "Cannot query field"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot query field")
}

func TestProfileChunkResult_MissingCertaintyScoresZero(t *testing.T) {
	var r ProfileChunkResult
	r.ChunkType = "content"
	r.Title = "Blog"
	assert.Equal(t, 0.0, r.ToPassage().Score)
}
