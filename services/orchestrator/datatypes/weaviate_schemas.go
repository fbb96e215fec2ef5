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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// DefaultProfileClass is the Weaviate class holding profile passages.
const DefaultProfileClass = "ProfileChunk"

// ProfileChunkProperties lists the properties requested on every retrieval.
var ProfileChunkProperties = []string{
	"content",
	"chunk_type",
	"name",
	"company",
	"position",
	"category",
	"title",
	"status",
	"degree",
	"field",
	"institution",
}

// GetProfileChunkSchema describes the class the retriever queries.
//
// # Description
//
// Vectors are supplied by the ingester (vectorizer "none"). The ingester is
// an external process; this definition exists so a fresh instance answers
// queries with an empty result instead of a GraphQL class error.
func GetProfileChunkSchema(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	props := []*models.Property{
		{
			Name:         "content",
			DataType:     []string{"text"},
			Description:  "Raw passage text. Absent for metadata-only records.",
			Tokenization: "word",
		},
		{
			Name:            "chunk_type",
			DataType:        []string{"text"},
			Description:     "skill | experience | project | education | content",
			IndexFilterable: indexFilterable,
			Tokenization:    "field",
		},
	}
	for _, name := range ProfileChunkProperties[2:] {
		props = append(props, &models.Property{
			Name:         name,
			DataType:     []string{"text"},
			Tokenization: "word",
		})
	}

	return &models.Class{
		Class:       className,
		Description: "A passage of the professional profile with its structured metadata.",
		Vectorizer:  "none",
		Properties:  props,
	}
}

// EnsureProfileSchema creates the profile class if it does not exist.
func EnsureProfileSchema(ctx context.Context, client *weaviate.Client, className string) error {
	if className == "" {
		className = DefaultProfileClass
	}

	// The getter errors when the class is missing; any other failure surfaces
	// again from the creator below.
	if _, err := client.Schema().ClassGetter().WithClassName(className).Do(ctx); err == nil {
		slog.Info("Schema already exists", "class", className)
		return nil
	}

	slog.Info("Schema not found, creating it", "class", className)
	if err := client.Schema().ClassCreator().WithClass(GetProfileChunkSchema(className)).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", className, err)
	}
	slog.Info("Successfully created schema", "class", className)
	return nil
}
