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
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxEmbedChars caps the text sent to the embedder.
const maxEmbedChars = 2000

// WeaviateIndex is a VectorIndex over a Weaviate class of profile chunks.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
	embedder  Embedder
}

func NewWeaviateIndex(client *weaviate.Client, className string, embedder Embedder) *WeaviateIndex {
	if className == "" {
		className = datatypes.DefaultProfileClass
	}
	return &WeaviateIndex{client: client, className: className, embedder: embedder}
}

// Query embeds text and runs a nearVector search for k hits.
//
// # Description
//
// Certainty (always in [0,1]) is requested instead of distance so the
// score is comparable with the relevance floors regardless of the metric
// the class was built with.
//
// # Outputs
//
//   - []datatypes.RetrievedPassage: Hits in index order.
//   - error: Non-nil if embedding, the search, or parsing fails.
func (w *WeaviateIndex) Query(ctx context.Context, text string, k int) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.String("weaviate.class", w.className), attribute.Int("weaviate.limit", k))

	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}

	vector, err := w.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := make([]graphql.Field, 0, len(datatypes.ProfileChunkProperties)+1)
	for _, name := range datatypes.ProfileChunkProperties {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "certainty"},
	}})

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		slog.Error("Weaviate profile search failed", "class", w.className, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ProfileChunkQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	hits := parsed.Get[w.className]
	passages := make([]datatypes.RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		passages = append(passages, h.ToPassage())
	}
	return passages, nil
}

var _ VectorIndex = (*WeaviateIndex)(nil)
