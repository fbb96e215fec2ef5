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
	"sort"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTopK is the number of passages fetched per query.
const DefaultTopK = 5

// VectorIndex is the similarity-search collaborator. Scores must be in
// [0,1], higher meaning more similar.
type VectorIndex interface {
	Query(ctx context.Context, text string, k int) ([]datatypes.RetrievedPassage, error)
}

// Retriever wraps a VectorIndex with ordering and a default top-K.
type Retriever struct {
	index   VectorIndex
	topK    int
	metrics *observability.ChatMetrics
}

func NewRetriever(index VectorIndex, topK int, metrics *observability.ChatMetrics) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{index: index, topK: topK, metrics: metrics}
}

// Retrieve returns up to topK passages for query, highest score first.
//
// # Description
//
// A non-positive topK uses the retriever's default. Ties keep the order the
// index returned them in. Passages without text are kept; the assembler
// decides what to do with them. There are no retries: an index error is
// returned and the caller degrades to an empty context.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]datatypes.RetrievedPassage, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if topK <= 0 {
		topK = r.topK
	}
	span.SetAttributes(attribute.Int("retrieval.top_k", topK))

	passages, err := r.index.Query(ctx, query, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordRetrieval(observability.RetrievalError)
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	if len(passages) > topK {
		passages = passages[:topK]
	}

	if len(passages) == 0 {
		r.metrics.RecordRetrieval(observability.RetrievalEmpty)
	} else {
		r.metrics.RecordRetrieval(observability.RetrievalHit)
	}
	span.SetAttributes(attribute.Int("retrieval.results", len(passages)))
	slog.Debug("Retrieved passages", "count", len(passages))
	return passages, nil
}
