// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// PersisterConfig tunes the asynchronous writer.
type PersisterConfig struct {
	// Shards is the number of writer goroutines. A session always maps to the
	// same shard, which keeps its writes in submission order.
	Shards int

	// QueueSize is the per-shard buffer. A full buffer drops the write.
	QueueSize int

	// WriteTimeout bounds each store call.
	WriteTimeout time.Duration

	// OnFailure, if set, observes every write that failed or was dropped.
	OnFailure func(role datatypes.Role, err error)
}

// DefaultPersisterConfig returns production defaults.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		Shards:       4,
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
	}
}

// ErrPersisterClosed is reported to OnFailure for writes submitted after Close.
var ErrPersisterClosed = errors.New("persister closed")

// ErrPersistQueueFull is reported to OnFailure when a shard buffer is full.
var ErrPersistQueueFull = errors.New("persist queue full")

type persistJob struct {
	sessionID string
	role      datatypes.Role
	content   string
	metadata  map[string]any
}

// Persister appends conversation turns off the request path.
//
// # Description
//
// Callers hand a turn over and return immediately; shard goroutines perform
// the store writes. Failures are logged and swallowed so a broken store
// never interrupts a response stream.
//
// # Thread Safety
//
// Safe for concurrent use. Writes for one session are applied in the order
// they were submitted.
type Persister struct {
	store   SessionStore
	cfg     PersisterConfig
	shards  []chan persistJob
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	drained chan struct{}
}

// NewPersister starts the shard workers.
func NewPersister(store SessionStore, cfg PersisterConfig) *Persister {
	def := DefaultPersisterConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	p := &Persister{
		store:   store,
		cfg:     cfg,
		shards:  make([]chan persistJob, cfg.Shards),
		drained: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan persistJob, cfg.QueueSize)
		p.wg.Add(1)
		go p.work(p.shards[i])
	}
	go func() {
		p.wg.Wait()
		close(p.drained)
	}()
	return p
}

// PersistUser queues the visitor's turn.
func (p *Persister) PersistUser(sessionID, content string) {
	p.enqueue(persistJob{sessionID: sessionID, role: datatypes.RoleUser, content: content})
}

// PersistAssistant queues a completed assistant turn. Only call this with the
// full text of a finished generation.
func (p *Persister) PersistAssistant(sessionID, content string, metadata map[string]any) {
	p.enqueue(persistJob{sessionID: sessionID, role: datatypes.RoleAssistant, content: content, metadata: metadata})
}

func (p *Persister) enqueue(job persistJob) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.fail(job, ErrPersisterClosed)
		return
	}
	select {
	case p.shards[p.shardFor(job.sessionID)] <- job:
	default:
		p.fail(job, ErrPersistQueueFull)
	}
}

func (p *Persister) shardFor(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Persister) work(jobs <-chan persistJob) {
	defer p.wg.Done()
	for job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		err := p.store.AppendMessage(ctx, job.sessionID, job.role, job.content, job.metadata)
		cancel()
		if err != nil {
			p.fail(job, err)
		}
	}
}

func (p *Persister) fail(job persistJob, err error) {
	slog.Error("failed to persist conversation message",
		"session_id", job.sessionID,
		"role", job.role,
		"error", err,
	)
	if p.cfg.OnFailure != nil {
		p.cfg.OnFailure(job.role, err)
	}
}

// Close stops accepting writes and waits for queued ones to finish or for
// ctx to expire.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.mu.Unlock()

	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
