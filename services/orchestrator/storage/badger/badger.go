// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB for the orchestrator's embedded session
// backend: opening persistent or in-memory databases, transaction helpers
// with conflict retry, and periodic value-log GC.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures a database handle.
//
// # Fields
//
//   - Path: Directory for persistent storage. Ignored when InMemory is set.
//   - InMemory: Keep everything in RAM (tests, demos).
//   - SyncWrites: fsync on every commit.
//   - Logger: Receives badger's internal logs. Nil silences them.
//   - GCInterval: Value-log GC period. Zero disables GC.
//   - GCDiscardRatio: Rewrite threshold passed to RunValueLogGC.
//   - MaxTxnRetries: Attempts for WithTxn when a commit hits ErrConflict.
type Config struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	Logger         *slog.Logger
	GCInterval     time.Duration
	GCDiscardRatio float64
	MaxTxnRetries  int
}

// DefaultConfig returns the persistent-mode defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
		MaxTxnRetries:  3,
	}
}

// InMemoryConfig returns a configuration for throwaway databases.
func InMemoryConfig() Config {
	return Config{
		InMemory:      true,
		MaxTxnRetries: 3,
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is a badger handle plus its GC runner.
type DB struct {
	*badger.DB
	gc         *gcRunner
	maxRetries int
	inMemory   bool
}

// Open opens the database described by cfg and starts GC when configured.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	retries := cfg.MaxTxnRetries
	if retries <= 0 {
		retries = 1
	}
	db := &DB{DB: raw, maxRetries: retries, inMemory: cfg.InMemory}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.gc = newGCRunner(raw, cfg.GCInterval, cfg.GCDiscardRatio)
		go db.gc.run()
	}
	return db, nil
}

// OpenInMemory opens a RAM-only database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.stop()
	}
	return d.DB.Close()
}

// WithTxn runs fn in a read-write transaction and commits it. A commit that
// fails with badger.ErrConflict re-runs fn on a fresh transaction, so fn must
// not have side effects outside the transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("context cancelled: %w", ctxErr)
		}
		err = d.runTxn(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		slog.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func (d *DB) runTxn(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			err := r.db.RunValueLogGC(r.ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
