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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	bstore "github.com/AleutianAI/AleutianFolio/services/orchestrator/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

// Key layout:
//
//	session/<id>                           -> ConversationSession JSON
//	message/<session>/<nanos:020>/<msgID>  -> ConversationMessage JSON
//	notification/<nanos:020>/<id>          -> NotificationRecord JSON
//
// Zero-padded nanos make lexical key order equal to creation order.
const (
	sessionPrefix      = "session/"
	messagePrefix      = "message/"
	notificationPrefix = "notification/"
)

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func messageSessionPrefix(sessionID string) []byte {
	return []byte(messagePrefix + sessionID + "/")
}

func messageKey(sessionID string, created time.Time, msgID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", messagePrefix, sessionID, created.UnixNano(), msgID))
}

func notificationKey(sent time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", notificationPrefix, sent.UnixNano(), id))
}

// BadgerStore is the embedded SessionStore for single-node deployments that
// do not want a sqlite file.
type BadgerStore struct {
	db    *bstore.DB
	now   func() time.Time
	group singleflight.Group
}

// NewBadgerStore wraps an open database. The store owns db and closes it.
func NewBadgerStore(db *bstore.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// GetOrCreateSession creates or touches the session. Concurrent calls for the
// same candidate share one transaction, which keeps them from conflicting.
func (s *BadgerStore) GetOrCreateSession(ctx context.Context, candidateID string) (string, error) {
	id, _ := resolveSessionID(candidateID)

	_, err, _ := s.group.Do(id, func() (interface{}, error) {
		return nil, s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			now := s.now().UTC()
			sess, err := getSession(txn, id)
			switch {
			case errors.Is(err, ErrSessionNotFound):
				sess = datatypes.ConversationSession{ID: id, CreatedAt: now, LastActivityAt: now}
			case err != nil:
				return err
			case now.After(sess.LastActivityAt):
				sess.LastActivityAt = now
			}
			return putJSON(txn, sessionKey(id), sess)
		})
	})
	if err != nil {
		return "", fmt.Errorf("get or create session: %w", err)
	}
	return id, nil
}

// AppendMessage writes the message and touches the session atomically.
func (s *BadgerStore) AppendMessage(ctx context.Context, sessionID string, role datatypes.Role, content string, metadata map[string]any) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		sess, err := getSession(txn, sessionID)
		if err != nil {
			return err
		}

		created := nextMessageTime(s.now().UTC(), sess.LastActivityAt)
		msg := datatypes.ConversationMessage{
			ID:        datatypes.NewID(),
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			Metadata:  metadata,
			CreatedAt: created,
		}
		if err := putJSON(txn, messageKey(sessionID, created, msg.ID), msg); err != nil {
			return err
		}
		sess.LastActivityAt = created
		return putJSON(txn, sessionKey(sessionID), sess)
	})
}

// LoadRecentMessages walks the session's messages newest first and returns
// the last limit in chronological order.
func (s *BadgerStore) LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]datatypes.ConversationMessage, error) {
	out := []datatypes.ConversationMessage{}
	if limit <= 0 {
		return out, nil
	}

	prefix := messageSessionPrefix(sessionID)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var m datatypes.ConversationMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadMessages returns the full history or ErrSessionNotFound.
func (s *BadgerStore) LoadMessages(ctx context.Context, sessionID string) ([]datatypes.ConversationMessage, error) {
	out := []datatypes.ConversationMessage{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if _, err := getSession(txn, sessionID); err != nil {
			return err
		}

		prefix := messageSessionPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m datatypes.ConversationMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveNotification records a successful notification send.
func (s *BadgerStore) SaveNotification(ctx context.Context, rec datatypes.NotificationRecord) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, notificationKey(rec.SentAt, rec.ID), rec)
	})
}

// ListNotifications returns the newest limit records, newest first.
func (s *BadgerStore) ListNotifications(ctx context.Context, limit int) ([]datatypes.NotificationRecord, error) {
	var out []datatypes.NotificationRecord
	prefix := []byte(notificationPrefix)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var rec datatypes.NotificationRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode notification: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func getSession(txn *badger.Txn, id string) (datatypes.ConversationSession, error) {
	var sess datatypes.ConversationSession
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sess, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return sess, fmt.Errorf("read session: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	})
	if err != nil {
		return sess, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, b)
}

var _ SessionStore = (*BadgerStore)(nil)
