// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"

	"github.com/AleutianAI/lspbridge/services/lspbridge/storage/badger"
)

// BadgerStore persists cache entries in a badger database.
//
// Keys are "namespace\x00relPath\x00contentHash\x00fingerprint"; values are
// the JSON encoding of the cached value. Only the newest entry per path is
// kept.
type BadgerStore struct {
	db        *badger.DB
	namespace string
}

// NewBadgerStore returns a store writing under namespace (e.g., the
// language) in db. Several stores may share one db.
func NewBadgerStore(db *badger.DB, namespace string) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger store: db must not be nil")
	}
	if namespace == "" {
		return nil, errors.New("badger store: namespace is required")
	}
	return &BadgerStore{db: db, namespace: namespace}, nil
}

func (s *BadgerStore) key(k Key) []byte {
	return []byte(s.namespace + "\x00" + k.String())
}

func (s *BadgerStore) pathPrefix(relPath string) []byte {
	return []byte(s.namespace + "\x00" + relPath + "\x00")
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	return s.db.Get(ctx, s.key(key))
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, key Key, data []byte) error {
	if _, err := s.db.DeletePrefix(ctx, s.pathPrefix(key.RelPath)); err != nil {
		return err
	}
	return s.db.Put(ctx, s.key(key), data)
}

// DeletePath implements Store.
func (s *BadgerStore) DeletePath(ctx context.Context, relPath string) error {
	_, err := s.db.DeletePrefix(ctx, s.pathPrefix(relPath))
	return err
}

// Clear implements Store. Only this store's namespace is removed.
func (s *BadgerStore) Clear(ctx context.Context) error {
	_, err := s.db.DeletePrefix(ctx, []byte(s.namespace+"\x00"))
	return err
}

// Len returns the number of persisted entries in the namespace.
func (s *BadgerStore) Len(ctx context.Context) (int, error) {
	return s.db.Count(ctx, []byte(s.namespace+"\x00"))
}
