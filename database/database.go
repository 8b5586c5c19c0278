// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package database persists per-link relayer state in leveldb.
package database

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("key not found")

// Entry is a single key/value write.
type Entry struct {
	Key   []byte
	Value []byte
}

// RelayerDatabase stores state namespaced by link id.
type RelayerDatabase interface {
	Get(linkID ids.ID, key []byte) ([]byte, error)
	Put(linkID ids.ID, key []byte, value []byte) error
	Delete(linkID ids.ID, key []byte) error
	// Write applies every entry atomically.
	Write(linkID ids.ID, entries []Entry) error
	// Iterate visits keys with the given prefix in ascending order. Keys are
	// passed without the link namespace.
	Iterate(linkID ids.ID, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// IsKeyNotFoundError returns true if the error is a key not found error
func IsKeyNotFoundError(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

type levelDB struct {
	logger *zap.Logger
	db     *leveldb.DB
}

// NewDatabase opens a leveldb database at storageLocation. An empty location
// keeps everything in memory.
func NewDatabase(logger *zap.Logger, storageLocation string) (RelayerDatabase, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if storageLocation == "" {
		logger.Info("Using in-memory database")
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		logger.Info("Opening database", zap.String("storageLocation", storageLocation))
		db, err = leveldb.OpenFile(storageLocation, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &levelDB{logger: logger, db: db}, nil
}

func namespacedKey(linkID ids.ID, key []byte) []byte {
	out := make([]byte, 0, len(linkID)+len(key))
	out = append(out, linkID[:]...)
	return append(out, key...)
}

func (l *levelDB) Get(linkID ids.ID, key []byte) ([]byte, error) {
	value, err := l.db.Get(namespacedKey(linkID, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (l *levelDB) Put(linkID ids.ID, key []byte, value []byte) error {
	return l.db.Put(namespacedKey(linkID, key), value, nil)
}

func (l *levelDB) Delete(linkID ids.ID, key []byte) error {
	return l.db.Delete(namespacedKey(linkID, key), nil)
}

func (l *levelDB) Write(linkID ids.ID, entries []Entry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		batch.Put(namespacedKey(linkID, e.Key), e.Value)
	}
	return l.db.Write(batch, nil)
}

func (l *levelDB) Iterate(linkID ids.ID, prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(namespacedKey(linkID, prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key()[len(linkID):], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *levelDB) Close() error {
	return l.db.Close()
}
