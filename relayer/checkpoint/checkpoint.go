// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/relay"
	"github.com/luxfi/relay/database"
	"go.uber.org/zap"
)

var (
	ErrCursorRegression = errors.New("cursor regression")
	ErrCorruptLeaves    = errors.New("corrupt leaf sequence")
)

var (
	cursorKey     = []byte("cursor")
	leafPrefix    = []byte("leaf/")
	pendingPrefix = []byte("pending/")
)

// Cursor is the indexing position of one link.
type Cursor struct {
	LastIndexedBlock  uint64
	ReorgPeriod       uint64
	LastSequenceCount uint32
}

func (c *Cursor) fields() []relay.Field {
	return []relay.Field{
		relay.Uint64("lastIndexedBlock", &c.LastIndexedBlock),
		relay.Uint64("reorgPeriod", &c.ReorgPeriod),
		relay.Uint32("lastSequenceCount", &c.LastSequenceCount),
	}
}

// Leaf is a committed message id together with the payload needed to resume
// relaying it after a restart.
type Leaf struct {
	ID      common.Hash
	Payload []byte
}

func indexKey(prefix []byte, index uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), prefix...), index)
}

//
// Manager persists a link's cursor together with the leaves committed up to it.
// Leaves and cursor are written in one batch, so a restart never observes one
// without the other. Payloads of leaves that have not been settled yet are
// kept alongside.
//

type Manager struct {
	logger    *zap.Logger
	database  database.RelayerDatabase
	linkID    ids.ID
	lock      sync.RWMutex
	cursor    Cursor
	leafCount uint32
	stored    bool
}

// NewManager loads the stored state for linkID. When nothing is stored yet,
// the starting cursor is used.
func NewManager(
	logger *zap.Logger,
	db database.RelayerDatabase,
	linkID ids.ID,
	starting Cursor,
) (*Manager, error) {
	logger.Info(
		"Creating checkpoint manager",
		zap.Stringer("linkID", linkID),
		zap.Uint64("startingBlock", starting.LastIndexedBlock),
	)
	m := &Manager{
		logger:   logger,
		database: db,
		linkID:   linkID,
	}

	stored, err := db.Get(linkID, cursorKey)
	switch {
	case database.IsKeyNotFoundError(err):
		m.cursor = starting
		return m, nil
	case err != nil:
		logger.Error(
			"Failed to get stored cursor",
			zap.Error(err),
			zap.Stringer("linkID", linkID),
		)
		return nil, fmt.Errorf("failed to get the stored cursor: %w", err)
	}
	if err := relay.DecodeFields(stored, m.cursor.fields()); err != nil {
		return nil, fmt.Errorf("failed to decode the stored cursor: %w", err)
	}
	m.stored = true

	leaves, err := m.Leaves()
	if err != nil {
		return nil, err
	}
	m.leafCount = uint32(len(leaves))

	if starting.LastIndexedBlock > m.cursor.LastIndexedBlock {
		logger.Warn(
			"Configured start block is ahead of the stored cursor. Resuming from the stored cursor.",
			zap.Uint64("startBlock", starting.LastIndexedBlock),
			zap.Uint64("storedBlock", m.cursor.LastIndexedBlock),
			zap.Stringer("linkID", linkID),
		)
	}
	if starting.ReorgPeriod != m.cursor.ReorgPeriod {
		m.cursor.ReorgPeriod = starting.ReorgPeriod
	}
	logger.Info(
		"Restored checkpoint",
		zap.Uint64("lastIndexedBlock", m.cursor.LastIndexedBlock),
		zap.Uint32("lastSequenceCount", m.cursor.LastSequenceCount),
		zap.Int("leaves", len(leaves)),
		zap.Stringer("linkID", linkID),
	)
	return m, nil
}

// Stored reports whether the cursor was restored from the database.
func (m *Manager) Stored() bool {
	return m.stored
}

// Leaves returns the committed leaf sequence in insertion order.
func (m *Manager) Leaves() ([]common.Hash, error) {
	var leaves []common.Hash
	err := m.database.Iterate(m.linkID, leafPrefix, func(key, value []byte) error {
		if len(key) != len(leafPrefix)+4 {
			return fmt.Errorf("%w: malformed leaf key %x", ErrCorruptLeaves, key)
		}
		index := binary.BigEndian.Uint32(key[len(leafPrefix):])
		if int(index) != len(leaves) || len(value) != common.HashLength {
			return fmt.Errorf("%w: unexpected entry at index %d", ErrCorruptLeaves, index)
		}
		leaves = append(leaves, common.BytesToHash(value))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load leaves: %w", err)
	}
	return leaves, nil
}

// Pending returns the payloads of committed leaves that were not settled,
// keyed by leaf index.
func (m *Manager) Pending() (map[uint32][]byte, error) {
	pending := make(map[uint32][]byte)
	err := m.database.Iterate(m.linkID, pendingPrefix, func(key, value []byte) error {
		if len(key) != len(pendingPrefix)+4 {
			return fmt.Errorf("%w: malformed pending key %x", ErrCorruptLeaves, key)
		}
		pending[binary.BigEndian.Uint32(key[len(pendingPrefix):])] = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payloads: %w", err)
	}
	return pending, nil
}

// Settle drops the payload of a leaf that reached a final state.
func (m *Manager) Settle(index uint32) error {
	if err := m.database.Delete(m.linkID, indexKey(pendingPrefix, index)); err != nil {
		return fmt.Errorf("failed to settle leaf %d: %w", index, err)
	}
	return nil
}

// Cursor returns the committed cursor.
func (m *Manager) Cursor() Cursor {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.cursor
}

// LeafCount returns the number of committed leaves.
func (m *Manager) LeafCount() uint32 {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.leafCount
}

// Commit appends leaves after the already committed ones and moves the cursor,
// atomically. A cursor behind the committed one is refused.
func (m *Manager) Commit(cursor Cursor, leaves []Leaf) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if cursor.LastIndexedBlock < m.cursor.LastIndexedBlock ||
		cursor.LastSequenceCount < m.cursor.LastSequenceCount {
		return fmt.Errorf(
			"%w: block %d, committed %d",
			ErrCursorRegression, cursor.LastIndexedBlock, m.cursor.LastIndexedBlock,
		)
	}
	if cursor == m.cursor && len(leaves) == 0 {
		m.logger.Debug(
			"Attempting to commit an unchanged cursor. Skipping.",
			zap.Uint64("block", cursor.LastIndexedBlock),
			zap.Stringer("linkID", m.linkID),
		)
		return nil
	}

	encoded, err := relay.EncodeFields(cursor.fields())
	if err != nil {
		return err
	}
	entries := make([]database.Entry, 0, 2*len(leaves)+1)
	for i, leaf := range leaves {
		index := m.leafCount + uint32(i)
		entries = append(entries, database.Entry{
			Key:   indexKey(leafPrefix, index),
			Value: leaf.ID.Bytes(),
		})
		if len(leaf.Payload) > 0 {
			entries = append(entries, database.Entry{
				Key:   indexKey(pendingPrefix, index),
				Value: leaf.Payload,
			})
		}
	}
	entries = append(entries, database.Entry{Key: cursorKey, Value: encoded})

	if err := m.database.Write(m.linkID, entries); err != nil {
		m.logger.Error(
			"Failed to write checkpoint",
			zap.Error(err),
			zap.Stringer("linkID", m.linkID),
		)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	m.logger.Debug(
		"Committed checkpoint",
		zap.Uint64("block", cursor.LastIndexedBlock),
		zap.Uint32("sequenceCount", cursor.LastSequenceCount),
		zap.Int("newLeaves", len(leaves)),
		zap.Stringer("linkID", m.linkID),
	)
	m.cursor = cursor
	m.leafCount += uint32(len(leaves))
	return nil
}
