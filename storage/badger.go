// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/is-akash/socket-chat-example/common"
)

// badgerLogStore log store persisted in an embedded badger database
type badgerLogStore struct {
	common.Component
	db          *badger.DB
	writeLock   sync.Mutex
	pageSize    int
	pageTimeout time.Duration
}

// OpenBadgerDB open the badger database described by the config
func OpenBadgerDB(config common.BadgerStoreConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions(config.Dir)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	return badger.Open(opts.WithLogger(nil))
}

// GetBadgerLogStore define a log store on top of an open badger database. The store
// takes ownership of the database.
func GetBadgerLogStore(
	db *badger.DB, pageSize int, pageTimeout time.Duration, instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "badger", "instance": instance}
	return &badgerLogStore{
		Component:   common.Component{LogTags: logTags},
		db:          db,
		pageSize:    pageSize,
		pageTimeout: pageTimeout,
	}, nil
}

func badgerReadOffset(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return decodeOffset(raw)
}

// Append write content to the end of the log
func (s *badgerLogStore) Append(
	ctxt context.Context, content, dedupToken string,
) (AppendResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var result AppendResult
	err := s.db.Update(func(txn *badger.Txn) error {
		if dedupToken != "" {
			existing, err := badgerReadOffset(txn, tokenKey(dedupToken))
			if err == nil {
				result = AppendResult{Offset: existing, Assigned: false}
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		tail, err := badgerReadOffset(txn, tailKey)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		record := Record{
			Offset:     tail + 1,
			DedupToken: dedupToken,
			Content:    content,
			AppendedAt: time.Now().UTC(),
		}
		value, err := encodeRecord(record)
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(record.Offset), value); err != nil {
			return err
		}
		if dedupToken != "" {
			if err := txn.Set(tokenKey(dedupToken), encodeOffset(record.Offset)); err != nil {
				return err
			}
		}
		if err := txn.Set(tailKey, encodeOffset(record.Offset)); err != nil {
			return err
		}
		result = AppendResult{Offset: record.Offset, Assigned: true}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Error("Append failed")
		return AppendResult{}, unavailable(err)
	}
	return result, nil
}

// OffsetForToken fetch the offset of the record carrying the dedup token
func (s *badgerLogStore) OffsetForToken(ctxt context.Context, dedupToken string) (uint64, error) {
	var offset uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		offset, err = badgerReadOffset(txn, tokenKey(dedupToken))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return offset, nil
}

// Tail fetch the highest committed offset
func (s *badgerLogStore) Tail(ctxt context.Context) (uint64, error) {
	var tail uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tail, err = badgerReadOffset(txn, tailKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return tail, nil
}

// ReadFrom call handler with each record after the offset
func (s *badgerLogStore) ReadFrom(
	ctxt context.Context, after uint64, handler RecordHandler,
) error {
	upTo, err := s.Tail(ctxt)
	if err != nil {
		return err
	}
	return readPaged(ctxt, after, upTo, s.pageSize, s.pageTimeout, s.fetchPage, handler)
}

func (s *badgerLogStore) fetchPage(
	ctxt context.Context, after, upTo uint64, limit int,
) ([]Record, error) {
	page := make([]Record, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordKeyPrefix
		opts.PrefetchSize = limit
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(recordKey(after + 1)); it.Valid() && len(page) < limit; it.Next() {
			if err := ctxt.Err(); err != nil {
				return err
			}
			var record Record
			err := it.Item().Value(func(val []byte) error {
				var err error
				record, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if record.Offset > upTo {
				break
			}
			page = append(page, record)
		}
		return nil
	})
	return page, err
}

// Close release the store resources
func (s *badgerLogStore) Close(ctxt context.Context) error {
	if err := s.db.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close badger")
		return err
	}
	return nil
}
