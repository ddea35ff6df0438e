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
	"github.com/cockroachdb/pebble/v2"
	"github.com/is-akash/socket-chat-example/common"
)

// pebbleLogStore log store persisted in an embedded pebble database
type pebbleLogStore struct {
	common.Component
	db          *pebble.DB
	writeLock   sync.Mutex
	pageSize    int
	pageTimeout time.Duration
}

// GetPebbleLogStore define a log store on top of an open pebble database. The store
// takes ownership of the database.
func GetPebbleLogStore(
	db *pebble.DB, pageSize int, pageTimeout time.Duration, instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "pebble", "instance": instance}
	return &pebbleLogStore{
		Component:   common.Component{LogTags: logTags},
		db:          db,
		pageSize:    pageSize,
		pageTimeout: pageTimeout,
	}, nil
}

func (s *pebbleLogStore) readOffset(key []byte) (uint64, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = closer.Close() }()
	return decodeOffset(value)
}

// Append write content to the end of the log
func (s *pebbleLogStore) Append(
	ctxt context.Context, content, dedupToken string,
) (AppendResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	logTags := s.GetLogTagsForContext(ctxt)
	if dedupToken != "" {
		existing, err := s.readOffset(tokenKey(dedupToken))
		if err == nil {
			return AppendResult{Offset: existing, Assigned: false}, nil
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			log.WithError(err).WithFields(logTags).Error("Token lookup failed")
			return AppendResult{}, unavailable(err)
		}
	}
	tail, err := s.readOffset(tailKey)
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		log.WithError(err).WithFields(logTags).Error("Tail lookup failed")
		return AppendResult{}, unavailable(err)
	}

	record := Record{
		Offset:     tail + 1,
		DedupToken: dedupToken,
		Content:    content,
		AppendedAt: time.Now().UTC(),
	}
	value, err := encodeRecord(record)
	if err != nil {
		return AppendResult{}, unavailable(err)
	}
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(recordKey(record.Offset), value, nil); err != nil {
		return AppendResult{}, unavailable(err)
	}
	if dedupToken != "" {
		if err := batch.Set(tokenKey(dedupToken), encodeOffset(record.Offset), nil); err != nil {
			return AppendResult{}, unavailable(err)
		}
	}
	if err := batch.Set(tailKey, encodeOffset(record.Offset), nil); err != nil {
		return AppendResult{}, unavailable(err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		log.WithError(err).WithFields(logTags).Error("Append commit failed")
		return AppendResult{}, unavailable(err)
	}
	return AppendResult{Offset: record.Offset, Assigned: true}, nil
}

// OffsetForToken fetch the offset of the record carrying the dedup token
func (s *pebbleLogStore) OffsetForToken(ctxt context.Context, dedupToken string) (uint64, error) {
	offset, err := s.readOffset(tokenKey(dedupToken))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return offset, nil
}

// Tail fetch the highest committed offset
func (s *pebbleLogStore) Tail(ctxt context.Context) (uint64, error) {
	tail, err := s.readOffset(tailKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return tail, nil
}

// ReadFrom call handler with each record after the offset
func (s *pebbleLogStore) ReadFrom(
	ctxt context.Context, after uint64, handler RecordHandler,
) error {
	upTo, err := s.Tail(ctxt)
	if err != nil {
		return err
	}
	return readPaged(ctxt, after, upTo, s.pageSize, s.pageTimeout, s.fetchPage, handler)
}

func (s *pebbleLogStore) fetchPage(
	ctxt context.Context, after, upTo uint64, limit int,
) ([]Record, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(after + 1),
		UpperBound: recordKey(upTo + 1),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	page := make([]Record, 0, limit)
	for it.First(); it.Valid() && len(page) < limit; it.Next() {
		if err := ctxt.Err(); err != nil {
			return nil, err
		}
		value, err := it.ValueAndErr()
		if err != nil {
			return nil, err
		}
		record, err := decodeRecord(value)
		if err != nil {
			return nil, err
		}
		page = append(page, record)
	}
	return page, it.Error()
}

// Close release the store resources
func (s *pebbleLogStore) Close(ctxt context.Context) error {
	if err := s.db.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close pebble")
		return err
	}
	return nil
}
