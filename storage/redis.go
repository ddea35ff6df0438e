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
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/redis/go-redis/v9"
)

// redisAppendScript atomically checks the dedup token, allocates the next offset, and
// writes the record.
//
//	KEYS[1] tail counter, KEYS[2] token -> offset hash, KEYS[3] offset -> record hash
//	ARGV[1] dedup token (may be empty), ARGV[2] encoded record
//
// Returns {offset, 1} for a new record, {offset, 0} for an existing token.
var redisAppendScript = redis.NewScript(`
local token = ARGV[1]
if token ~= '' then
  local existing = redis.call('HGET', KEYS[2], token)
  if existing then
    return {tonumber(existing), 0}
  end
end
local offset = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[3], tostring(offset), ARGV[2])
if token ~= '' then
  redis.call('HSET', KEYS[2], token, offset)
end
return {offset, 1}
`)

// redisLogStore log store persisted in redis
type redisLogStore struct {
	common.Component
	client      *redis.Client
	writeLock   sync.Mutex
	tailKey     string
	tokensKey   string
	recordsKey  string
	pageSize    int
	pageTimeout time.Duration
}

// GetRedisLogStore connect to redis and define a log store under the key prefix
func GetRedisLogStore(
	ctxt context.Context,
	config common.RedisStoreConfig,
	pageSize int,
	pageTimeout time.Duration,
	instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "redis", "instance": instance}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to reach redis at %s", config.Addr)
		_ = client.Close()
		return nil, unavailable(err)
	}
	log.WithFields(logTags).Infof("Redis log store ready at %s", config.Addr)
	return &redisLogStore{
		Component:   common.Component{LogTags: logTags},
		client:      client,
		tailKey:     config.KeyPrefix + ":tail",
		tokensKey:   config.KeyPrefix + ":tokens",
		recordsKey:  config.KeyPrefix + ":records",
		pageSize:    pageSize,
		pageTimeout: pageTimeout,
	}, nil
}

// Append write content to the end of the log
func (s *redisLogStore) Append(
	ctxt context.Context, content, dedupToken string,
) (AppendResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	encoded, err := encodeRecord(Record{
		DedupToken: dedupToken, Content: content, AppendedAt: time.Now().UTC(),
	})
	if err != nil {
		return AppendResult{}, unavailable(err)
	}
	result, err := redisAppendScript.Run(
		ctxt,
		s.client,
		[]string{s.tailKey, s.tokensKey, s.recordsKey},
		dedupToken, encoded,
	).Int64Slice()
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Error("Append failed")
		return AppendResult{}, unavailable(err)
	}
	if len(result) != 2 {
		return AppendResult{}, unavailable(errors.New("malformed append script reply"))
	}
	return AppendResult{Offset: uint64(result[0]), Assigned: result[1] == 1}, nil
}

// OffsetForToken fetch the offset of the record carrying the dedup token
func (s *redisLogStore) OffsetForToken(ctxt context.Context, dedupToken string) (uint64, error) {
	offset, err := s.client.HGet(ctxt, s.tokensKey, dedupToken).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return offset, nil
}

// Tail fetch the highest committed offset
func (s *redisLogStore) Tail(ctxt context.Context) (uint64, error) {
	tail, err := s.client.Get(ctxt, s.tailKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return tail, nil
}

// ReadFrom call handler with each record after the offset
func (s *redisLogStore) ReadFrom(
	ctxt context.Context, after uint64, handler RecordHandler,
) error {
	upTo, err := s.Tail(ctxt)
	if err != nil {
		return err
	}
	return readPaged(ctxt, after, upTo, s.pageSize, s.pageTimeout, s.fetchPage, handler)
}

// fetchPage offsets are gap free, so a page is a contiguous range of hash fields
func (s *redisLogStore) fetchPage(
	ctxt context.Context, after, upTo uint64, limit int,
) ([]Record, error) {
	fields := make([]string, 0, limit)
	for offset := after + 1; offset <= upTo && len(fields) < limit; offset++ {
		fields = append(fields, strconv.FormatUint(offset, 10))
	}
	values, err := s.client.HMGet(ctxt, s.recordsKey, fields...).Result()
	if err != nil {
		return nil, err
	}
	page := make([]Record, 0, len(values))
	for idx, raw := range values {
		encoded, ok := raw.(string)
		if !ok {
			return nil, errors.New("record " + fields[idx] + " is missing")
		}
		record, err := decodeRecord([]byte(encoded))
		if err != nil {
			return nil, err
		}
		record.Offset = after + uint64(idx) + 1
		page = append(page, record)
	}
	return page, nil
}

// Close release the store resources
func (s *redisLogStore) Close(ctxt context.Context) error {
	return s.client.Close()
}
