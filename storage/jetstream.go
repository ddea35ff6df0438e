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
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/core"
	"github.com/nats-io/nats.go"
)

// jetStreamLogStore log store persisted in a NATS JetStream stream. The stream sequence
// of a record is its offset, and a KV bucket maps dedup tokens to offsets.
type jetStreamLogStore struct {
	common.Component
	client      *core.NatsClient
	tokens      nats.KeyValue
	param       core.LogStreamParam
	writeLock   sync.Mutex
	pageSize    int
	pageTimeout time.Duration
}

// GetJetStreamLogStore define a log store on a JetStream stream, provisioning the stream
// and token bucket if needed. The store takes ownership of the client.
func GetJetStreamLogStore(
	client *core.NatsClient,
	param core.LogStreamParam,
	pageSize int,
	pageTimeout time.Duration,
	instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "jetstream", "instance": instance}
	tokens, err := client.EnsureLogStream(param)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to provision stream %s", param.Stream,
		)
		return nil, unavailable(err)
	}
	return &jetStreamLogStore{
		Component:   common.Component{LogTags: logTags},
		client:      client,
		tokens:      tokens,
		param:       param,
		pageSize:    pageSize,
		pageTimeout: pageTimeout,
	}, nil
}

// tokenBucketKey KV keys are restricted to a small alphabet, so tokens are hex encoded
func tokenBucketKey(token string) string {
	return hex.EncodeToString([]byte(token))
}

// isTokenCollision whether a KV create failed because the key already exists. The
// server answers with a bare "wrong last sequence" API error.
func isTokenCollision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}

func (s *jetStreamLogStore) lookupToken(dedupToken string) (uint64, error) {
	entry, err := s.tokens.Get(tokenBucketKey(dedupToken))
	if err != nil {
		return 0, err
	}
	return decodeOffset(entry.Value())
}

// Append write content to the end of the log
func (s *jetStreamLogStore) Append(
	ctxt context.Context, content, dedupToken string,
) (AppendResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	logTags := s.GetLogTagsForContext(ctxt)
	if dedupToken != "" {
		existing, err := s.lookupToken(dedupToken)
		if err == nil {
			return AppendResult{Offset: existing, Assigned: false}, nil
		}
		if !errors.Is(err, nats.ErrKeyNotFound) {
			log.WithError(err).WithFields(logTags).Error("Token lookup failed")
			return AppendResult{}, unavailable(err)
		}
	}

	msg := nats.NewMsg(s.param.Subject)
	msg.Data = []byte(content)
	opts := []nats.PubOpt{nats.Context(ctxt)}
	if dedupToken != "" {
		opts = append(opts, nats.MsgId(dedupToken))
	}
	ack, err := s.client.JetStream().PublishMsg(msg, opts...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Publish failed")
		return AppendResult{}, unavailable(err)
	}
	if dedupToken == "" {
		return AppendResult{Offset: ack.Sequence, Assigned: true}, nil
	}
	if ack.Duplicate {
		// The stream saw the message ID but the token was never recorded
		log.WithFields(logTags).Warnf("Stream reported duplicate at %d", ack.Sequence)
	}
	if _, err := s.tokens.Create(
		tokenBucketKey(dedupToken), encodeOffset(ack.Sequence),
	); err != nil {
		if isTokenCollision(err) {
			return AppendResult{}, ErrConstraintViolation
		}
		log.WithError(err).WithFields(logTags).Error("Token record failed")
		return AppendResult{}, unavailable(err)
	}
	return AppendResult{Offset: ack.Sequence, Assigned: !ack.Duplicate}, nil
}

// OffsetForToken fetch the offset of the record carrying the dedup token
func (s *jetStreamLogStore) OffsetForToken(
	ctxt context.Context, dedupToken string,
) (uint64, error) {
	offset, err := s.lookupToken(dedupToken)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return offset, nil
}

// Tail fetch the highest committed offset
func (s *jetStreamLogStore) Tail(ctxt context.Context) (uint64, error) {
	info, err := s.client.JetStream().StreamInfo(s.param.Stream, nats.Context(ctxt))
	if err != nil {
		return 0, unavailable(err)
	}
	return info.State.LastSeq, nil
}

// ReadFrom call handler with each record after the offset
func (s *jetStreamLogStore) ReadFrom(
	ctxt context.Context, after uint64, handler RecordHandler,
) error {
	upTo, err := s.Tail(ctxt)
	if err != nil {
		return err
	}
	return readPaged(ctxt, after, upTo, s.pageSize, s.pageTimeout, s.fetchPage, handler)
}

func (s *jetStreamLogStore) fetchPage(
	ctxt context.Context, after, upTo uint64, limit int,
) ([]Record, error) {
	page := make([]Record, 0, limit)
	for seq := after + 1; seq <= upTo && len(page) < limit; seq++ {
		raw, err := s.client.JetStream().GetMsg(s.param.Stream, seq, nats.Context(ctxt))
		if err != nil {
			return nil, err
		}
		page = append(page, Record{
			Offset:     raw.Sequence,
			DedupToken: raw.Header.Get(nats.MsgIdHdr),
			Content:    string(raw.Data),
			AppendedAt: raw.Time.UTC(),
		})
	}
	return page, nil
}

// Close release the store resources
func (s *jetStreamLogStore) Close(ctxt context.Context) error {
	s.client.Close(ctxt)
	return nil
}
