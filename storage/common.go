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
	"fmt"
	"time"
)

var (
	// ErrStoreUnavailable the log store could not complete the operation
	ErrStoreUnavailable = errors.New("log store unavailable")
	// ErrConstraintViolation a write collided with an existing dedup token
	ErrConstraintViolation = errors.New("log store constraint violation")
	// ErrTokenNotFound no record carries the dedup token
	ErrTokenNotFound = errors.New("dedup token not found")
	// ErrInvalidContent the backend can not represent the content or token
	ErrInvalidContent = errors.New("content rejected by log store")
)

// Record one entry in the durable log
type Record struct {
	// Offset position of the record in the log. The first record is at offset 1.
	Offset uint64 `json:"offset" msgpack:"offset"`
	// DedupToken client supplied idempotency token. Empty if the client gave none.
	DedupToken string `json:"dedup_token,omitempty" msgpack:"dedup_token,omitempty"`
	// Content message content
	Content string `json:"content" msgpack:"content"`
	// AppendedAt when the record was written
	AppendedAt time.Time `json:"appended_at" msgpack:"appended_at"`
}

// AppendResult outcome of an append
type AppendResult struct {
	// Offset of the record holding the content
	Offset uint64
	// Assigned whether this append created the record
	Assigned bool
}

// RecordHandler callback invoked for each record read from the log
type RecordHandler func(ctxt context.Context, record Record) error

// LogStore durable, append-only log of messages
type LogStore interface {
	// Append write content to the end of the log.
	//
	// If a record already carries dedupToken, nothing is written and the existing offset is
	// returned with Assigned set to false. An empty dedupToken always writes a new record.
	Append(ctxt context.Context, content, dedupToken string) (AppendResult, error)

	// OffsetForToken fetch the offset of the record carrying the dedup token
	OffsetForToken(ctxt context.Context, dedupToken string) (uint64, error)

	// ReadFrom call handler with each record whose offset is greater than after, in
	// ascending order, up to the tail observed when the call started. A handler error
	// stops the read and is returned as is.
	ReadFrom(ctxt context.Context, after uint64, handler RecordHandler) error

	// Tail fetch the highest committed offset. Zero when the log is empty.
	Tail(ctxt context.Context) (uint64, error)

	// Close release the store resources
	Close(ctxt context.Context) error
}

// unavailable mark a backend failure as ErrStoreUnavailable. Cancellation by the caller
// is returned as is.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// pageFetcher fetch up to limit records with offset in (after, upTo]
type pageFetcher func(ctxt context.Context, after, upTo uint64, limit int) ([]Record, error)

// readPaged drive a ReadFrom through a backend page fetcher.
//
// Each page is fetched under its own timeout, and no backend resource is held while the
// handler runs.
func readPaged(
	ctxt context.Context,
	after, upTo uint64,
	pageSize int,
	timeout time.Duration,
	fetch pageFetcher,
	handler RecordHandler,
) error {
	cursor := after
	for cursor < upTo {
		if err := ctxt.Err(); err != nil {
			return err
		}
		pageCtxt, cancel := context.WithTimeout(ctxt, timeout)
		page, err := fetch(pageCtxt, cursor, upTo, pageSize)
		cancel()
		if err != nil {
			return unavailable(err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, record := range page {
			if err := handler(ctxt, record); err != nil {
				return err
			}
			cursor = record.Offset
		}
	}
	return nil
}
