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

package dataplane

import (
	"context"
	"errors"
	"sync"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
)

var (
	// ErrSlowConsumer the session could not keep up with live fan-out
	ErrSlowConsumer = errors.New("session delivery queue overflow")
	// ErrSessionClosed the session was closed by its connection
	ErrSessionClosed = errors.New("session closed")
	// ErrHubStopped the hub is no longer running
	ErrHubStopped = errors.New("hub stopped")
)

// Delivery a logged message queued for delivery to one session
type Delivery struct {
	Offset  uint64
	Content string
}

// SessionParam parameters of a new session
type SessionParam struct {
	// ConnectionID unique ID of the connection owning the session
	ConnectionID string
	// LastKnownOffset highest offset the client reports having received. 0 if none.
	LastKnownOffset uint64
	// RecoveredFromTransport whether the transport reports it recovered the connection
	RecoveredFromTransport bool
	// QueueLength size of the delivery queue
	QueueLength int
	// HoldLimit max number of live records held while replaying
	HoldLimit int
}

// Session per connection delivery state.
//
// A session starts in replaying mode, where live fan-out is held back. Records are queued
// in strictly increasing offset order; anything at or below the highest queued offset is
// dropped. The delivery channel is never closed, consumers watch Done.
type Session struct {
	common.Component
	ConnectionID           string
	LastKnownOffset        uint64
	RecoveredFromTransport bool

	ctxt       context.Context
	cancel     context.CancelCauseFunc
	out        chan Delivery
	lock       sync.Mutex
	lastQueued uint64
	replaying  bool
	held       []Delivery
	holdLimit  int
}

// NewSession define a new session. The session is closed when the parent context is.
func NewSession(parent context.Context, param SessionParam) *Session {
	logTags := log.Fields{
		"module": "dataplane", "component": "session", "instance": param.ConnectionID,
	}
	ctxt, cancel := context.WithCancelCause(parent)
	queueLength := param.QueueLength
	if queueLength < 1 {
		queueLength = 1
	}
	holdLimit := param.HoldLimit
	if holdLimit < 1 {
		holdLimit = 1
	}
	return &Session{
		Component:              common.Component{LogTags: logTags},
		ConnectionID:           param.ConnectionID,
		LastKnownOffset:        param.LastKnownOffset,
		RecoveredFromTransport: param.RecoveredFromTransport,
		ctxt:                   ctxt,
		cancel:                 cancel,
		out:                    make(chan Delivery, queueLength),
		lastQueued:             param.LastKnownOffset,
		replaying:              true,
		holdLimit:              holdLimit,
	}
}

// Deliveries channel of records queued for this session
func (s *Session) Deliveries() <-chan Delivery {
	return s.out
}

// Done closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.ctxt.Done()
}

// Err reason the session closed, nil while open
func (s *Session) Err() error {
	if s.ctxt.Err() == nil {
		return nil
	}
	return context.Cause(s.ctxt)
}

// Close close the session. The first cause wins.
func (s *Session) Close(cause error) {
	if cause == nil {
		cause = ErrSessionClosed
	}
	s.cancel(cause)
}

// LastQueued highest offset queued to the session
func (s *Session) LastQueued() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastQueued
}

// Replaying whether live fan-out is still held back
func (s *Session) Replaying() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.replaying
}

// offerLive queue a live record without blocking. A session which cannot take the record
// is closed with ErrSlowConsumer.
func (s *Session) offerLive(record Delivery) (bool, error) {
	if s.ctxt.Err() != nil {
		return false, s.Err()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.replaying {
		if len(s.held) >= s.holdLimit {
			s.cancel(ErrSlowConsumer)
			return false, ErrSlowConsumer
		}
		s.held = append(s.held, record)
		return false, nil
	}
	if record.Offset <= s.lastQueued {
		return false, nil
	}
	select {
	case s.out <- record:
		s.lastQueued = record.Offset
		return true, nil
	default:
		s.cancel(ErrSlowConsumer)
		return false, ErrSlowConsumer
	}
}

// deliver queue a record, waiting for queue space. Only called while replaying, when live
// fan-out does not touch the queue.
func (s *Session) deliver(ctxt context.Context, record Delivery) (bool, error) {
	s.lock.Lock()
	skip := record.Offset <= s.lastQueued
	s.lock.Unlock()
	if skip {
		return false, nil
	}
	select {
	case s.out <- record:
	case <-s.ctxt.Done():
		return false, s.Err()
	case <-ctxt.Done():
		return false, ctxt.Err()
	}
	s.lock.Lock()
	s.lastQueued = record.Offset
	s.lock.Unlock()
	return true, nil
}

// goLive release the held live records, then switch the session to live fan-out
func (s *Session) goLive(ctxt context.Context) (int, error) {
	released := 0
	for {
		s.lock.Lock()
		if len(s.held) == 0 {
			s.replaying = false
			s.held = nil
			s.lock.Unlock()
			return released, nil
		}
		next := s.held[0]
		s.held = s.held[1:]
		s.lock.Unlock()
		queued, err := s.deliver(ctxt, next)
		if err != nil {
			return released, err
		}
		if queued {
			released++
		}
	}
}
