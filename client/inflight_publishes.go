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

package client

import (
	"sync"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/protocol"
)

// inflightPublish one publish awaiting its ack or error frame
type inflightPublish struct {
	token  string
	result chan protocol.Frame
}

// inflightPublishes publishes awaiting a response on one websocket connection, keyed by
// dedup token. Only one publish per token is tracked; a newer one replaces the older.
type inflightPublishes struct {
	common.Component
	lock     sync.Mutex
	inflight map[string]*inflightPublish
}

func newInflightPublishes(logTags log.Fields) *inflightPublishes {
	return &inflightPublishes{
		Component: common.Component{LogTags: logTags},
		inflight:  make(map[string]*inflightPublish),
	}
}

// RecordInflightPublish record a new publish. The returned entry must be released with
// Release once the caller stops waiting.
func (c *inflightPublishes) RecordInflightPublish(token string) *inflightPublish {
	entry := &inflightPublish{token: token, result: make(chan protocol.Frame, 1)}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.inflight[token]; ok {
		log.WithFields(c.LogTags).Debugf("Replacing inflight publish %s", token)
	}
	c.inflight[token] = entry
	return entry
}

// Release stop tracking the publish, unless a newer publish took over its token
func (c *inflightPublishes) Release(entry *inflightPublish) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.inflight[entry.token] == entry {
		delete(c.inflight, entry.token)
	}
}

// HandlePublishResponse route an ack or error frame to its publish. Returns false if no
// publish is waiting for it.
func (c *inflightPublishes) HandlePublishResponse(frame protocol.Frame) bool {
	c.lock.Lock()
	entry, ok := c.inflight[frame.Token]
	c.lock.Unlock()
	if !ok {
		log.WithFields(c.LogTags).Debugf("No publish waiting for %s", frame.Token)
		return false
	}
	select {
	case entry.result <- frame:
	default:
	}
	return true
}

// FailAll answer every inflight publish with a retryable error
func (c *inflightPublishes) FailAll(reason string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	for token, entry := range c.inflight {
		select {
		case entry.result <- protocol.NewErrorFrame(token, reason, true):
		default:
		}
	}
	return len(c.inflight)
}

// Len number of inflight publishes
func (c *inflightPublishes) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.inflight)
}
