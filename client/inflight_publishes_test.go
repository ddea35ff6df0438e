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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/protocol"
	"github.com/stretchr/testify/assert"
)

func TestInflightPublishHandling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newInflightPublishes(log.Fields{"module": "client_test", "instance": "inflight"})

	readResult := func(entry *inflightPublish) (protocol.Frame, bool) {
		select {
		case frame := <-entry.result:
			return frame, true
		case <-time.After(time.Millisecond * 100):
			return protocol.Frame{}, false
		}
	}

	// Case 0: ack routed by token
	{
		first := uut.RecordInflightPublish("tok-1")
		second := uut.RecordInflightPublish("tok-2")
		assert.Equal(2, uut.Len())
		assert.True(uut.HandlePublishResponse(protocol.NewAckFrame("tok-2", 5, true)))
		frame, ok := readResult(second)
		assert.True(ok)
		assert.Equal(uint64(5), frame.Offset)
		_, ok = readResult(first)
		assert.False(ok)
		uut.Release(first)
		uut.Release(second)
		assert.Equal(0, uut.Len())
	}

	// Case 1: response for an unknown token
	assert.False(uut.HandlePublishResponse(protocol.NewAckFrame("tok-9", 1, true)))

	// Case 2: a newer publish with the same token takes over
	{
		older := uut.RecordInflightPublish("tok-3")
		newer := uut.RecordInflightPublish("tok-3")
		uut.Release(older)
		assert.Equal(1, uut.Len())
		assert.True(uut.HandlePublishResponse(protocol.NewAckFrame("tok-3", 6, false)))
		frame, ok := readResult(newer)
		assert.True(ok)
		assert.False(frame.IsNew)
		uut.Release(newer)
	}

	// Case 3: connection loss fails every inflight publish as retryable
	{
		entries := []*inflightPublish{
			uut.RecordInflightPublish("tok-4"), uut.RecordInflightPublish("tok-5"),
		}
		assert.Equal(2, uut.FailAll(errConnectionLost.Error()))
		for _, entry := range entries {
			frame, ok := readResult(entry)
			assert.True(ok)
			assert.Equal(protocol.FrameError, frame.Type)
			assert.Equal(entry.token, frame.Token)
			assert.True(frame.Retryable)
			uut.Release(entry)
		}
	}
}
