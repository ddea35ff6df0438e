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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/storage"
	"github.com/stretchr/testify/assert"
)

func TestReplayCatchUp(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := defineTestStore(t)
	hub := defineTestHub(t, ctxt, store)
	uut, err := GetReplayEngine(hub, store, false, nil, "testing")
	assert.Nil(err)

	for itr := 1; itr <= 3; itr++ {
		_, err := hub.Submit(ctxt, fmt.Sprintf("msg-%d", itr), fmt.Sprintf("tok-%d", itr))
		assert.Nil(err)
	}

	// Case 0: connect from scratch gets 1, 2, 3 before anything live
	{
		session := newTestSession(ctxt, 0, false, 16)
		assert.Nil(uut.OnConnect(ctxt, session))
		_, err := hub.Submit(ctxt, "msg-4", "tok-4")
		assert.Nil(err)
		deliveries := collectDeliveries(t, session, 4, time.Second)
		for idx, d := range deliveries {
			assert.Equal(uint64(idx+1), d.Offset)
			assert.Equal(fmt.Sprintf("msg-%d", idx+1), d.Content)
		}
		assert.Equal(uint64(4), session.LastQueued())
		assert.Nil(hub.Unregister(ctxt, session.ConnectionID))
	}

	// Case 1: reconnect from offset 2 only gets what was missed
	{
		session := newTestSession(ctxt, 2, false, 16)
		assert.Nil(uut.OnConnect(ctxt, session))
		deliveries := collectDeliveries(t, session, 2, time.Second)
		assert.Equal(uint64(3), deliveries[0].Offset)
		assert.Equal(uint64(4), deliveries[1].Offset)
		assertNoDelivery(t, session, time.Millisecond*100)
		assert.Nil(hub.Unregister(ctxt, session.ConnectionID))
	}

	// Case 2: reconnect at the tail gets nothing until live traffic
	{
		session := newTestSession(ctxt, 4, false, 16)
		assert.Nil(uut.OnConnect(ctxt, session))
		assertNoDelivery(t, session, time.Millisecond*100)
		_, err := hub.Submit(ctxt, "msg-5", "")
		assert.Nil(err)
		deliveries := collectDeliveries(t, session, 1, time.Second)
		assert.Equal(uint64(5), deliveries[0].Offset)
		assert.Nil(hub.Unregister(ctxt, session.ConnectionID))
	}
}

func TestReplayInterleavedWithLive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := defineTestStore(t)
	hub := defineTestHub(t, ctxt, store)
	uut, err := GetReplayEngine(hub, store, false, nil, "testing")
	assert.Nil(err)

	for itr := 0; itr < 50; itr++ {
		_, err := hub.Submit(ctxt, fmt.Sprintf("old-%d", itr), "")
		assert.Nil(err)
	}

	// A small queue forces replay to wait on the reader while live traffic keeps coming
	session := newTestSession(ctxt, 0, false, 4)
	session.holdLimit = 1024

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.Nil(uut.OnConnect(ctxt, session))
	}()
	go func() {
		defer wg.Done()
		for itr := 0; itr < 50; itr++ {
			_, err := hub.Submit(ctxt, fmt.Sprintf("new-%d", itr), "")
			assert.Nil(err)
		}
	}()

	deliveries := collectDeliveries(t, session, 100, time.Second*5)
	wg.Wait()
	for idx, d := range deliveries {
		assert.Equal(uint64(idx+1), d.Offset)
	}
	assertNoDelivery(t, session, time.Millisecond*100)
	assert.False(session.Replaying())
}

func TestReplayReadFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &faultyLogStore{LogStore: defineTestStore(t), tokenOffsets: map[string]uint64{}}
	hub := defineTestHub(t, ctxt, store)
	uut, err := GetReplayEngine(hub, store, false, nil, "testing")
	assert.Nil(err)

	for itr := 0; itr < 5; itr++ {
		_, err := hub.Submit(ctxt, fmt.Sprintf("msg-%d", itr), "")
		assert.Nil(err)
	}

	// Replay fails after two records
	store.readErr = fmt.Errorf("%w: disk on fire", storage.ErrStoreUnavailable)
	store.readAfter = 2

	session := newTestSession(ctxt, 0, false, 16)
	assert.Nil(uut.OnConnect(ctxt, session))
	assert.False(session.Replaying())
	assert.Equal(1, hub.SessionCount())

	deliveries := collectDeliveries(t, session, 2, time.Second)
	assert.Equal(uint64(1), deliveries[0].Offset)
	assert.Equal(uint64(2), deliveries[1].Offset)

	// Still live for new traffic
	_, err = hub.Submit(ctxt, "live", "")
	assert.Nil(err)
	deliveries = collectDeliveries(t, session, 1, time.Second)
	assert.Equal(uint64(6), deliveries[0].Offset)
}

func TestReplayTransportRecovery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := defineTestStore(t)
	hub := defineTestHub(t, ctxt, store)

	for itr := 0; itr < 3; itr++ {
		_, err := hub.Submit(ctxt, fmt.Sprintf("msg-%d", itr), "")
		assert.Nil(err)
	}

	// Case 0: recovery hint ignored by default
	{
		uut, err := GetReplayEngine(hub, store, false, nil, "testing")
		assert.Nil(err)
		session := newTestSession(ctxt, 1, true, 16)
		assert.Nil(uut.OnConnect(ctxt, session))
		deliveries := collectDeliveries(t, session, 2, time.Second)
		assert.Equal(uint64(2), deliveries[0].Offset)
		assert.Equal(uint64(3), deliveries[1].Offset)
		assert.Nil(hub.Unregister(ctxt, session.ConnectionID))
	}

	// Case 1: trusted recovery hint skips replay
	{
		uut, err := GetReplayEngine(hub, store, true, nil, "testing")
		assert.Nil(err)
		session := newTestSession(ctxt, 1, true, 16)
		assert.Nil(uut.OnConnect(ctxt, session))
		assertNoDelivery(t, session, time.Millisecond*100)
		_, err = hub.Submit(ctxt, "live", "")
		assert.Nil(err)
		deliveries := collectDeliveries(t, session, 1, time.Second)
		assert.Equal(uint64(4), deliveries[0].Offset)
		assert.Nil(hub.Unregister(ctxt, session.ConnectionID))
	}

	// Case 2: trusted hint without recovery still replays
	{
		uut, err := GetReplayEngine(hub, store, true, nil, "testing")
		assert.Nil(err)
		session := newTestSession(ctxt, 3, false, 16)
		assert.Nil(uut.OnConnect(ctxt, session))
		deliveries := collectDeliveries(t, session, 1, time.Second)
		assert.Equal(uint64(4), deliveries[0].Offset)
	}
}

func TestReplayAbortOnDisconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := defineTestStore(t)
	hub := defineTestHub(t, ctxt, store)
	uut, err := GetReplayEngine(hub, store, false, nil, "testing")
	assert.Nil(err)

	for itr := 0; itr < 10; itr++ {
		_, err := hub.Submit(ctxt, fmt.Sprintf("msg-%d", itr), "")
		assert.Nil(err)
	}

	// Nobody reads the session, so replay blocks once the queue is full
	session := newTestSession(ctxt, 0, false, 1)
	result := make(chan error, 1)
	go func() {
		result <- uut.OnConnect(ctxt, session)
	}()

	time.Sleep(time.Millisecond * 100)
	session.Close(nil)

	select {
	case err := <-result:
		assert.True(errors.Is(err, ErrSessionClosed))
	case <-time.After(time.Second):
		assert.Fail("replay not aborted")
	}

	// The closed session is dropped on the next fan-out
	_, err = hub.Submit(ctxt, "after", "")
	assert.Nil(err)
	assert.Eventually(func() bool {
		return hub.SessionCount() == 0
	}, time.Second, time.Millisecond*10)
}
