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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/is-akash/socket-chat-example/apis"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/dataplane"
	"github.com/is-akash/socket-chat-example/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRequestIDHeader = "Relay-Request-ID"

// trackingListener remembers accepted connections, so tests can drop them. Hijacked
// websocket connections are otherwise out of reach of the test server.
type trackingListener struct {
	net.Listener
	lock  sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.lock.Lock()
		l.conns = append(l.conns, conn)
		l.lock.Unlock()
	}
	return conn, err
}

func (l *trackingListener) dropAll() {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.conns = nil
}

type testRelayServer struct {
	server   *httptest.Server
	listener *trackingListener
	hub      dataplane.Hub
	baseURL  string
}

// defineTestRelayServer serve the relay API over an in-memory store
func defineTestRelayServer(t *testing.T, ctxt context.Context) *testRelayServer {
	store, hub, replay := defineTestHub(t, ctxt)
	config := &common.RelayServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: testRequestIDHeader},
		},
		Endpoints: common.RelayEndpointConfig{PathPrefix: "/relay"},
		Session: common.SessionConfig{
			QueueLength: 16, HoldBufferLength: 64, PingInterval: 1, WriteTimeout: 2,
		},
		RateLimit: common.RateLimitConfig{PublishPerSec: 1000, Burst: 1000},
	}
	wg := &sync.WaitGroup{}
	handler, err := apis.GetAPIRestRelayDataplaneHandler(
		ctxt, hub, replay, store, config, time.Second, wg,
	)
	require.Nil(t, err)
	router := mux.NewRouter()
	_ = handler.DefineRoutes(router, config.Endpoints.PathPrefix)

	server := httptest.NewUnstartedServer(router)
	listener := &trackingListener{Listener: server.Listener}
	server.Listener = listener
	server.Start()
	t.Cleanup(func() {
		listener.dropAll()
		server.Close()
		wg.Wait()
	})
	return &testRelayServer{
		server: server, listener: listener, hub: hub, baseURL: server.URL + "/relay",
	}
}

func TestHTTPProducer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	relay := defineTestRelayServer(t, utCtxt)

	uut, err := GetHTTPProducer(relay.baseURL, testRequestIDHeader, nil, "testing")
	assert.Nil(err)

	// Case 0: first send
	{
		ack, err := uut.Send(utCtxt, "manual-1", "hello")
		assert.Nil(err)
		assert.Equal(uint64(1), ack.Offset)
		assert.True(ack.IsNew)
	}

	// Case 1: resend
	{
		ack, err := uut.Send(utCtxt, "manual-1", "hello")
		assert.Nil(err)
		assert.Equal(uint64(1), ack.Offset)
		assert.False(ack.IsNew)
	}

	// Case 2: rejected send
	{
		_, err := uut.Send(utCtxt, "manual-2", "")
		assert.True(errors.Is(err, ErrPermanent))
	}

	// Case 3: through the coordinator
	{
		coordinator, err := GetCoordinator(uut, CoordinatorParam{
			ProducerID: "h", AckTimeout: time.Second, MaxRetries: 1,
		}, nil)
		assert.Nil(err)
		for itr := 0; itr < 3; itr++ {
			ack, err := coordinator.Send(utCtxt, fmt.Sprintf("msg-%d", itr))
			assert.Nil(err)
			assert.Equal(uint64(2+itr), ack.Offset)
			assert.True(ack.IsNew)
		}
	}

	// Case 4: a restarted producer keeping its producer ID still logs new messages
	{
		for itr, content := range []string{"monday report", "tuesday report"} {
			coordinator, err := GetCoordinator(uut, CoordinatorParam{
				ProducerID: "cli", AckTimeout: time.Second, MaxRetries: 1,
			}, nil)
			assert.Nil(err)
			ack, err := coordinator.Send(utCtxt, content)
			assert.Nil(err)
			assert.True(ack.IsNew)
			assert.Equal(uint64(5+itr), ack.Offset)
		}
	}
}

func TestHTTPProducerFailureCodes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var code int32 = http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(r.Header.Get(testRequestIDHeader))
		status := int(atomic.LoadInt32(&code))
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(
			w, `{"success":false,"request_id":"x","error":{"code":%d,"message":"nope"}}`, status,
		)
	}))
	defer server.Close()

	uut, err := GetHTTPProducer(server.URL, testRequestIDHeader, nil, "testing")
	assert.Nil(err)

	// Case 0: unavailable is retryable
	{
		_, err := uut.Send(context.Background(), "f-1", "x")
		assert.NotNil(err)
		assert.False(errors.Is(err, ErrPermanent))
		assert.Contains(err.Error(), "nope")
	}

	// Case 1: throttled is retryable
	atomic.StoreInt32(&code, http.StatusTooManyRequests)
	{
		_, err := uut.Send(context.Background(), "f-1", "x")
		assert.NotNil(err)
		assert.False(errors.Is(err, ErrPermanent))
	}

	// Case 2: bad request is permanent
	atomic.StoreInt32(&code, http.StatusBadRequest)
	{
		_, err := uut.Send(context.Background(), "f-1", "x")
		assert.True(errors.Is(err, ErrPermanent))
	}
}

func TestWebSocketProducer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	relay := defineTestRelayServer(t, utCtxt)

	expectedOffset := uint64(0)
	for _, codecName := range []string{"json", "msgpack"} {
		codec, err := protocol.CodecByName(codecName)
		assert.Nil(err)
		uut, err := GetWebSocketProducer(WebSocketProducerParam{
			RelayURL:         relay.baseURL,
			Codec:            codec,
			RequestIDHeader:  testRequestIDHeader,
			HandshakeTimeout: time.Second,
		}, "testing")
		assert.Nil(err)
		coordinator, err := GetCoordinator(uut, CoordinatorParam{
			ProducerID: codec.Subprotocol(),
			RunID:      "r",
			AckTimeout: time.Millisecond * 500,
			MaxRetries: 3,
		}, nil)
		assert.Nil(err)

		// Case 0: sends share one connection
		for itr := 0; itr < 3; itr++ {
			expectedOffset++
			ack, err := coordinator.Send(utCtxt, fmt.Sprintf("%s-%d", codec.Subprotocol(), itr))
			assert.Nil(err)
			assert.Equal(expectedOffset, ack.Offset)
			assert.True(ack.IsNew)
		}
		// Publish only connection does not subscribe
		assert.Equal(0, relay.hub.SessionCount())

		// Case 1: resend of an acked token
		{
			ack, err := uut.Send(utCtxt, fmt.Sprintf("%s-r-3", codec.Subprotocol()), "dup")
			assert.Nil(err)
			assert.False(ack.IsNew)
			assert.Equal(expectedOffset, ack.Offset)
		}

		// Case 2: the producer reconnects after the connection drops
		{
			relay.listener.dropAll()
			expectedOffset++
			ack, err := coordinator.Send(utCtxt, "after drop")
			assert.Nil(err)
			assert.Equal(expectedOffset, ack.Offset)
		}

		// Case 3: rejected publish
		{
			_, err := uut.Send(utCtxt, "empty", "")
			assert.True(errors.Is(err, ErrPermanent))
		}

		assert.Nil(uut.Close())
	}
}

func TestSubscriberResume(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	relay := defineTestRelayServer(t, utCtxt)

	publish := func(content string) uint64 {
		result, err := relay.hub.Submit(utCtxt, content, "")
		assert.Nil(err)
		return result.Offset
	}
	publish("before-1")
	publish("before-2")

	codec, err := protocol.CodecByName("msgpack")
	assert.Nil(err)
	uut, err := GetSubscriber(SubscriberParam{
		RelayURL:        relay.baseURL,
		Codec:           codec,
		StartAfter:      1,
		ReconnectWait:   time.Millisecond * 300,
		RequestIDHeader: testRequestIDHeader,
	}, "testing")
	assert.Nil(err)

	received := make(chan uint64, 32)
	contents := map[uint64]string{}
	var contentLock sync.Mutex
	runCtxt, runCancel := context.WithCancel(utCtxt)
	defer runCancel()
	done := make(chan error, 1)
	go func() {
		done <- uut.Run(runCtxt, func(_ context.Context, offset uint64, content string) error {
			contentLock.Lock()
			contents[offset] = content
			contentLock.Unlock()
			received <- offset
			return nil
		})
	}()
	expect := func(offset uint64) {
		select {
		case got := <-received:
			assert.Equal(offset, got)
		case <-time.After(time.Second * 3):
			assert.Failf("subscriber timeout", "offset %d not received", offset)
		}
	}

	// Case 0: catch up from the start offset
	expect(2)

	// Case 1: live delivery
	assert.Eventually(func() bool {
		return relay.hub.SessionCount() == 1
	}, time.Second, time.Millisecond*10)
	expect(publish("live-1"))

	// Case 2: messages logged while disconnected arrive after reconnect
	{
		relay.listener.dropAll()
		assert.Eventually(func() bool {
			return relay.hub.SessionCount() == 0
		}, time.Second*2, time.Millisecond*10)
		missed1 := publish("missed-1")
		missed2 := publish("missed-2")
		expect(missed1)
		expect(missed2)
		assert.Equal(missed2, uut.LastOffset())
	}

	// Case 3: nothing is delivered twice
	select {
	case offset := <-received:
		assert.Failf("duplicate delivery", "offset %d", offset)
	case <-time.After(time.Millisecond * 200):
	}
	contentLock.Lock()
	assert.Equal("missed-1", contents[4])
	assert.Equal("before-2", contents[2])
	contentLock.Unlock()

	// Case 4: stopping the subscriber
	runCancel()
	select {
	case err := <-done:
		assert.Nil(err)
	case <-time.After(time.Second * 2):
		assert.Fail("subscriber did not stop")
	}
}

func TestBuildEndpointURL(t *testing.T) {
	assert := assert.New(t)

	// Case 0: websocket scheme
	{
		target, err := buildEndpointURL("https://relay.local/base/", wsEndpoint, nil, true)
		assert.Nil(err)
		assert.Equal("wss://relay.local/base/v1/data/ws", target)
	}

	// Case 1: HTTP endpoint
	{
		target, err := buildEndpointURL("http://relay.local", messageEndpoint, nil, false)
		assert.Nil(err)
		assert.Equal("http://relay.local/v1/data/message", target)
	}

	// Case 2: unsupported scheme
	{
		_, err := buildEndpointURL("ftp://relay.local", wsEndpoint, nil, true)
		assert.NotNil(err)
	}
}
