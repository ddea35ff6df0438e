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

package apis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/dataplane"
	"github.com/is-akash/socket-chat-example/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRequestIDHeader = "Relay-Request-ID"

type testRelay struct {
	store   storage.LogStore
	hub     dataplane.Hub
	handler *APIRestRelayDataplaneHandler
	server  *httptest.Server
}

func testRelayConfig() *common.RelayServerConfig {
	return &common.RelayServerConfig{
		HTTPSetting: common.HTTPConfig{
			Logging: common.HTTPRequestLogging{
				RequestIDHeader: testRequestIDHeader,
				DoNotLogHeaders: []string{"Authorization"},
			},
		},
		Endpoints: common.RelayEndpointConfig{PathPrefix: "/"},
		Session: common.SessionConfig{
			QueueLength:      16,
			HoldBufferLength: 64,
			PingInterval:     1,
			WriteTimeout:     2,
		},
		RateLimit: common.RateLimitConfig{PublishPerSec: 1000, Burst: 1000},
		Hub:       common.HubConfig{TaskBuffer: 8},
	}
}

// defineTestRelay start a relay over an in-memory badger store
func defineTestRelay(
	t *testing.T, ctxt context.Context, config *common.RelayServerConfig,
) *testRelay {
	db, err := storage.OpenBadgerDB(common.BadgerStoreConfig{InMemory: true})
	require.Nil(t, err)
	store, err := storage.GetBadgerLogStore(db, 4, time.Second, "testing")
	require.Nil(t, err)
	hub, err := dataplane.GetHub(ctxt, store, config.Hub, nil, "testing")
	require.Nil(t, err)
	replay, err := dataplane.GetReplayEngine(hub, store, false, nil, "testing")
	require.Nil(t, err)

	wg := &sync.WaitGroup{}
	handler, err := GetAPIRestRelayDataplaneHandler(
		ctxt, hub, replay, store, config, time.Second, wg,
	)
	require.Nil(t, err)
	router := mux.NewRouter()
	_ = handler.DefineRoutes(router, config.Endpoints.PathPrefix)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.CloseClientConnections()
		server.Close()
		_ = hub.Stop()
		wg.Wait()
		_ = store.Close(context.Background())
	})
	return &testRelay{store: store, hub: hub, handler: handler, server: server}
}

func (r *testRelay) publish(
	t *testing.T, content, token, requestID string,
) (int, APIRestRespPublish, http.Header) {
	body, err := json.Marshal(&APIRestReqPublish{Content: content, DedupToken: token})
	require.Nil(t, err)
	req, err := http.NewRequest(
		http.MethodPost, r.server.URL+"/v1/data/message", bytes.NewReader(body),
	)
	require.Nil(t, err)
	if requestID != "" {
		req.Header.Set(testRequestIDHeader, requestID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer func() { _ = resp.Body.Close() }()
	var parsed APIRestRespPublish
	require.Nil(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp.StatusCode, parsed, resp.Header
}

func TestRestPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := defineTestRelay(t, utCtxt, testRelayConfig())

	// Case 0: publish with a token
	token := uuid.New().String()
	firstOffset := uint64(0)
	{
		reqID := uuid.New().String()
		code, resp, header := uut.publish(t, "hello", token, reqID)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.Equal(reqID, resp.RequestID)
		assert.Equal(reqID, header.Get(testRequestIDHeader))
		assert.Equal("application/json", header.Get("content-type"))
		assert.True(resp.IsNew)
		assert.Equal(uint64(1), resp.Offset)
		firstOffset = resp.Offset
	}

	// Case 1: resend under the same token
	{
		code, resp, _ := uut.publish(t, "hello", token, "")
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.NotEmpty(resp.RequestID)
		assert.False(resp.IsNew)
		assert.Equal(firstOffset, resp.Offset)
	}

	// Case 2: publish without a token always appends
	{
		for itr := 0; itr < 2; itr++ {
			code, resp, _ := uut.publish(t, "anonymous", "", "")
			assert.Equal(http.StatusOK, code)
			assert.True(resp.IsNew)
			assert.Equal(firstOffset+uint64(itr)+1, resp.Offset)
		}
	}

	// Case 3: token from the Idempotency-Key header
	{
		key := uuid.New().String()
		for itr := 0; itr < 2; itr++ {
			req, err := http.NewRequest(
				http.MethodPost,
				uut.server.URL+"/v1/data/message",
				strings.NewReader(`{"content":"keyed"}`),
			)
			assert.Nil(err)
			req.Header.Set("Idempotency-Key", key)
			resp, err := http.DefaultClient.Do(req)
			assert.Nil(err)
			var parsed APIRestRespPublish
			assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
			_ = resp.Body.Close()
			assert.Equal(http.StatusOK, resp.StatusCode)
			assert.Equal(uint64(4), parsed.Offset)
			assert.Equal(itr == 0, parsed.IsNew)
		}
	}

	// Case 4: missing content
	{
		code, resp, _ := uut.publish(t, "", uuid.New().String(), "")
		assert.Equal(http.StatusBadRequest, code)
		assert.False(resp.Success)
		assert.NotNil(resp.Error)
	}

	// Case 5: unparsable body
	{
		resp, err := http.Post(
			uut.server.URL+"/v1/data/message", "application/json", strings.NewReader("{"),
		)
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	// Case 6: wrong method
	{
		resp, err := http.Get(uut.server.URL + "/v1/data/message")
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
	}
}

func TestRestLogPageAndHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := defineTestRelay(t, utCtxt, testRelayConfig())

	readPage := func(query string) (int, APIRestRespLogPage) {
		resp, err := http.Get(uut.server.URL + "/v1/data/log" + query)
		assert.Nil(err)
		defer func() { _ = resp.Body.Close() }()
		var parsed APIRestRespLogPage
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		return resp.StatusCode, parsed
	}

	// Case 0: health checks
	{
		for _, endpoint := range []string{"/v1/data/alive", "/v1/data/ready"} {
			resp, err := http.Get(uut.server.URL + endpoint)
			assert.Nil(err)
			_ = resp.Body.Close()
			assert.Equal(http.StatusOK, resp.StatusCode)
		}
	}

	// Case 1: empty log
	{
		code, page := readPage("")
		assert.Equal(http.StatusOK, code)
		assert.Empty(page.Records)
		assert.Equal(uint64(0), page.Tail)
	}

	for itr := 0; itr < 10; itr++ {
		code, _, _ := uut.publish(t, fmt.Sprintf("msg-%d", itr), fmt.Sprintf("token-%d", itr), "")
		assert.Equal(http.StatusOK, code)
	}

	// Case 2: bounded page
	{
		code, page := readPage("?after=2&limit=3")
		assert.Equal(http.StatusOK, code)
		assert.Equal(uint64(10), page.Tail)
		assert.Len(page.Records, 3)
		for idx, record := range page.Records {
			assert.Equal(uint64(3+idx), record.Offset)
			assert.Equal(fmt.Sprintf("msg-%d", 2+idx), record.Content)
			assert.Equal(fmt.Sprintf("token-%d", 2+idx), record.DedupToken)
		}
	}

	// Case 3: page runs to the tail
	{
		code, page := readPage("?after=8")
		assert.Equal(http.StatusOK, code)
		assert.Len(page.Records, 2)
	}

	// Case 4: bad parameter
	{
		code, page := readPage("?after=abc")
		assert.Equal(http.StatusBadRequest, code)
		assert.False(page.Success)
	}
}

func TestRestStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := defineTestRelay(t, utCtxt, testRelayConfig())

	for itr := 1; itr <= 3; itr++ {
		code, _, _ := uut.publish(t, fmt.Sprintf("before-%d", itr), "", "")
		assert.Equal(http.StatusOK, code)
	}

	streamCtxt, streamCancel := context.WithCancel(utCtxt)
	defer streamCancel()
	req, err := http.NewRequestWithContext(
		streamCtxt, http.MethodGet, uut.server.URL+"/v1/data/stream", nil,
	)
	assert.Nil(err)
	// Offset from Last-Event-ID when last_offset is absent
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	assert.Nil(err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("application/x-ndjson", resp.Header.Get("Content-Type"))

	lines := make(chan APIRestRespDataMessage, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var msg APIRestRespDataMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil {
				lines <- msg
			}
		}
	}()
	expectLine := func(offset uint64, content string) {
		select {
		case msg := <-lines:
			assert.True(msg.Success)
			assert.Equal(offset, msg.Offset)
			assert.Equal(content, msg.Content)
		case <-time.After(time.Second * 2):
			assert.Failf("stream timeout", "offset %d not received", offset)
		}
	}

	// Case 0: replay after offset 1
	expectLine(2, "before-2")
	expectLine(3, "before-3")

	// Case 1: live message
	{
		code, _, _ := uut.publish(t, "live", "", "")
		assert.Equal(http.StatusOK, code)
		expectLine(4, "live")
	}

	// Case 2: session leaves the hub on disconnect
	streamCancel()
	assert.Eventually(func() bool {
		return uut.hub.SessionCount() == 0
	}, time.Second*2, time.Millisecond*10)

	// Case 3: bad offset
	{
		resp, err := http.Get(uut.server.URL + "/v1/data/stream?last_offset=-1")
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}
}

func TestSubmitFailureCode(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: store outage and shutdown are retryable
	assert.Equal(
		http.StatusServiceUnavailable,
		submitFailureCode(fmt.Errorf("%w: refused", storage.ErrStoreUnavailable)),
	)
	assert.Equal(http.StatusServiceUnavailable, submitFailureCode(dataplane.ErrHubStopped))

	// Case 1: content the store can not hold is a bad request
	assert.Equal(
		http.StatusBadRequest,
		submitFailureCode(fmt.Errorf("%w: invalid byte sequence", storage.ErrInvalidContent)),
	)

	// Case 2: anything else
	assert.Equal(http.StatusInternalServerError, submitFailureCode(fmt.Errorf("dummy error")))
}
