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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/dataplane"
	"github.com/is-akash/socket-chat-example/storage"
)

const (
	defaultLogPageSize = 100
	maxLogPageSize     = 1000
	teardownTimeout    = time.Second * 5
)

var (
	errServerStopping = errors.New("server stopping")
	errPageFull       = errors.New("page full")
)

// APIRestRelayDataplaneHandler REST and websocket handler for the relay dataplane
type APIRestRelayDataplaneHandler struct {
	relayRestHandler
	hub         dataplane.Hub
	replay      dataplane.ReplayEngine
	store       storage.LogStore
	session     common.SessionConfig
	rateLimit   common.RateLimitConfig
	opTimeout   time.Duration
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestRelayDataplaneHandler define APIRestRelayDataplaneHandler
func GetAPIRestRelayDataplaneHandler(
	baseContext context.Context,
	hub dataplane.Hub,
	replay dataplane.ReplayEngine,
	store storage.LogStore,
	config *common.RelayServerConfig,
	opTimeout time.Duration,
	wg *sync.WaitGroup,
) (*APIRestRelayDataplaneHandler, error) {
	if config == nil {
		return nil, fmt.Errorf("relay dataplane handler requires the relay config")
	}
	logTags := log.Fields{"module": "apis", "component": "relay-dataplane"}
	if opTimeout <= 0 {
		opTimeout = teardownTimeout
	}
	return &APIRestRelayDataplaneHandler{
		relayRestHandler: defineRestAPIHandler(logTags, config.HTTPSetting.Logging),
		hub:            hub,
		replay:         replay,
		store:          store,
		session:        config.Session,
		rateLimit:      config.RateLimit,
		opTimeout:      opTimeout,
		validate:       validator.New(),
		baseContext:    baseContext,
		wg:             wg,
	}, nil
}

// readUintQuery parse an optional unsigned integer query parameter
func readUintQuery(r *http.Request, name string) (uint64, bool, error) {
	values, ok := r.URL.Query()[name]
	if !ok {
		return 0, false, nil
	}
	if len(values) != 1 {
		return 0, false, fmt.Errorf("multiple %s", name)
	}
	parsed, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("unable to parse %s: %w", name, err)
	}
	return parsed, true, nil
}

// readBoolQuery parse an optional boolean query parameter
func readBoolQuery(r *http.Request, name string) (bool, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("unable to parse %s: %w", name, err)
	}
	return parsed, nil
}

// readSessionParam parse the catch up parameters of a subscribing connection. The last
// offset falls back to the Last-Event-ID header.
func (h *APIRestRelayDataplaneHandler) readSessionParam(
	r *http.Request,
) (dataplane.SessionParam, error) {
	lastOffset, ok, err := readUintQuery(r, "last_offset")
	if err != nil {
		return dataplane.SessionParam{}, err
	}
	if !ok {
		if header := r.Header.Get("Last-Event-ID"); header != "" {
			lastOffset, err = strconv.ParseUint(header, 10, 64)
			if err != nil {
				return dataplane.SessionParam{}, fmt.Errorf("unable to parse Last-Event-ID: %w", err)
			}
		}
	}
	recovered, err := readBoolQuery(r, "recovered")
	if err != nil {
		return dataplane.SessionParam{}, err
	}
	return dataplane.SessionParam{
		ConnectionID:           uuid.New().String(),
		LastKnownOffset:        lastOffset,
		RecoveredFromTransport: recovered,
		QueueLength:            h.session.QueueLength,
		HoldLimit:              h.session.HoldBufferLength,
	}, nil
}

// runSession open a session for the connection, catch it up in the background, and pass
// each queued delivery to write. Returns once the connection ends, the session closes, or
// write fails.
func (h *APIRestRelayDataplaneHandler) runSession(
	ctxt context.Context,
	param dataplane.SessionParam,
	write func(dataplane.Delivery) error,
) error {
	logTags := h.GetLogTagsForContext(ctxt)
	logTags["connection"] = param.ConnectionID

	session := dataplane.NewSession(ctxt, param)
	catchUpDone := make(chan struct{})
	go func() {
		defer close(catchUpDone)
		if err := h.replay.OnConnect(ctxt, session); err != nil {
			session.Close(err)
		}
	}()
	defer func() {
		session.Close(nil)
		<-catchUpDone
		teardownCtxt, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := h.hub.Unregister(teardownCtxt, param.ConnectionID); err != nil &&
			!errors.Is(err, dataplane.ErrHubStopped) {
			log.WithError(err).WithFields(logTags).Error("Unable to unregister session")
		}
	}()

	for {
		select {
		case delivery := <-session.Deliveries():
			if err := write(delivery); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Failed to deliver offset %d", delivery.Offset,
				)
				return err
			}
		case <-session.Done():
			return session.Err()
		case <-ctxt.Done():
			return nil
		case <-h.baseContext.Done():
			return errServerStopping
		}
	}
}

// =======================================================================
// Message publish

// APIRestReqPublish body of a message publish
type APIRestReqPublish struct {
	// Content message content
	Content string `json:"content" validate:"required"`
	// DedupToken producer assigned dedup token. Optional.
	DedupToken string `json:"dedup_token"`
}

// APIRestRespPublish response to a message publish
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	// Offset log offset of the message
	Offset uint64 `json:"offset,omitempty"`
	// IsNew whether this publish logged the message
	IsNew bool `json:"is_new,omitempty"`
}

// submitFailureCode HTTP response code for a failed submit
func submitFailureCode(err error) int {
	if errors.Is(err, storage.ErrStoreUnavailable) || errors.Is(err, dataplane.ErrHubStopped) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, storage.ErrInvalidContent) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// PublishMessage log a message and broadcast it. The dedup token may also be given with
// the Idempotency-Key header.
func (h *APIRestRelayDataplaneHandler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	var params APIRestReqPublish
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(r.Context(), w, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(r.Context(), w, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	if params.DedupToken == "" {
		params.DedupToken = r.Header.Get("Idempotency-Key")
	}

	result, err := h.hub.Submit(r.Context(), params.Content, params.DedupToken)
	if err != nil {
		msg := "Unable to publish message"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		code := submitFailureCode(err)
		h.reply(r.Context(), w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error()))
		return
	}

	h.reply(r.Context(), w, http.StatusOK, APIRestRespPublish{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Offset:              result.Offset,
		IsNew:               result.IsNew,
	})
}

// PublishMessageHandler Wrapper around PublishMessage
func (h *APIRestRelayDataplaneHandler) PublishMessageHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.PublishMessage)
}

// =======================================================================
// Message stream

// APIRestRespDataMessage one message of a stream
type APIRestRespDataMessage struct {
	goutils.RestAPIBaseResponse
	// Offset log offset of the message
	Offset uint64 `json:"offset,omitempty"`
	// Content message content
	Content string `json:"content,omitempty"`
}

// StreamMessages long lived newline delimited JSON stream of messages. Messages after
// last_offset are replayed first, then new messages follow as they are logged.
func (h *APIRestRelayDataplaneHandler) StreamMessages(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	param, err := h.readSessionParam(r)
	if err != nil {
		msg := "Invalid stream parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(r.Context(), w, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		h.reply(r.Context(), w, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, msg,
		))
		return
	}

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/x-ndjson")
	h.setRequestIDHeader(r.Context(), w.Header())
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	writeLine := func(entry interface{}) error {
		serialized, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", serialized)
		writeFlusher.Flush()
		return err
	}

	err = h.runSession(r.Context(), param, func(delivery dataplane.Delivery) error {
		return writeLine(APIRestRespDataMessage{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Offset:              delivery.Offset,
			Content:             delivery.Content,
		})
	})
	if err == nil || r.Context().Err() != nil {
		log.WithFields(localLogTags).Info("Terminating stream on request end")
		return
	}
	log.WithError(err).WithFields(localLogTags).Warn("Terminating stream")
	if err := writeLine(h.GetStdRESTErrorMsg(
		r.Context(), http.StatusServiceUnavailable, "Stream terminated", err.Error(),
	)); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Unable to send stream termination")
	}
}

// StreamMessagesHandler Wrapper around StreamMessages
func (h *APIRestRelayDataplaneHandler) StreamMessagesHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.StreamMessages)
}

// =======================================================================
// Log read

// APIRestRespLogPage one page of the log
type APIRestRespLogPage struct {
	goutils.RestAPIBaseResponse
	// Records records of the page, in offset order
	Records []storage.Record `json:"records"`
	// Tail highest offset in the log when the page was read
	Tail uint64 `json:"tail"`
}

// ReadLogPage read up to limit records after the given offset
func (h *APIRestRelayDataplaneHandler) ReadLogPage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	onBadParam := func(err error) {
		msg := "Invalid page parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(r.Context(), w, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
	}
	after, _, err := readUintQuery(r, "after")
	if err != nil {
		onBadParam(err)
		return
	}
	limit, ok, err := readUintQuery(r, "limit")
	if err != nil {
		onBadParam(err)
		return
	}
	if !ok || limit == 0 {
		limit = defaultLogPageSize
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}
	h.readLogPage(w, r, after, int(limit))
}

func (h *APIRestRelayDataplaneHandler) readLogPage(
	w http.ResponseWriter, r *http.Request, after uint64, limit int,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	onError := func(err error, msg string) {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		code := submitFailureCode(err)
		h.reply(r.Context(), w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error()))
	}

	tail, err := h.store.Tail(r.Context())
	if err != nil {
		onError(err, "Unable to read log tail")
		return
	}
	records := make([]storage.Record, 0, limit)
	err = h.store.ReadFrom(r.Context(), after, func(_ context.Context, record storage.Record) error {
		records = append(records, record)
		if len(records) >= limit {
			return errPageFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		onError(err, "Unable to read log")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, APIRestRespLogPage{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Records:             records,
		Tail:                tail,
	})
}

// ReadLogPageHandler Wrapper around ReadLogPage
func (h *APIRestRelayDataplaneHandler) ReadLogPageHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ReadLogPage)
}

// =======================================================================
// Health Checks

// Alive will return success to indicate the relay API is live
func (h *APIRestRelayDataplaneHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(r.Context(), w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h *APIRestRelayDataplaneHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// Ready will return success if the log store is reachable
func (h *APIRestRelayDataplaneHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctxt, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	if _, err := h.store.Tail(ctxt); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Warn("Log store unreachable")
		h.reply(r.Context(), w, http.StatusServiceUnavailable, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, err.Error(),
		))
		return
	}
	h.reply(r.Context(), w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h *APIRestRelayDataplaneHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}

// =======================================================================

// DefineRoutes attach the dataplane end-points under the path prefix
func (h *APIRestRelayDataplaneHandler) DefineRoutes(
	router *mux.Router, pathPrefix string,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	dataRouter := RegisterPathPrefix(mainRouter, "/v1/data", nil)

	_ = RegisterPathPrefix(dataRouter, "/message", MethodHandlers{
		http.MethodPost: h.PublishMessageHandler(),
	})
	_ = RegisterPathPrefix(dataRouter, "/ws", MethodHandlers{
		http.MethodGet: h.WebSocketSessionHandler(),
	})
	_ = RegisterPathPrefix(dataRouter, "/stream", MethodHandlers{
		http.MethodGet: h.StreamMessagesHandler(),
	})
	_ = RegisterPathPrefix(dataRouter, "/log", MethodHandlers{
		http.MethodGet: h.ReadLogPageHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(dataRouter, "/alive", MethodHandlers{
		http.MethodGet: h.AliveHandler(),
	})
	_ = RegisterPathPrefix(dataRouter, "/ready", MethodHandlers{
		http.MethodGet: h.ReadyHandler(),
	})
	return mainRouter
}
