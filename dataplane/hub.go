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
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SubmitResult outcome of a submit
type SubmitResult struct {
	// Offset log offset of the message
	Offset uint64
	// IsNew whether this submit logged the message. False for a resend of a known token.
	IsNew bool
}

// Hub writes messages through the log store, and fans out new records to every
// registered session
type Hub interface {
	// Submit log a message and broadcast it if it is new
	Submit(ctxt context.Context, content, dedupToken string) (SubmitResult, error)
	// Register add a session to the fan-out set
	Register(ctxt context.Context, session *Session) error
	// Unregister remove a session from the fan-out set
	Unregister(ctxt context.Context, connectionID string) error
	// SessionCount number of registered sessions
	SessionCount() int
	// Stop stop the hub
	Stop() error
}

// submitRequest hub event loop task: append and fan out
type submitRequest struct {
	ctxt       context.Context
	content    string
	dedupToken string
	result     chan submitResponse
}

type submitResponse struct {
	result SubmitResult
	err    error
}

// registerRequest hub event loop task: add a session
type registerRequest struct {
	session *Session
	result  chan error
}

// unregisterRequest hub event loop task: remove a session
type unregisterRequest struct {
	connectionID string
	result       chan error
}

// hubImpl implements Hub. Submits, registrations, and removals all run on one event
// loop, so the order records are appended is the order they are fanned out. lastFanned,
// the highest offset offered to the sessions, is only touched on that loop.
type hubImpl struct {
	common.Component
	store        storage.LogStore
	metrics      *common.RelayMetrics
	processor    common.TaskProcessor
	wg           sync.WaitGroup
	sessions     map[string]*Session
	sessionCount int64
	lastFanned   uint64
}

// errCatchUpDone stops the catch-up read once the target offset is reached
var errCatchUpDone = errors.New("catch-up complete")

// GetHub define a new hub, and start its event loop
func GetHub(
	ctxt context.Context,
	store storage.LogStore,
	config common.HubConfig,
	metrics *common.RelayMetrics,
	instance string,
) (Hub, error) {
	logTags := log.Fields{"module": "dataplane", "component": "hub", "instance": instance}
	tail, err := store.Tail(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read log tail")
		return nil, err
	}
	processor, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("hub-%s", instance), config.TaskBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}
	instanceHub := &hubImpl{
		Component:  common.Component{LogTags: logTags},
		store:      store,
		metrics:    metrics,
		processor:  processor,
		sessions:   make(map[string]*Session),
		lastFanned: tail,
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(submitRequest{}):     instanceHub.processSubmit,
		reflect.TypeOf(registerRequest{}):   instanceHub.processRegister,
		reflect.TypeOf(unregisterRequest{}): instanceHub.processUnregister,
	}); err != nil {
		return nil, err
	}
	if err := processor.StartEventLoop(&instanceHub.wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instanceHub, nil
}

// Submit log a message and broadcast it if it is new
func (h *hubImpl) Submit(
	ctxt context.Context, content, dedupToken string,
) (SubmitResult, error) {
	ctxt, span := otel.Tracer("relay/dataplane").Start(ctxt, "Hub.Submit")
	defer span.End()

	request := submitRequest{
		ctxt:       ctxt,
		content:    content,
		dedupToken: dedupToken,
		result:     make(chan submitResponse, 1),
	}
	if err := h.processor.Submit(ctxt, request); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit not queued")
		return SubmitResult{}, h.loopError(err)
	}
	select {
	case resp := <-request.result:
		if resp.err != nil {
			span.RecordError(resp.err)
			span.SetStatus(codes.Error, "submit failed")
			return SubmitResult{}, resp.err
		}
		span.SetAttributes(
			attribute.Int64("relay.offset", int64(resp.result.Offset)),
			attribute.Bool("relay.is_new", resp.result.IsNew),
		)
		return resp.result, nil
	case <-ctxt.Done():
		return SubmitResult{}, ctxt.Err()
	case <-h.processor.Done():
		return SubmitResult{}, ErrHubStopped
	}
}

func (h *hubImpl) loopError(err error) error {
	select {
	case <-h.processor.Done():
		return ErrHubStopped
	default:
		return err
	}
}

// processSubmit event loop handler for submitRequest
func (h *hubImpl) processSubmit(param interface{}) error {
	request, ok := param.(submitRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	result, err := h.appendRecord(request.ctxt, request.content, request.dedupToken)
	request.result <- submitResponse{result: result, err: err}
	if err != nil || result.Offset <= h.lastFanned {
		return nil
	}
	if result.IsNew && result.Offset == h.lastFanned+1 {
		h.fanOut(request.ctxt, Delivery{Offset: result.Offset, Content: request.content})
		return nil
	}
	// Records between lastFanned and this offset were committed by appends which reported
	// a failure, so they were never broadcast
	h.catchUp(context.WithoutCancel(request.ctxt), result.Offset)
	return nil
}

// catchUp read back and fan out every record after lastFanned, up to and including upTo.
// If the read fails, fan-out stops at the gap and the next submit tries again.
func (h *hubImpl) catchUp(ctxt context.Context, upTo uint64) {
	logTags := h.GetLogTagsForContext(ctxt)
	from := h.lastFanned
	err := h.store.ReadFrom(ctxt, from, func(_ context.Context, record storage.Record) error {
		if record.Offset > upTo {
			return errCatchUpDone
		}
		h.fanOut(ctxt, Delivery{Offset: record.Offset, Content: record.Content})
		if record.Offset == upTo {
			return errCatchUpDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errCatchUpDone) {
		log.WithError(err).WithFields(logTags).Errorf(
			"Fan-out catch-up stopped at %d, target %d", h.lastFanned, upTo,
		)
		return
	}
	log.WithFields(logTags).Infof("Fan-out caught up from %d to %d", from, h.lastFanned)
}

// appendRecord append through the store, treating a token collision as a resend
func (h *hubImpl) appendRecord(
	ctxt context.Context, content, dedupToken string,
) (SubmitResult, error) {
	logTags := h.GetLogTagsForContext(ctxt)
	appended, err := h.store.Append(ctxt, content, dedupToken)
	if err == nil {
		h.metrics.RecordAppend(ctxt, appended.Assigned)
		return SubmitResult{Offset: appended.Offset, IsNew: appended.Assigned}, nil
	}
	if !errors.Is(err, storage.ErrConstraintViolation) {
		log.WithError(err).WithFields(logTags).Error("Append failed")
		return SubmitResult{}, err
	}
	offset, err := h.store.OffsetForToken(ctxt, dedupToken)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to resolve colliding token %s", dedupToken,
		)
		return SubmitResult{}, err
	}
	h.metrics.RecordAppend(ctxt, false)
	return SubmitResult{Offset: offset, IsNew: false}, nil
}

// fanOut offer a new record to every registered session. Sessions which are closed,
// or cannot keep up, are dropped from the set.
func (h *hubImpl) fanOut(ctxt context.Context, record Delivery) {
	h.lastFanned = record.Offset
	queued := 0
	for connectionID, session := range h.sessions {
		ok, err := session.offerLive(record)
		if err != nil {
			if errors.Is(err, ErrSlowConsumer) {
				log.WithFields(h.LogTags).Warnf(
					"Dropping slow session %s at offset %d", connectionID, record.Offset,
				)
				h.metrics.RecordSlowConsumer(ctxt)
			}
			h.removeSession(ctxt, connectionID)
			continue
		}
		if ok {
			queued++
		}
	}
	h.metrics.RecordDeliveries(ctxt, queued)
}

func (h *hubImpl) removeSession(ctxt context.Context, connectionID string) {
	if _, ok := h.sessions[connectionID]; !ok {
		return
	}
	delete(h.sessions, connectionID)
	atomic.AddInt64(&h.sessionCount, -1)
	h.metrics.RecordSessionChange(ctxt, -1)
}

// Register add a session to the fan-out set
func (h *hubImpl) Register(ctxt context.Context, session *Session) error {
	request := registerRequest{session: session, result: make(chan error, 1)}
	if err := h.processor.Submit(ctxt, request); err != nil {
		return h.loopError(err)
	}
	return h.waitForResult(ctxt, request.result)
}

// processRegister event loop handler for registerRequest
func (h *hubImpl) processRegister(param interface{}) error {
	request, ok := param.(registerRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	if _, ok := h.sessions[request.session.ConnectionID]; ok {
		request.result <- fmt.Errorf(
			"connection %s already registered", request.session.ConnectionID,
		)
		return nil
	}
	h.sessions[request.session.ConnectionID] = request.session
	atomic.AddInt64(&h.sessionCount, 1)
	h.metrics.RecordSessionChange(context.Background(), 1)
	log.WithFields(h.LogTags).Debugf("Registered session %s", request.session.ConnectionID)
	request.result <- nil
	return nil
}

// Unregister remove a session from the fan-out set
func (h *hubImpl) Unregister(ctxt context.Context, connectionID string) error {
	request := unregisterRequest{connectionID: connectionID, result: make(chan error, 1)}
	if err := h.processor.Submit(ctxt, request); err != nil {
		return h.loopError(err)
	}
	return h.waitForResult(ctxt, request.result)
}

// processUnregister event loop handler for unregisterRequest
func (h *hubImpl) processUnregister(param interface{}) error {
	request, ok := param.(unregisterRequest)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	h.removeSession(context.Background(), request.connectionID)
	log.WithFields(h.LogTags).Debugf("Unregistered session %s", request.connectionID)
	request.result <- nil
	return nil
}

func (h *hubImpl) waitForResult(ctxt context.Context, result chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-h.processor.Done():
		return ErrHubStopped
	}
}

// SessionCount number of registered sessions
func (h *hubImpl) SessionCount() int {
	return int(atomic.LoadInt64(&h.sessionCount))
}

// Stop stop the hub
func (h *hubImpl) Stop() error {
	if err := h.processor.StopEventLoop(); err != nil {
		return err
	}
	h.wg.Wait()
	return nil
}
