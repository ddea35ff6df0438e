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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/protocol"
)

// MessageHandler callback for each message received by a subscriber
type MessageHandler func(ctxt context.Context, offset uint64, content string) error

// SubscriberParam subscriber parameters
type SubscriberParam struct {
	// RelayURL base URL of the relay
	RelayURL string
	// Codec frame encoding
	Codec protocol.Codec
	// StartAfter offset of the last message already seen. Zero for the whole log.
	StartAfter uint64
	// ReconnectWait delay before reconnecting after the connection drops
	ReconnectWait time.Duration
	// RequestIDHeader header carrying the request ID of the upgrade request
	RequestIDHeader string
}

// Subscriber reconnecting websocket subscriber, resuming after the last offset received
type Subscriber struct {
	common.Component
	param      SubscriberParam
	dialer     websocket.Dialer
	lastOffset uint64
	connects   uint64
}

// GetSubscriber define a new subscriber
func GetSubscriber(param SubscriberParam, instance string) (*Subscriber, error) {
	if param.Codec == nil {
		return nil, fmt.Errorf("subscriber requires a codec")
	}
	if param.ReconnectWait <= 0 {
		return nil, fmt.Errorf("reconnect wait %s is invalid", param.ReconnectWait)
	}
	if _, err := buildEndpointURL(param.RelayURL, wsEndpoint, nil, true); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "client", "component": "subscriber", "instance": instance}
	return &Subscriber{
		Component: common.Component{LogTags: logTags},
		param:     param,
		dialer: websocket.Dialer{
			Proxy:        http.ProxyFromEnvironment,
			Subprotocols: []string{param.Codec.Subprotocol()},
		},
		lastOffset: param.StartAfter,
	}, nil
}

// LastOffset offset of the last message passed to the handler
func (s *Subscriber) LastOffset() uint64 {
	return atomic.LoadUint64(&s.lastOffset)
}

// Run receive messages until the context is cancelled or the handler fails
func (s *Subscriber) Run(ctxt context.Context, handler MessageHandler) error {
	for {
		err := s.session(ctxt, handler)
		if ctxt.Err() != nil {
			return nil
		}
		if failed, ok := err.(handlerError); ok {
			return failed.error
		}
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Connection lost at offset %d, reconnecting in %s", s.LastOffset(), s.param.ReconnectWait,
		)
		select {
		case <-time.After(s.param.ReconnectWait):
		case <-ctxt.Done():
			return nil
		}
	}
}

type handlerError struct{ error }

func (e handlerError) Unwrap() error { return e.error }

// session one connection's lifetime
func (s *Subscriber) session(ctxt context.Context, handler MessageHandler) error {
	query := url.Values{}
	query.Set("last_offset", strconv.FormatUint(s.LastOffset(), 10))
	attempt := atomic.AddUint64(&s.connects, 1)
	target, err := buildEndpointURL(s.param.RelayURL, wsEndpoint, query, true)
	if err != nil {
		return err
	}
	header := http.Header{}
	if s.param.RequestIDHeader != "" {
		header.Set(
			s.param.RequestIDHeader,
			fmt.Sprintf("%s-%d", s.LogTags["instance"], attempt),
		)
	}
	conn, _, err := s.dialer.DialContext(ctxt, target, header)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	log.WithFields(s.LogTags).Infof("Subscribed to %s", target)

	// Unblock the read once the caller is done
	stop := context.AfterFunc(ctxt, func() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	})
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := s.param.Codec.Decode(payload)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Discarding undecodable frame")
			continue
		}
		if frame.Type != protocol.FrameMessage {
			continue
		}
		if frame.Offset <= s.LastOffset() {
			log.WithFields(s.LogTags).Debugf("Skipping already seen offset %d", frame.Offset)
			continue
		}
		if err := handler(ctxt, frame.Offset, frame.Content); err != nil {
			return handlerError{err}
		}
		atomic.StoreUint64(&s.lastOffset, frame.Offset)
	}
}
