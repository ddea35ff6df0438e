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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/dataplane"
	"github.com/is-akash/socket-chat-example/protocol"
	"github.com/is-akash/socket-chat-example/storage"
	"golang.org/x/time/rate"
)

// wsConnection one upgraded websocket connection
type wsConnection struct {
	common.Component
	conn         *websocket.Conn
	codec        protocol.Codec
	writeLock    sync.Mutex
	writeTimeout time.Duration
	limiter      *rate.Limiter
}

// writeFrame encode and send one frame
func (c *wsConnection) writeFrame(frame protocol.Frame) error {
	payload, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msgType, payload)
}

// writeControl send a control frame
func (c *wsConnection) writeControl(msgType int, payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteControl(msgType, payload, time.Now().Add(c.writeTimeout))
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    protocol.Subprotocols(),
}

// WebSocketSession bidirectional relay connection.
//
// The client publishes with publish frames, and receives an ack or error frame for each.
// Unless publish_only is set, the connection is also a subscriber: messages after
// last_offset are replayed, followed by new messages as they are logged.
func (h *APIRestRelayDataplaneHandler) WebSocketSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	onBadParam := func(err error) {
		msg := "Invalid session parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(r.Context(), w, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
	}
	param, err := h.readSessionParam(r)
	if err != nil {
		onBadParam(err)
		return
	}
	publishOnly, err := readBoolQuery(r, "publish_only")
	if err != nil {
		onBadParam(err)
		return
	}
	h.serveWebSocket(w, r, param, publishOnly)
}

func (h *APIRestRelayDataplaneHandler) serveWebSocket(
	w http.ResponseWriter, r *http.Request, param dataplane.SessionParam, publishOnly bool,
) {
	logTags := h.GetLogTagsForContext(r.Context())
	logTags["connection"] = param.ConnectionID

	respHeader := http.Header{}
	h.setRequestIDHeader(r.Context(), respHeader)
	conn, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader already responded
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}
	codec, err := protocol.CodecForSubprotocol(conn.Subprotocol())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("No codec for negotiated subprotocol")
		_ = conn.Close()
		return
	}
	logTags["subprotocol"] = codec.Subprotocol()

	wsConn := &wsConnection{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		codec:        codec,
		writeTimeout: time.Second * time.Duration(h.session.WriteTimeout),
		limiter:      rate.NewLimiter(rate.Limit(h.rateLimit.PublishPerSec), h.rateLimit.Burst),
	}
	connCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keepalive
	pingInterval := time.Second * time.Duration(h.session.PingInterval)
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval * 2))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval * 2))
	})
	pinger, err := common.GetIntervalTimerInstance(
		connCtxt, fmt.Sprintf("ping-%s", param.ConnectionID), h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define keepalive timer")
		_ = conn.Close()
		return
	}
	if err := pinger.Start(pingInterval, func() error {
		return wsConn.writeControl(websocket.PingMessage, nil)
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start keepalive timer")
		_ = conn.Close()
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		h.readPublishFrames(connCtxt, wsConn)
	}()

	log.WithFields(logTags).Infof(
		"Connection open after %d (recovered %v, publish only %v)",
		param.LastKnownOffset, param.RecoveredFromTransport, publishOnly,
	)
	var sessionErr error
	if publishOnly {
		select {
		case <-connCtxt.Done():
		case <-h.baseContext.Done():
			sessionErr = errServerStopping
		}
	} else {
		sessionErr = h.runSession(connCtxt, param, func(delivery dataplane.Delivery) error {
			return wsConn.writeFrame(protocol.NewMessageFrame(delivery.Offset, delivery.Content))
		})
	}

	_ = pinger.Stop()
	closeCode := websocket.CloseNormalClosure
	closeText := ""
	if sessionErr != nil {
		closeText = sessionErr.Error()
		switch {
		case errors.Is(sessionErr, dataplane.ErrSlowConsumer):
			closeCode = websocket.CloseTryAgainLater
		case errors.Is(sessionErr, errServerStopping):
			closeCode = websocket.CloseGoingAway
		default:
			closeCode = websocket.CloseInternalServerErr
		}
		log.WithError(sessionErr).WithFields(logTags).Warn("Closing connection")
	}
	_ = wsConn.writeControl(
		websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeText),
	)
	cancel()
	_ = conn.Close()
	<-readDone
	log.WithFields(logTags).Info("Connection closed")
}

// readPublishFrames process the frames sent by the client until the connection drops
func (h *APIRestRelayDataplaneHandler) readPublishFrames(
	ctxt context.Context, wsConn *wsConnection,
) {
	for {
		_, payload, err := wsConn.conn.ReadMessage()
		if err != nil {
			if ctxt.Err() == nil && !websocket.IsCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(wsConn.LogTags).Info("Connection read ended")
			}
			return
		}
		frame, err := wsConn.codec.Decode(payload)
		if err != nil {
			log.WithError(err).WithFields(wsConn.LogTags).Error("Undecodable frame")
			if err := wsConn.writeFrame(
				protocol.NewErrorFrame("", fmt.Sprintf("undecodable frame: %s", err), false),
			); err != nil {
				return
			}
			continue
		}
		if err := wsConn.writeFrame(h.handlePublishFrame(ctxt, wsConn, frame)); err != nil {
			log.WithError(err).WithFields(wsConn.LogTags).Error("Failed to send reply")
			return
		}
	}
}

// handlePublishFrame submit a publish frame, returning the reply frame
func (h *APIRestRelayDataplaneHandler) handlePublishFrame(
	ctxt context.Context, wsConn *wsConnection, frame protocol.Frame,
) protocol.Frame {
	if frame.Type != protocol.FramePublish {
		return protocol.NewErrorFrame(
			frame.Token, fmt.Sprintf("unexpected %s frame", frame.Type), false,
		)
	}
	if frame.Content == "" {
		return protocol.NewErrorFrame(frame.Token, "publish without content", false)
	}
	if !wsConn.limiter.Allow() {
		log.WithFields(wsConn.LogTags).Debugf("Rate limited publish %s", frame.Token)
		return protocol.NewErrorFrame(frame.Token, "publish rate exceeded", true)
	}
	result, err := h.hub.Submit(ctxt, frame.Content, frame.Token)
	if err != nil {
		log.WithError(err).WithFields(wsConn.LogTags).Errorf("Unable to publish %s", frame.Token)
		return protocol.NewErrorFrame(
			frame.Token, err.Error(), !errors.Is(err, storage.ErrInvalidContent),
		)
	}
	return protocol.NewAckFrame(frame.Token, result.Offset, result.IsNew)
}

// WebSocketSessionHandler Wrapper around WebSocketSession
func (h *APIRestRelayDataplaneHandler) WebSocketSessionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.WebSocketSession)
}
