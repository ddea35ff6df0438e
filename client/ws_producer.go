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
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/protocol"
)

// errConnectionLost the websocket dropped while waiting for an acknowledgement
var errConnectionLost = errors.New("relay connection lost")

// WebSocketProducerParam websocket producer parameters
type WebSocketProducerParam struct {
	// RelayURL base URL of the relay
	RelayURL string
	// Codec frame encoding
	Codec protocol.Codec
	// RequestIDHeader header carrying the request ID of the upgrade request
	RequestIDHeader string
	// HandshakeTimeout max duration of the websocket handshake
	HandshakeTimeout time.Duration
}

// WebSocketProducer Transport publishing over one websocket connection.
//
// Acknowledgements are matched to waiting sends through a pending request table keyed
// by dedup token. The connection is re-established on the next send after it drops.
type WebSocketProducer struct {
	common.Component
	param     WebSocketProducerParam
	dialer    websocket.Dialer
	connLock  sync.Mutex
	conn      *websocket.Conn
	writeLock sync.Mutex
	inflight  *inflightPublishes
	wg        sync.WaitGroup
}

// GetWebSocketProducer define a new websocket producer. The connection is opened on the
// first send.
func GetWebSocketProducer(param WebSocketProducerParam, instance string) (*WebSocketProducer, error) {
	if param.Codec == nil {
		return nil, fmt.Errorf("websocket producer requires a codec")
	}
	if _, err := buildEndpointURL(param.RelayURL, wsEndpoint, nil, true); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "client", "component": "ws-producer", "instance": instance}
	return &WebSocketProducer{
		Component: common.Component{LogTags: logTags},
		param:     param,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: param.HandshakeTimeout,
			Subprotocols:     []string{param.Codec.Subprotocol()},
		},
		inflight: newInflightPublishes(logTags),
	}, nil
}

// connect fetch the open connection, dialing a new one if needed
func (p *WebSocketProducer) connect(ctxt context.Context) (*websocket.Conn, error) {
	p.connLock.Lock()
	defer p.connLock.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	target, err := buildEndpointURL(
		p.param.RelayURL, wsEndpoint, url.Values{"publish_only": []string{"true"}}, true,
	)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if p.param.RequestIDHeader != "" {
		header.Set(p.param.RequestIDHeader, fmt.Sprintf("%s-connect", p.LogTags["instance"]))
	}
	conn, resp, err := p.dialer.DialContext(ctxt, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: upgrade rejected with %d", ErrPermanent, resp.StatusCode)
		}
		return nil, err
	}
	if conn.Subprotocol() != p.param.Codec.Subprotocol() {
		_ = conn.Close()
		return nil, fmt.Errorf(
			"%w: relay selected subprotocol '%s'", ErrPermanent, conn.Subprotocol(),
		)
	}
	log.WithFields(p.LogTags).Infof("Connected to %s", target)
	p.conn = conn
	p.wg.Add(1)
	go p.readLoop(conn)
	return conn, nil
}

// readLoop route acknowledgements to the waiting sends until the connection drops
func (p *WebSocketProducer) readLoop(conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).WithFields(p.LogTags).Warn("Connection read failed")
			}
			p.dropConnection(conn)
			return
		}
		frame, err := p.param.Codec.Decode(payload)
		if err != nil {
			log.WithError(err).WithFields(p.LogTags).Error("Discarding undecodable frame")
			continue
		}
		switch frame.Type {
		case protocol.FrameAck, protocol.FrameError:
			p.inflight.HandlePublishResponse(frame)
		default:
			// Publish only connections receive no broadcast traffic
		}
	}
}

// dropConnection forget a failed connection, and fail every waiting send
func (p *WebSocketProducer) dropConnection(conn *websocket.Conn) {
	p.connLock.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.connLock.Unlock()
	_ = conn.Close()

	if failed := p.inflight.FailAll(errConnectionLost.Error()); failed > 0 {
		log.WithFields(p.LogTags).Warnf("Failed %d inflight publishes", failed)
	}
}

// Send publish the message and wait for its acknowledgement
func (p *WebSocketProducer) Send(ctxt context.Context, dedupToken, content string) (Ack, error) {
	conn, err := p.connect(ctxt)
	if err != nil {
		return Ack{}, err
	}

	entry := p.inflight.RecordInflightPublish(dedupToken)
	defer p.inflight.Release(entry)

	payload, err := p.param.Codec.Encode(protocol.Frame{
		Type: protocol.FramePublish, Token: dedupToken, Content: content,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrPermanent, err.Error())
	}
	msgType := websocket.TextMessage
	if p.param.Codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	p.writeLock.Lock()
	if deadline, ok := ctxt.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	err = conn.WriteMessage(msgType, payload)
	p.writeLock.Unlock()
	if err != nil {
		p.dropConnection(conn)
		return Ack{}, fmt.Errorf("publish write failed: %w", err)
	}

	select {
	case frame := <-entry.result:
		if frame.Type == protocol.FrameAck {
			return Ack{Offset: frame.Offset, IsNew: frame.IsNew}, nil
		}
		if frame.Retryable {
			return Ack{}, fmt.Errorf("relay error: %s", frame.Message)
		}
		return Ack{}, fmt.Errorf("%w: %s", ErrPermanent, frame.Message)
	case <-ctxt.Done():
		return Ack{}, ctxt.Err()
	}
}

// Close close the connection
func (p *WebSocketProducer) Close() error {
	p.connLock.Lock()
	conn := p.conn
	p.conn = nil
	p.connLock.Unlock()
	if conn != nil {
		p.writeLock.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		p.writeLock.Unlock()
		_ = conn.Close()
	}
	p.wg.Wait()
	return nil
}
