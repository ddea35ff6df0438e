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

// Package protocol defines the frames exchanged over the relay websocket, and the codecs
// negotiated through the websocket subprotocol.
package protocol

import "fmt"

// FrameType kind of frame
type FrameType string

const (
	// FramePublish client submits a message for broadcast
	FramePublish FrameType = "publish"
	// FrameAck relay acknowledges a publish
	FrameAck FrameType = "ack"
	// FrameError relay rejects a publish
	FrameError FrameType = "error"
	// FrameMessage relay delivers a logged message
	FrameMessage FrameType = "message"
)

// Frame one unit of the websocket protocol
type Frame struct {
	// Type kind of frame
	Type FrameType `json:"type" msgpack:"type"`
	// Token dedup token of a publish. Acks and errors echo it.
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`
	// Content message content of a publish or delivered message
	Content string `json:"content,omitempty" msgpack:"content,omitempty"`
	// Offset log offset of an acked or delivered message
	Offset uint64 `json:"offset,omitempty" msgpack:"offset,omitempty"`
	// IsNew whether the acked publish created a new record
	IsNew bool `json:"is_new,omitempty" msgpack:"is_new,omitempty"`
	// Message error description
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
	// Retryable whether resending the rejected publish may succeed
	Retryable bool `json:"retryable,omitempty" msgpack:"retryable,omitempty"`
}

// Validate check the frame carries the fields its type requires
func (f Frame) Validate() error {
	switch f.Type {
	case FramePublish:
		return nil
	case FrameAck, FrameMessage:
		if f.Offset == 0 {
			return fmt.Errorf("%s frame without offset", f.Type)
		}
		return nil
	case FrameError:
		if f.Message == "" {
			return fmt.Errorf("error frame without message")
		}
		return nil
	default:
		return fmt.Errorf("unknown frame type '%s'", f.Type)
	}
}

// NewAckFrame define an ack frame
func NewAckFrame(token string, offset uint64, isNew bool) Frame {
	return Frame{Type: FrameAck, Token: token, Offset: offset, IsNew: isNew}
}

// NewErrorFrame define an error frame
func NewErrorFrame(token, message string, retryable bool) Frame {
	return Frame{Type: FrameError, Token: token, Message: message, Retryable: retryable}
}

// NewMessageFrame define a message delivery frame
func NewMessageFrame(offset uint64, content string) Frame {
	return Frame{Type: FrameMessage, Offset: offset, Content: content}
}
