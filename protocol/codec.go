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

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SubprotocolJSON websocket subprotocol for JSON text frames
	SubprotocolJSON = "relay.v1.json"
	// SubprotocolMsgpack websocket subprotocol for MessagePack binary frames
	SubprotocolMsgpack = "relay.v1.msgpack"
)

// Codec converts frames to and from websocket payloads
type Codec interface {
	// Subprotocol websocket subprotocol naming this codec
	Subprotocol() string
	// Binary whether payloads are sent as binary websocket messages
	Binary() bool
	// Encode serialize a frame
	Encode(frame Frame) ([]byte, error)
	// Decode parse and validate a frame
	Decode(payload []byte) (Frame, error)
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(frame Frame) ([]byte, error) {
	return json.Marshal(&frame)
}

func (jsonCodec) Decode(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("malformed JSON frame: %w", err)
	}
	return frame, frame.Validate()
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgpack }

func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(frame Frame) ([]byte, error) {
	return msgpack.Marshal(&frame)
}

func (msgpackCodec) Decode(payload []byte) (Frame, error) {
	var frame Frame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("malformed msgpack frame: %w", err)
	}
	return frame, frame.Validate()
}

// Subprotocols supported websocket subprotocols, in order of preference
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// CodecForSubprotocol fetch the codec of a negotiated subprotocol. An empty subprotocol
// selects JSON.
func CodecForSubprotocol(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return jsonCodec{}, nil
	case SubprotocolMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported subprotocol '%s'", subprotocol)
	}
}

// CodecByName fetch a codec by its short name: json or msgpack
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec '%s'", name)
	}
}
