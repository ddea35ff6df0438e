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

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Key layout shared by the embedded key-value backends
//
//	rec:<big-endian offset> -> msgpack encoded Record
//	tok:<dedup token>       -> big-endian offset
//	meta:tail               -> big-endian offset of the last record
var (
	recordKeyPrefix = []byte("rec:")
	tokenKeyPrefix  = []byte("tok:")
	tailKey         = []byte("meta:tail")
)

func recordKey(offset uint64) []byte {
	key := make([]byte, len(recordKeyPrefix)+8)
	copy(key, recordKeyPrefix)
	binary.BigEndian.PutUint64(key[len(recordKeyPrefix):], offset)
	return key
}

func tokenKey(token string) []byte {
	key := make([]byte, 0, len(tokenKeyPrefix)+len(token))
	key = append(key, tokenKeyPrefix...)
	return append(key, token...)
}

func encodeOffset(offset uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, offset)
	return buf
}

func decodeOffset(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("offset value has %d bytes", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

func encodeRecord(record Record) ([]byte, error) {
	return msgpack.Marshal(&record)
}

func decodeRecord(buf []byte) (Record, error) {
	var record Record
	err := msgpack.Unmarshal(buf, &record)
	return record, err
}
