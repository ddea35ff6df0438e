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
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerLogStore(t *testing.T) {
	db, err := OpenBadgerDB(common.BadgerStoreConfig{InMemory: true})
	require.Nil(t, err)
	uut, err := GetBadgerLogStore(db, 2, time.Second, "testing")
	require.Nil(t, err)
	defer func() {
		assert.Nil(t, uut.Close(context.Background()))
	}()
	runLogStoreConformance(t, uut)
}

func TestPebbleLogStore(t *testing.T) {
	db, err := pebble.Open("relay", &pebble.Options{FS: vfs.NewMem()})
	require.Nil(t, err)
	uut, err := GetPebbleLogStore(db, 3, time.Second, "testing")
	require.Nil(t, err)
	defer func() {
		assert.Nil(t, uut.Close(context.Background()))
	}()
	runLogStoreConformance(t, uut)
}

func TestPebbleLogStoreReopen(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()
	fs := vfs.NewMem()

	// Case 0: write some records
	{
		db, err := pebble.Open("relay", &pebble.Options{FS: fs})
		require.Nil(t, err)
		uut, err := GetPebbleLogStore(db, 10, time.Second, "testing")
		require.Nil(t, err)
		for _, token := range []string{"a", "b", ""} {
			_, err := uut.Append(ctxt, "content", token)
			assert.Nil(err)
		}
		assert.Nil(uut.Close(ctxt))
	}

	// Case 1: offsets and tokens survive a restart
	{
		db, err := pebble.Open("relay", &pebble.Options{FS: fs})
		require.Nil(t, err)
		uut, err := GetPebbleLogStore(db, 10, time.Second, "testing")
		require.Nil(t, err)
		tail, err := uut.Tail(ctxt)
		assert.Nil(err)
		assert.Equal(uint64(3), tail)
		result, err := uut.Append(ctxt, "content", "b")
		assert.Nil(err)
		assert.Equal(uint64(2), result.Offset)
		assert.False(result.Assigned)
		result, err = uut.Append(ctxt, "content", "c")
		assert.Nil(err)
		assert.Equal(uint64(4), result.Offset)
		assert.Nil(uut.Close(ctxt))
	}
}
