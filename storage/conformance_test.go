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
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLogStoreConformance exercise the LogStore contract. The store may already hold
// records, so offsets are checked relative to the tail at the start.
func runLogStoreConformance(t *testing.T, uut LogStore) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	tokenPrefix := uuid.New().String()
	base, err := uut.Tail(ctxt)
	require.Nil(t, err)

	readAll := func(after uint64) []Record {
		records := []Record{}
		assert.Nil(uut.ReadFrom(ctxt, after, func(_ context.Context, r Record) error {
			records = append(records, r)
			return nil
		}))
		return records
	}

	// Case 0: nothing after the tail
	{
		assert.Empty(readAll(base))
	}

	// Case 1: append without a token
	{
		result, err := uut.Append(ctxt, "hello", "")
		assert.Nil(err)
		assert.Equal(base+1, result.Offset)
		assert.True(result.Assigned)
	}

	token1 := fmt.Sprintf("%s-1", tokenPrefix)

	// Case 2: append with a token, then resend it
	{
		result, err := uut.Append(ctxt, "world", token1)
		assert.Nil(err)
		assert.Equal(base+2, result.Offset)
		assert.True(result.Assigned)

		result, err = uut.Append(ctxt, "world again", token1)
		assert.Nil(err)
		assert.Equal(base+2, result.Offset)
		assert.False(result.Assigned)

		tail, err := uut.Tail(ctxt)
		assert.Nil(err)
		assert.Equal(base+2, tail)
	}

	// Case 3: resolve tokens
	{
		offset, err := uut.OffsetForToken(ctxt, token1)
		assert.Nil(err)
		assert.Equal(base+2, offset)

		_, err = uut.OffsetForToken(ctxt, fmt.Sprintf("%s-unknown", tokenPrefix))
		assert.True(errors.Is(err, ErrTokenNotFound))
	}

	// Case 4: read back
	{
		records := readAll(base)
		assert.Len(records, 2)
		if len(records) == 2 {
			assert.Equal(base+1, records[0].Offset)
			assert.Equal("hello", records[0].Content)
			assert.Equal("", records[0].DedupToken)
			assert.Equal(base+2, records[1].Offset)
			assert.Equal("world", records[1].Content)
			assert.Equal(token1, records[1].DedupToken)
		}
		records = readAll(base + 1)
		assert.Len(records, 1)
		assert.Empty(readAll(base + 2))
	}

	// Case 5: read across several pages
	{
		for itr := 0; itr < 7; itr++ {
			_, err := uut.Append(ctxt, fmt.Sprintf("page-%d", itr), "")
			assert.Nil(err)
		}
		records := readAll(base)
		assert.Len(records, 9)
		for idx, record := range records {
			assert.Equal(base+uint64(idx)+1, record.Offset)
		}
	}

	// Case 6: handler error stops the read
	{
		stopErr := fmt.Errorf("dummy error")
		count := 0
		err := uut.ReadFrom(ctxt, base, func(_ context.Context, r Record) error {
			count++
			if count == 3 {
				return stopErr
			}
			return nil
		})
		assert.Equal(stopErr, err)
		assert.Equal(3, count)
	}

	// Case 7: records appended during a read are not part of it
	{
		start, err := uut.Tail(ctxt)
		assert.Nil(err)
		_, err = uut.Append(ctxt, "before", "")
		assert.Nil(err)
		count := 0
		assert.Nil(uut.ReadFrom(ctxt, start, func(c context.Context, r Record) error {
			count++
			_, err := uut.Append(c, "during", "")
			return err
		}))
		assert.Equal(1, count)
	}

	// Case 8: concurrent appends are gap free
	{
		start, err := uut.Tail(ctxt)
		assert.Nil(err)
		writers := 8
		perWriter := 5
		offsets := make(chan uint64, writers*perWriter)
		wg := sync.WaitGroup{}
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for itr := 0; itr < perWriter; itr++ {
					result, err := uut.Append(
						ctxt,
						fmt.Sprintf("w%d-%d", w, itr),
						fmt.Sprintf("%s-w%d-%d", tokenPrefix, w, itr),
					)
					assert.Nil(err)
					offsets <- result.Offset
				}
			}(w)
		}
		wg.Wait()
		close(offsets)
		observed := []uint64{}
		for offset := range offsets {
			observed = append(observed, offset)
		}
		sort.Slice(observed, func(i, j int) bool { return observed[i] < observed[j] })
		assert.Len(observed, writers*perWriter)
		for idx, offset := range observed {
			assert.Equal(start+uint64(idx)+1, offset)
		}
	}

	// Case 9: concurrent appends with the same token have one winner
	{
		sharedToken := fmt.Sprintf("%s-shared", tokenPrefix)
		results := make(chan AppendResult, 10)
		wg := sync.WaitGroup{}
		for itr := 0; itr < 10; itr++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := uut.Append(ctxt, "shared", sharedToken)
				assert.Nil(err)
				results <- result
			}()
		}
		wg.Wait()
		close(results)
		assigned := 0
		offsets := map[uint64]bool{}
		for result := range results {
			if result.Assigned {
				assigned++
			}
			offsets[result.Offset] = true
		}
		assert.Equal(1, assigned)
		assert.Len(offsets, 1)
	}
}
