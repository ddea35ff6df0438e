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

package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayMetrics(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	// Case 0: telemetry export disabled
	{
		shutdown, err := InitTelemetry(ctxt, TelemetryConfig{Enabled: false}, "testing")
		assert.Nil(err)
		assert.Nil(shutdown(ctxt))
	}

	// Case 1: nil metrics are no-ops
	{
		var uut *RelayMetrics
		uut.RecordAppend(ctxt, true)
		uut.RecordDeliveries(ctxt, 3)
		uut.RecordSlowConsumer(ctxt)
		uut.RecordReplay(ctxt, 2, true)
		uut.RecordSessionChange(ctxt, 1)
		uut.RecordProducerRetry(ctxt)
	}

	// Case 2: instruments against the default provider
	{
		uut, err := GetRelayMetrics()
		assert.Nil(err)
		assert.NotNil(uut)
		uut.RecordAppend(ctxt, true)
		uut.RecordAppend(ctxt, false)
		uut.RecordDeliveries(ctxt, 3)
		uut.RecordReplay(ctxt, 0, false)
		uut.RecordSessionChange(ctxt, -1)
	}
}
