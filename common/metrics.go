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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RelayMetrics holds the OpenTelemetry instruments of the relay.
//
// All methods are safe to call on a nil *RelayMetrics.
type RelayMetrics struct {
	appends         metric.Int64Counter
	duplicates      metric.Int64Counter
	deliveries      metric.Int64Counter
	slowConsumers   metric.Int64Counter
	replayed        metric.Int64Counter
	replayFailures  metric.Int64Counter
	liveSessions    metric.Int64UpDownCounter
	producerRetries metric.Int64Counter
}

// GetRelayMetrics define the relay metric instruments using the global meter provider
func GetRelayMetrics() (*RelayMetrics, error) {
	meter := otel.Meter("relay")
	m := &RelayMetrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.appends, "relay.log.appends.total", "Records appended to the log"},
		{&m.duplicates, "relay.log.duplicates.total", "Submissions matching an existing dedup token"},
		{&m.deliveries, "relay.fanout.deliveries.total", "Records queued to live sessions"},
		{&m.slowConsumers, "relay.fanout.slow_consumers.total", "Sessions closed for queue overflow"},
		{&m.replayed, "relay.replay.records.total", "Records delivered by reconnect replay"},
		{&m.replayFailures, "relay.replay.failures.total", "Replay reads aborted by a store failure"},
		{&m.producerRetries, "relay.producer.retries.total", "Producer resend attempts"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.liveSessions, err = meter.Int64UpDownCounter(
		"relay.sessions.live", metric.WithDescription("Sessions registered with the hub"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.sessions.live gauge: %w", err)
	}
	return m, nil
}

// RecordAppend count a submission
func (m *RelayMetrics) RecordAppend(ctxt context.Context, isNew bool) {
	if m == nil {
		return
	}
	if isNew {
		m.appends.Add(ctxt, 1)
	} else {
		m.duplicates.Add(ctxt, 1)
	}
}

// RecordDeliveries count records queued during fan-out
func (m *RelayMetrics) RecordDeliveries(ctxt context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.deliveries.Add(ctxt, int64(count))
}

// RecordSlowConsumer count a session closed for overflow
func (m *RelayMetrics) RecordSlowConsumer(ctxt context.Context) {
	if m == nil {
		return
	}
	m.slowConsumers.Add(ctxt, 1)
}

// RecordReplay count records replayed to one session
func (m *RelayMetrics) RecordReplay(ctxt context.Context, count int, failed bool) {
	if m == nil {
		return
	}
	if count > 0 {
		m.replayed.Add(ctxt, int64(count))
	}
	if failed {
		m.replayFailures.Add(ctxt, 1)
	}
}

// RecordSessionChange track the number of live sessions
func (m *RelayMetrics) RecordSessionChange(ctxt context.Context, delta int64) {
	if m == nil {
		return
	}
	m.liveSessions.Add(ctxt, delta)
}

// RecordProducerRetry count a producer resend
func (m *RelayMetrics) RecordProducerRetry(ctxt context.Context) {
	if m == nil {
		return
	}
	m.producerRetries.Add(ctxt, 1)
}
