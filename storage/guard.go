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
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/sony/gobreaker"
)

// guardedLogStore wraps a LogStore with a circuit breaker. Only ErrStoreUnavailable
// counts as a failure, and an open breaker fails calls with ErrStoreUnavailable.
type guardedLogStore struct {
	common.Component
	store     LogStore
	breaker   *gobreaker.CircuitBreaker
	opTimeout time.Duration
}

// GetGuardedLogStore wrap a log store with a circuit breaker.
//
// Append, OffsetForToken, and Tail are additionally bounded by the operation timeout.
func GetGuardedLogStore(
	store LogStore,
	config common.CircuitBreakerConfig,
	opTimeout time.Duration,
	instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "guard", "instance": instance}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        instance,
		MaxRequests: config.HalfOpenMaxRequests,
		Timeout:     time.Second * time.Duration(config.OpenTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logTags).Warnf("Store breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrStoreUnavailable)
		},
	})
	return &guardedLogStore{
		Component: common.Component{LogTags: logTags},
		store:     store,
		breaker:   breaker,
		opTimeout: opTimeout,
	}, nil
}

// execute run the call through the breaker
func (s *guardedLogStore) execute(call func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, unavailable(err)
	}
	return result, err
}

// Append write content to the end of the log
func (s *guardedLogStore) Append(
	ctxt context.Context, content, dedupToken string,
) (AppendResult, error) {
	result, err := s.execute(func() (interface{}, error) {
		useCtxt, cancel := context.WithTimeout(ctxt, s.opTimeout)
		defer cancel()
		return s.store.Append(useCtxt, content, dedupToken)
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result.(AppendResult), nil
}

// OffsetForToken fetch the offset of the record carrying the dedup token
func (s *guardedLogStore) OffsetForToken(ctxt context.Context, dedupToken string) (uint64, error) {
	result, err := s.execute(func() (interface{}, error) {
		useCtxt, cancel := context.WithTimeout(ctxt, s.opTimeout)
		defer cancel()
		return s.store.OffsetForToken(useCtxt, dedupToken)
	})
	if err != nil {
		return 0, err
	}
	return result.(uint64), nil
}

// Tail fetch the highest committed offset
func (s *guardedLogStore) Tail(ctxt context.Context) (uint64, error) {
	result, err := s.execute(func() (interface{}, error) {
		useCtxt, cancel := context.WithTimeout(ctxt, s.opTimeout)
		defer cancel()
		return s.store.Tail(useCtxt)
	})
	if err != nil {
		return 0, err
	}
	return result.(uint64), nil
}

// ReadFrom call handler with each record after the offset
func (s *guardedLogStore) ReadFrom(
	ctxt context.Context, after uint64, handler RecordHandler,
) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.store.ReadFrom(ctxt, after, handler)
	})
	return err
}

// Close release the store resources
func (s *guardedLogStore) Close(ctxt context.Context) error {
	return s.store.Close(ctxt)
}
