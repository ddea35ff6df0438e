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
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/cockroachdb/pebble/v2"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/core"
)

// DefineLogStore build the log store selected by the config, wrapped in the store guard
func DefineLogStore(
	ctxt context.Context, config common.StorageConfig, instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "factory", "instance": instance}
	pageTimeout := config.OperationTimeoutDuration()

	var store LogStore
	var err error
	switch config.Backend {
	case "badger":
		if !config.Badger.InMemory {
			if err := os.MkdirAll(config.Badger.Dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err := OpenBadgerDB(config.Badger)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to open badger at %s", config.Badger.Dir,
			)
			return nil, err
		}
		store, err = GetBadgerLogStore(db, config.ReadPageSize, pageTimeout, instance)
		if err != nil {
			return nil, err
		}
	case "pebble":
		if err := os.MkdirAll(config.Pebble.Dir, 0o755); err != nil {
			return nil, err
		}
		db, err := pebble.Open(config.Pebble.Dir, &pebble.Options{})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to open pebble at %s", config.Pebble.Dir,
			)
			return nil, err
		}
		store, err = GetPebbleLogStore(db, config.ReadPageSize, pageTimeout, instance)
		if err != nil {
			return nil, err
		}
	case "postgres":
		store, err = GetPostgresLogStore(
			ctxt, config.Postgres, config.ReadPageSize, pageTimeout, instance,
		)
		if err != nil {
			return nil, err
		}
	case "redis":
		store, err = GetRedisLogStore(
			ctxt, config.Redis, config.ReadPageSize, pageTimeout, instance,
		)
		if err != nil {
			return nil, err
		}
	case "jetstream":
		client, err := core.GetJetStream(core.NATSConnectParamsFromConfig(config.JetStream.NATS))
		if err != nil {
			return nil, unavailable(err)
		}
		store, err = GetJetStreamLogStore(
			client,
			core.LogStreamParam{
				Stream:      config.JetStream.Stream,
				Subject:     config.JetStream.Subject,
				TokenBucket: config.JetStream.TokenBucket,
				Replicas:    config.JetStream.Replicas,
			},
			config.ReadPageSize,
			pageTimeout,
			instance,
		)
		if err != nil {
			client.Close(ctxt)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown log store backend %s", config.Backend)
	}
	log.WithFields(logTags).Infof("Using %s log store", config.Backend)

	return GetGuardedLogStore(store, config.CircuitBreaker, pageTimeout, instance)
}
