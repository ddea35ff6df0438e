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

package dataplane

import (
	"context"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/storage"
)

// ReplayEngine catches a connecting session up with the log before it goes live
type ReplayEngine interface {
	// OnConnect register the session with the hub, replay the records it missed, then
	// switch it to live fan-out.
	//
	// A replay read failure is logged, and the session still goes live. An error is only
	// returned if the session could not be registered, or closed during replay.
	OnConnect(ctxt context.Context, session *Session) error
}

// replayEngineImpl implements ReplayEngine
type replayEngineImpl struct {
	common.Component
	hub                    Hub
	store                  storage.LogStore
	trustTransportRecovery bool
	metrics                *common.RelayMetrics
}

// GetReplayEngine define a new replay engine.
//
// With trustTransportRecovery set, sessions reporting a transport level recovery skip
// the replay read.
func GetReplayEngine(
	hub Hub,
	store storage.LogStore,
	trustTransportRecovery bool,
	metrics *common.RelayMetrics,
	instance string,
) (ReplayEngine, error) {
	logTags := log.Fields{"module": "dataplane", "component": "replay", "instance": instance}
	return &replayEngineImpl{
		Component:              common.Component{LogTags: logTags},
		hub:                    hub,
		store:                  store,
		trustTransportRecovery: trustTransportRecovery,
		metrics:                metrics,
	}, nil
}

// OnConnect register, replay, and release the session to live fan-out
func (r *replayEngineImpl) OnConnect(ctxt context.Context, session *Session) error {
	logTags := r.GetLogTagsForContext(ctxt)
	logTags["connection"] = session.ConnectionID

	// Cancel the replay as soon as the session closes
	replayCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()
	stopWatch := context.AfterFunc(session.ctxt, cancel)
	defer stopWatch()

	if err := r.hub.Register(replayCtxt, session); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register session")
		return err
	}

	replayed := 0
	if session.RecoveredFromTransport && r.trustTransportRecovery {
		log.WithFields(logTags).Debug("Transport recovered the session, skipping replay")
	} else {
		err := r.store.ReadFrom(
			replayCtxt,
			session.LastKnownOffset,
			func(c context.Context, record storage.Record) error {
				queued, err := session.deliver(
					c, Delivery{Offset: record.Offset, Content: record.Content},
				)
				if queued {
					replayed++
				}
				return err
			},
		)
		if err != nil {
			if session.Err() != nil {
				log.WithFields(logTags).Debugf("Session closed during replay: %s", session.Err())
				r.metrics.RecordReplay(ctxt, replayed, false)
				return session.Err()
			}
			if ctxt.Err() != nil {
				return ctxt.Err()
			}
			log.WithError(err).WithFields(logTags).Errorf(
				"Replay after %d stopped early at %d", session.LastKnownOffset, session.LastQueued(),
			)
			r.metrics.RecordReplay(ctxt, replayed, true)
		} else {
			r.metrics.RecordReplay(ctxt, replayed, false)
		}
	}

	released, err := session.goLive(replayCtxt)
	if err != nil {
		if session.Err() != nil {
			return session.Err()
		}
		return err
	}
	log.WithFields(logTags).Debugf(
		"Session live after replaying %d and releasing %d records", replayed, released,
	)
	return nil
}
