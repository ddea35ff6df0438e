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
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start start the timer. Each expiration calls the handler. A handler error stops the timer.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop the timer
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	lock          sync.Mutex
	rootContext   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	rootCtxt context.Context, name string, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if interval <= 0 {
		return fmt.Errorf("timer interval %s is invalid", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		t.contextCancel()
	}
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel

	log.WithFields(t.LogTags).Debugf("Starting with int %s", interval)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Debug("Timer loop exiting")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
					return
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Debug("Stopping timer loop")
		t.contextCancel()
		t.contextCancel = nil
	}
	return nil
}
