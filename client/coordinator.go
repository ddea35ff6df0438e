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

package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/is-akash/socket-chat-example/common"
)

var (
	// ErrAckTimeout no acknowledgement arrived within the ack timeout
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrRetryExhausted every attempt of a send failed
	ErrRetryExhausted = errors.New("send retries exhausted")
	// ErrPermanent the relay rejected the send, and resending will not help
	ErrPermanent = errors.New("send permanently rejected")
)

// Ack relay acknowledgement of a send
type Ack struct {
	// Offset log offset of the message
	Offset uint64 `json:"offset"`
	// IsNew whether this send logged the message. False if an earlier attempt did.
	IsNew bool `json:"is_new"`
}

// Transport one attempt at delivering a message to the relay
type Transport interface {
	// Send deliver the message, and wait for the relay's acknowledgement. The context
	// bounds the wait.
	Send(ctxt context.Context, dedupToken, content string) (Ack, error)
}

// SendState state of a pending send
type SendState int

// Pending send states
const (
	SendCreated SendState = iota
	SendSent
	SendRetrying
	SendAcknowledged
	SendExhausted
)

func (s SendState) String() string {
	switch s {
	case SendCreated:
		return "created"
	case SendSent:
		return "sent"
	case SendRetrying:
		return "retrying"
	case SendAcknowledged:
		return "acknowledged"
	case SendExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// PendingSend a send awaiting acknowledgement
type PendingSend struct {
	DedupToken   string
	Content      string
	AttemptCount int
	Deadline     time.Time
	State        SendState
	LastErr      error
}

// CoordinatorParam coordinator parameters
type CoordinatorParam struct {
	// ProducerID prefix of generated dedup tokens. May be empty.
	ProducerID string
	// RunID distinguishes the tokens of this coordinator from those of earlier runs of
	// the same producer. A UUID is used if empty.
	RunID string
	// AckTimeout max wait for the acknowledgement of one attempt
	AckTimeout time.Duration `validate:"gt=0"`
	// MaxRetries number of resends after the first attempt
	MaxRetries int `validate:"gte=0"`
}

// Coordinator sends messages to the relay, resending with the same dedup token until
// acknowledged or out of retries
type Coordinator interface {
	// Send send content under a newly generated dedup token
	Send(ctxt context.Context, content string) (Ack, error)
	// SendWithToken send content under the given dedup token
	SendWithToken(ctxt context.Context, dedupToken, content string) (Ack, error)
	// NextToken generate the next dedup token
	NextToken() string
	// Pending snapshot of the sends in flight
	Pending() []PendingSend
}

// coordinatorImpl implements Coordinator
type coordinatorImpl struct {
	common.Component
	transport   Transport
	tokenPrefix string
	ackTimeout  time.Duration
	maxRetries  int
	counter     uint64
	metrics     *common.RelayMetrics
	lock        sync.Mutex
	pending     map[string]*PendingSend
}

// GetCoordinator define a new coordinator
func GetCoordinator(
	transport Transport, param CoordinatorParam, metrics *common.RelayMetrics,
) (Coordinator, error) {
	if param.AckTimeout <= 0 {
		return nil, fmt.Errorf("ack timeout %s is invalid", param.AckTimeout)
	}
	if param.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries %d is invalid", param.MaxRetries)
	}
	runID := param.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	// Tokens are only unique within one relay log, so the counter is scoped to this run
	tokenPrefix := runID
	if param.ProducerID != "" {
		tokenPrefix = fmt.Sprintf("%s-%s", param.ProducerID, runID)
	}
	logTags := log.Fields{
		"module": "client", "component": "coordinator", "instance": tokenPrefix,
	}
	return &coordinatorImpl{
		Component:   common.Component{LogTags: logTags},
		transport:   transport,
		tokenPrefix: tokenPrefix,
		ackTimeout:  param.AckTimeout,
		maxRetries:  param.MaxRetries,
		metrics:     metrics,
		pending:     make(map[string]*PendingSend),
	}, nil
}

// NextToken generate the next dedup token, as <producer ID>-<run ID>-<counter>
func (c *coordinatorImpl) NextToken() string {
	return fmt.Sprintf("%s-%d", c.tokenPrefix, atomic.AddUint64(&c.counter, 1))
}

// Send send content under a newly generated dedup token
func (c *coordinatorImpl) Send(ctxt context.Context, content string) (Ack, error) {
	return c.SendWithToken(ctxt, c.NextToken(), content)
}

// Pending snapshot of the sends in flight, ordered by token
func (c *coordinatorImpl) Pending() []PendingSend {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]PendingSend, 0, len(c.pending))
	for _, entry := range c.pending {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DedupToken < result[j].DedupToken })
	return result
}

func (c *coordinatorImpl) update(dedupToken string, modify func(entry *PendingSend)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.pending[dedupToken]; ok {
		modify(entry)
	}
}

// SendWithToken send content under the given dedup token
func (c *coordinatorImpl) SendWithToken(
	ctxt context.Context, dedupToken, content string,
) (Ack, error) {
	if dedupToken == "" {
		return Ack{}, fmt.Errorf("%w: empty dedup token", ErrPermanent)
	}
	logTags := c.GetLogTagsForContext(ctxt)
	logTags["token"] = dedupToken

	c.lock.Lock()
	if _, ok := c.pending[dedupToken]; ok {
		c.lock.Unlock()
		return Ack{}, fmt.Errorf("send with token %s already in flight", dedupToken)
	}
	c.pending[dedupToken] = &PendingSend{
		DedupToken: dedupToken, Content: content, State: SendCreated,
	}
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, dedupToken)
		c.lock.Unlock()
	}()

	attempt := 0
	for {
		attempt++
		deadline := time.Now().Add(c.ackTimeout)
		c.update(dedupToken, func(entry *PendingSend) {
			entry.AttemptCount = attempt
			entry.Deadline = deadline
			entry.State = SendSent
		})

		attemptCtxt, cancel := context.WithDeadline(ctxt, deadline)
		ack, err := c.transport.Send(attemptCtxt, dedupToken, content)
		timedOut := errors.Is(attemptCtxt.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			c.update(dedupToken, func(entry *PendingSend) { entry.State = SendAcknowledged })
			log.WithFields(logTags).Debugf(
				"Acknowledged at offset %d after %d attempt(s)", ack.Offset, attempt,
			)
			return ack, nil
		}
		if ctxt.Err() != nil {
			return Ack{}, ctxt.Err()
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrAckTimeout, err.Error())
		}
		lastErr := err
		c.update(dedupToken, func(entry *PendingSend) { entry.LastErr = lastErr })

		if errors.Is(err, ErrPermanent) {
			c.update(dedupToken, func(entry *PendingSend) { entry.State = SendExhausted })
			log.WithError(err).WithFields(logTags).Error("Send rejected")
			return Ack{}, err
		}
		if attempt > c.maxRetries {
			c.update(dedupToken, func(entry *PendingSend) { entry.State = SendExhausted })
			log.WithError(err).WithFields(logTags).Errorf("Send failed after %d attempts", attempt)
			return Ack{}, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}
		c.update(dedupToken, func(entry *PendingSend) { entry.State = SendRetrying })
		c.metrics.RecordProducerRetry(ctxt)
		log.WithError(err).WithFields(logTags).Warnf("Attempt %d failed, resending", attempt)

		// An attempt which failed early still waits out its ack window before the resend
		if wait := time.Until(deadline); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctxt.Done():
				return Ack{}, ctxt.Err()
			}
		}
	}
}
