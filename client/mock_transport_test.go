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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock type for the Transport type
type MockTransport struct {
	mock.Mock
}

// Send provides a mock function with given fields: ctxt, dedupToken, content
func (_m *MockTransport) Send(ctxt context.Context, dedupToken string, content string) (Ack, error) {
	ret := _m.Called(ctxt, dedupToken, content)

	var r0 Ack
	if rf, ok := ret.Get(0).(func(context.Context, string, string) Ack); ok {
		r0 = rf(ctxt, dedupToken, content)
	} else {
		r0 = ret.Get(0).(Ack)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, string, string) error); ok {
		r1 = rf(ctxt, dedupToken, content)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

func TestCoordinatorResendsSameToken(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mockTransport := new(MockTransport)
	uut, err := GetCoordinator(mockTransport, CoordinatorParam{
		ProducerID: "m", RunID: "r", AckTimeout: time.Millisecond * 20, MaxRetries: 2,
	}, nil)
	assert.Nil(err)

	// Case 0: two failed attempts, then the ack
	{
		mockTransport.On(
			"Send", mock.AnythingOfType("*context.timerCtx"), "m-r-1", "payload",
		).Return(Ack{}, errors.New("relay error: publish rate exceeded")).Twice()
		mockTransport.On(
			"Send", mock.AnythingOfType("*context.timerCtx"), "m-r-1", "payload",
		).Return(Ack{Offset: 12, IsNew: true}, nil).Once()

		ack, err := uut.Send(context.Background(), "payload")
		assert.Nil(err)
		assert.Equal(Ack{Offset: 12, IsNew: true}, ack)
		mockTransport.AssertNumberOfCalls(t, "Send", 3)
	}

	// Case 1: next send gets the next token
	{
		mockTransport.On(
			"Send", mock.AnythingOfType("*context.timerCtx"), "m-r-2", "again",
		).Return(Ack{Offset: 13, IsNew: true}, nil).Once()

		ack, err := uut.Send(context.Background(), "again")
		assert.Nil(err)
		assert.Equal(uint64(13), ack.Offset)
	}

	mockTransport.AssertExpectations(t)
}
