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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/is-akash/socket-chat-example/common"
)

// PublishRequest body of a HTTP publish
type PublishRequest struct {
	// Content message content
	Content string `json:"content" validate:"required"`
	// DedupToken producer assigned dedup token
	DedupToken string `json:"dedup_token"`
}

// PublishResponse response to a HTTP publish
type PublishResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
	IsNew  bool   `json:"is_new,omitempty"`
}

// HTTPProducer Transport publishing with one POST per attempt
type HTTPProducer struct {
	common.Component
	endpoint        string
	requestIDHeader string
	client          *http.Client
}

// GetHTTPProducer define a new HTTP producer
func GetHTTPProducer(
	relayURL, requestIDHeader string, client *http.Client, instance string,
) (*HTTPProducer, error) {
	endpoint, err := buildEndpointURL(relayURL, messageEndpoint, nil, false)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	logTags := log.Fields{"module": "client", "component": "http-producer", "instance": instance}
	return &HTTPProducer{
		Component:       common.Component{LogTags: logTags},
		endpoint:        endpoint,
		requestIDHeader: requestIDHeader,
		client:          client,
	}, nil
}

// Send POST the message, and parse the acknowledgement
func (p *HTTPProducer) Send(ctxt context.Context, dedupToken, content string) (Ack, error) {
	body, err := json.Marshal(&PublishRequest{Content: content, DedupToken: dedupToken})
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrPermanent, err.Error())
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrPermanent, err.Error())
	}
	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	if p.requestIDHeader != "" {
		req.Header.Set(p.requestIDHeader, requestID)
	}
	logTags := p.GetLogTagsForContext(ctxt)
	logTags["request_id"] = requestID

	resp, err := p.client.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ack{}, err
	}

	var parsed PublishResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unparsable response with status %d", resp.StatusCode,
		)
		return Ack{}, fmt.Errorf("unparsable relay response (status %d)", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusOK && parsed.Success {
		return Ack{Offset: parsed.Offset, IsNew: parsed.IsNew}, nil
	}
	message := http.StatusText(resp.StatusCode)
	if parsed.Error != nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests &&
		resp.StatusCode != http.StatusRequestTimeout {
		return Ack{}, fmt.Errorf("%w: %d %s", ErrPermanent, resp.StatusCode, message)
	}
	return Ack{}, fmt.Errorf("relay responded %d: %s", resp.StatusCode, message)
}
