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

// Package client implements the producer and subscriber sides of the relay protocol.
package client

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	wsEndpoint      = "/v1/data/ws"
	messageEndpoint = "/v1/data/message"
)

// buildEndpointURL join the relay base URL with an endpoint path. The websocket scheme
// is used when asked for.
func buildEndpointURL(base, endpoint string, query url.Values, websocket bool) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if websocket {
		switch parsed.Scheme {
		case "http", "ws":
			parsed.Scheme = "ws"
		case "https", "wss":
			parsed.Scheme = "wss"
		default:
			return "", fmt.Errorf("unsupported relay URL scheme '%s'", parsed.Scheme)
		}
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + endpoint
	if query != nil {
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
