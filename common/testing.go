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

import "os"

// Environment variables pointing unit tests at external servers. Tests which need a server
// skip when the matching variable is not set.
const (
	envUnitTestPostgresURL = "RELAY_UT_POSTGRES_URL"
	envUnitTestRedisAddr   = "RELAY_UT_REDIS_ADDR"
	envUnitTestNatsURI     = "RELAY_UT_NATS_URI"
)

// GetUnitTestPostgresURL postgres URL for unit tests, empty if not configured
func GetUnitTestPostgresURL() string {
	return os.Getenv(envUnitTestPostgresURL)
}

// GetUnitTestRedisAddr redis address for unit tests, empty if not configured
func GetUnitTestRedisAddr() string {
	return os.Getenv(envUnitTestRedisAddr)
}

// GetUnitTestNatsURI NATS URI for unit tests, empty if not configured
func GetUnitTestNatsURI() string {
	return os.Getenv(envUnitTestNatsURI)
}
