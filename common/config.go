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
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Storage Related Config

// BadgerStoreConfig defines parameters for the badger log store
type BadgerStoreConfig struct {
	// Dir is the directory holding the badger database
	Dir string `mapstructure:"dir" json:"dir"`
	// InMemory run badger without touching disk
	InMemory bool `mapstructure:"in_memory" json:"in_memory"`
}

// PebbleStoreConfig defines parameters for the pebble log store
type PebbleStoreConfig struct {
	// Dir is the directory holding the pebble database
	Dir string `mapstructure:"dir" json:"dir"`
}

// PostgresStoreConfig defines parameters for the postgres log store
type PostgresStoreConfig struct {
	// URL is the postgres connection URL
	URL string `mapstructure:"url" json:"-"`
	// MaxConns is the max number of pooled connections
	MaxConns int32 `mapstructure:"max_conns" json:"max_conns" validate:"gte=1"`
}

// RedisStoreConfig defines parameters for the redis log store
type RedisStoreConfig struct {
	// Addr is the redis server address
	Addr string `mapstructure:"addr" json:"addr"`
	// Password is the redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the redis database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to every key the store writes
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
}

// JetStreamStoreConfig defines parameters for the NATS JetStream log store
type JetStreamStoreConfig struct {
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Stream is the name of the stream holding the records
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// Subject is the subject records are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// TokenBucket is the KV bucket mapping dedup tokens to offsets
	TokenBucket string `mapstructure:"token_bucket" json:"token_bucket" validate:"required"`
	// Replicas is the stream replication factor
	Replicas int `mapstructure:"replicas" json:"replicas" validate:"gte=1"`
}

// CircuitBreakerConfig defines the store guard parameters
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive store failures which opens the breaker
	FailureThreshold uint32 `mapstructure:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	// OpenTimeout is how long the breaker stays open before probing in seconds
	OpenTimeout int `mapstructure:"open_timeout_sec" json:"open_timeout_sec" validate:"gte=1"`
	// HalfOpenMaxRequests is the number of probe requests allowed while half-open
	HalfOpenMaxRequests uint32 `mapstructure:"half_open_max_requests" json:"half_open_max_requests" validate:"gte=1"`
}

// StorageConfig defines the durable log store parameters
type StorageConfig struct {
	// Backend selects the log store implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=badger pebble postgres redis jetstream"`
	// OperationTimeout is the max duration of a single store operation in milliseconds
	OperationTimeout int `mapstructure:"operation_timeout_ms" json:"operation_timeout_ms" validate:"gte=1"`
	// ReadPageSize is the number of records fetched per page when reading the log
	ReadPageSize int `mapstructure:"read_page_size" json:"read_page_size" validate:"gte=1"`
	// Badger badger store parameters
	Badger BadgerStoreConfig `mapstructure:"badger" json:"badger" validate:"required"`
	// Pebble pebble store parameters
	Pebble PebbleStoreConfig `mapstructure:"pebble" json:"pebble" validate:"required"`
	// Postgres postgres store parameters
	Postgres PostgresStoreConfig `mapstructure:"postgres" json:"postgres" validate:"required"`
	// Redis redis store parameters
	Redis RedisStoreConfig `mapstructure:"redis" json:"redis" validate:"required"`
	// JetStream NATS JetStream store parameters
	JetStream JetStreamStoreConfig `mapstructure:"jetstream" json:"jetstream" validate:"required"`
	// CircuitBreaker store guard parameters
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" json:"circuit_breaker" validate:"required"`
}

// OperationTimeoutDuration helper function to convert the operation timeout
func (c StorageConfig) OperationTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.OperationTimeout)
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero value means there will be no timeout.
	// The streaming endpoints need this to be zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SessionConfig defines per connection session parameters
type SessionConfig struct {
	// QueueLength is the size of each session's outbound delivery queue
	QueueLength int `mapstructure:"queue_length" json:"queue_length" validate:"gte=1"`
	// HoldBufferLength is the max number of live records held while a session replays
	HoldBufferLength int `mapstructure:"hold_buffer_length" json:"hold_buffer_length" validate:"gte=1"`
	// TrustTransportRecovery skip replay when the transport reports it recovered the session
	TrustTransportRecovery bool `mapstructure:"trust_transport_recovery" json:"trust_transport_recovery"`
	// PingInterval is the websocket keepalive interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// WriteTimeout is the websocket frame write deadline in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// RateLimitConfig defines per connection publish rate limiting
type RateLimitConfig struct {
	// PublishPerSec is the sustained publish rate allowed per connection
	PublishPerSec float64 `mapstructure:"publish_per_sec" json:"publish_per_sec" validate:"gt=0"`
	// Burst is the publish burst allowed per connection
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
}

// HubConfig defines the broadcast hub parameters
type HubConfig struct {
	// TaskBuffer is the size of the hub's event loop task queue
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=0"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// Session per connection session parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required"`
	// RateLimit per connection publish rate limit
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required"`
	// Hub broadcast hub parameters
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required"`
}

// ===============================================================================
// Producer Related Config

// ProducerConfig defines the relay client parameters
type ProducerConfig struct {
	// RelayURL is the base URL of the relay server
	RelayURL string `mapstructure:"relay_url" json:"relay_url" validate:"required,url"`
	// Transport selects how messages are sent to the relay
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=websocket http"`
	// Codec selects the websocket frame encoding
	Codec string `mapstructure:"codec" json:"codec" validate:"required,oneof=json msgpack"`
	// ProducerID is the prefix of generated dedup tokens. Each run adds its own run ID.
	ProducerID string `mapstructure:"producer_id" json:"producer_id"`
	// AckTimeout is the max duration to wait for an acknowledgement in milliseconds
	AckTimeout int `mapstructure:"ack_timeout_ms" json:"ack_timeout_ms" validate:"gte=1"`
	// MaxRetries is the number of resends after the first attempt
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" validate:"gte=0"`
	// ReconnectWait is the delay before a subscriber reconnects in milliseconds
	ReconnectWait int `mapstructure:"reconnect_wait_ms" json:"reconnect_wait_ms" validate:"gte=1"`
	// RequestIDHeader is the HTTP header carrying the request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
}

// ===============================================================================
// Telemetry Related Config

// TelemetryConfig defines the OpenTelemetry export parameters
type TelemetryConfig struct {
	// Enabled whether to export metrics and traces
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServiceName is the reported service name
	ServiceName string `mapstructure:"service_name" json:"service_name" validate:"required"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint" validate:"required"`
	// Insecure disable TLS towards the collector
	Insecure bool `mapstructure:"insecure" json:"insecure"`
	// ExportInterval is the metric export period in seconds
	ExportInterval int `mapstructure:"export_interval_sec" json:"export_interval_sec" validate:"gte=1"`
	// TraceSampleRate is the fraction of traces sampled
	TraceSampleRate float64 `mapstructure:"trace_sample_rate" json:"trace_sample_rate" validate:"gte=0,lte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the relay server and its clients
type SystemConfig struct {
	// Storage are the log store config parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required"`
	// Relay are the relay API server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty"`
	// Producer are the relay client configs
	Producer *ProducerConfig `mapstructure:"producer,omitempty" json:"producer,omitempty" validate:"omitempty"`
	// Telemetry are the OpenTelemetry configs
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default storage settings
	viper.SetDefault("storage.backend", "badger")
	viper.SetDefault("storage.operation_timeout_ms", 5000)
	viper.SetDefault("storage.read_page_size", 256)
	viper.SetDefault("storage.badger.dir", "/tmp/relay/badger")
	viper.SetDefault("storage.badger.in_memory", false)
	viper.SetDefault("storage.pebble.dir", "/tmp/relay/pebble")
	viper.SetDefault("storage.postgres.url", "postgres://postgres@127.0.0.1:5432/relay?sslmode=disable")
	viper.SetDefault("storage.postgres.max_conns", 4)
	viper.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.key_prefix", "relay")
	viper.SetDefault("storage.jetstream.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("storage.jetstream.nats.connect_timeout_sec", 30)
	viper.SetDefault("storage.jetstream.nats.reconnect.max_attempts", -1)
	viper.SetDefault("storage.jetstream.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("storage.jetstream.stream", "relay-log")
	viper.SetDefault("storage.jetstream.subject", "relay.log")
	viper.SetDefault("storage.jetstream.token_bucket", "relay-tokens")
	viper.SetDefault("storage.jetstream.replicas", 1)
	viper.SetDefault("storage.circuit_breaker.failure_threshold", 5)
	viper.SetDefault("storage.circuit_breaker.open_timeout_sec", 10)
	viper.SetDefault("storage.circuit_breaker.half_open_max_requests", 1)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("relay.api_server.logging_config.request_id_header", "Relay-Request-ID")
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("relay.session.queue_length", 256)
	viper.SetDefault("relay.session.hold_buffer_length", 1024)
	viper.SetDefault("relay.session.trust_transport_recovery", false)
	viper.SetDefault("relay.session.ping_interval_sec", 25)
	viper.SetDefault("relay.session.write_timeout_sec", 10)
	viper.SetDefault("relay.rate_limit.publish_per_sec", 50.0)
	viper.SetDefault("relay.rate_limit.burst", 100)
	viper.SetDefault("relay.hub.task_buffer", 64)

	// Default producer settings
	viper.SetDefault("producer.relay_url", "http://127.0.0.1:3000")
	viper.SetDefault("producer.transport", "websocket")
	viper.SetDefault("producer.codec", "json")
	viper.SetDefault("producer.producer_id", "")
	viper.SetDefault("producer.ack_timeout_ms", 5000)
	viper.SetDefault("producer.max_retries", 3)
	viper.SetDefault("producer.reconnect_wait_ms", 1000)
	viper.SetDefault("producer.request_id_header", "Relay-Request-ID")

	// Default telemetry settings
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "relay")
	viper.SetDefault("telemetry.otlp_endpoint", "127.0.0.1:4317")
	viper.SetDefault("telemetry.insecure", true)
	viper.SetDefault("telemetry.export_interval_sec", 15)
	viper.SetDefault("telemetry.trace_sample_rate", 1.0)
}
