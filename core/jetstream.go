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

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSConnectParamsFromConfig convert the NATS config section into connection parameters
func NATSConnectParamsFromConfig(config common.NATSConfig) NATSConnectParams {
	logTags := log.Fields{"module": "core", "component": "nats", "instance": config.ServerURI}
	return NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error("NATS client disconnected")
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warn("NATS client reconnected")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS client closed connection")
		},
	}
}

// LogStreamParam describes the JetStream stream and KV bucket backing the relay log
type LogStreamParam struct {
	// Stream name of the stream holding the records
	Stream string `validate:"required"`
	// Subject the records are published on
	Subject string `validate:"required"`
	// TokenBucket name of the KV bucket mapping dedup tokens to offsets
	TokenBucket string `validate:"required"`
	// Replicas replication factor of both
	Replicas int `validate:"gte=1"`
}

// NatsClient NATS client used as the JetStream log store core
type NatsClient struct {
	common.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close close a JetStream client
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// JetStream fetch the JetStream client
func (c *NatsClient) JetStream() nats.JetStreamContext {
	return c.js
}

// EnsureLogStream fetch the log stream and token bucket, defining either one if missing.
//
// The stream keeps every record forever, and a record's stream sequence is its offset.
func (c *NatsClient) EnsureLogStream(param LogStreamParam) (nats.KeyValue, error) {
	info, err := c.js.StreamInfo(param.Stream)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to get stream %s info", param.Stream,
			)
			return nil, err
		}
		info, err = c.js.AddStream(&nats.StreamConfig{
			Name:      param.Stream,
			Subjects:  []string{param.Subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  param.Replicas,
			Discard:   nats.DiscardNew,
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to define stream %s", param.Stream,
			)
			return nil, err
		}
		log.WithFields(c.LogTags).Infof("Defined new stream %s", param.Stream)
	}
	if !subjectListed(info.Config.Subjects, param.Subject) {
		return nil, fmt.Errorf(
			"stream %s does not collect subject %s", param.Stream, param.Subject,
		)
	}

	kv, err := c.js.KeyValue(param.TokenBucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to get bucket %s", param.TokenBucket,
			)
			return nil, err
		}
		kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   param.TokenBucket,
			History:  1,
			Storage:  nats.FileStorage,
			Replicas: param.Replicas,
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to define bucket %s", param.TokenBucket,
			)
			return nil, err
		}
		log.WithFields(c.LogTags).Infof("Defined new bucket %s", param.TokenBucket)
	}
	return kv, nil
}

func subjectListed(subjects []string, target string) bool {
	for _, subject := range subjects {
		if subject == target {
			return true
		}
	}
	return false
}

// GetJetStream define a new NATS JetStream core
func GetJetStream(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "jetstream-backend",
		"instance":  param.ServerURI,
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}

	// Define the JetStream client
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
		nc.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created JetStream client")

	return &NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, nil
}
