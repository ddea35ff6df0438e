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

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/client"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/protocol"
)

// defineTransport build the producer transport selected by the config
func defineTransport(
	config *common.ProducerConfig, codec protocol.Codec, instance string,
) (client.Transport, func() error, error) {
	switch config.Transport {
	case "websocket":
		producer, err := client.GetWebSocketProducer(client.WebSocketProducerParam{
			RelayURL:         config.RelayURL,
			Codec:            codec,
			RequestIDHeader:  config.RequestIDHeader,
			HandshakeTimeout: time.Millisecond * time.Duration(config.AckTimeout),
		}, instance)
		if err != nil {
			return nil, nil, err
		}
		return producer, producer.Close, nil
	case "http":
		producer, err := client.GetHTTPProducer(config.RelayURL, config.RequestIDHeader, nil, instance)
		if err != nil {
			return nil, nil, err
		}
		return producer, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown producer transport %s", config.Transport)
	}
}

// RunProducer send each line read from input to the relay, and write the ack of each to
// output. Stops at the end of input, or on the first failed send.
func RunProducer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	input io.Reader,
	output io.Writer,
) error {
	logTags := log.Fields{"module": "cmd", "component": "producer", "instance": instance}
	if config.Producer == nil {
		return fmt.Errorf("producer can't start without its configurations")
	}
	producerConfig := config.Producer

	codec, err := protocol.CodecByName(producerConfig.Codec)
	if err != nil {
		return err
	}
	metrics, err := common.GetRelayMetrics()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}
	transport, closeTransport, err := defineTransport(producerConfig, codec, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport")
		return err
	}
	defer func() {
		if err := closeTransport(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Transport close failed")
		}
	}()
	coordinator, err := client.GetCoordinator(transport, client.CoordinatorParam{
		ProducerID: producerConfig.ProducerID,
		AckTimeout: time.Millisecond * time.Duration(producerConfig.AckTimeout),
		MaxRetries: producerConfig.MaxRetries,
	}, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define coordinator")
		return err
	}

	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		token := coordinator.NextToken()
		ack, err := coordinator.SendWithToken(runTimeContext, token, line)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to send %s", token)
			return err
		}
		if _, err := fmt.Fprintf(output, "%d\t%s\t%v\n", ack.Offset, token, ack.IsNew); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// RunTail print every message after the start offset, following new messages until the
// runtime context is cancelled
func RunTail(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	startAfter uint64,
	output io.Writer,
) error {
	logTags := log.Fields{"module": "cmd", "component": "tail", "instance": instance}
	if config.Producer == nil {
		return fmt.Errorf("tail can't start without the producer configurations")
	}
	producerConfig := config.Producer

	codec, err := protocol.CodecByName(producerConfig.Codec)
	if err != nil {
		return err
	}
	subscriber, err := client.GetSubscriber(client.SubscriberParam{
		RelayURL:        producerConfig.RelayURL,
		Codec:           codec,
		StartAfter:      startAfter,
		ReconnectWait:   time.Millisecond * time.Duration(producerConfig.ReconnectWait),
		RequestIDHeader: producerConfig.RequestIDHeader,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return err
	}
	return subscriber.Run(runTimeContext, func(_ context.Context, offset uint64, content string) error {
		_, err := fmt.Fprintf(output, "%d\t%s\n", offset, content)
		return err
	})
}
