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

// Package cmd implements the relay subcommands.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/is-akash/socket-chat-example/apis"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/is-akash/socket-chat-example/dataplane"
	"github.com/is-akash/socket-chat-example/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRelayServer run the relay server until the runtime context is cancelled
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}
	if config.Relay == nil {
		return fmt.Errorf("relay server can't start without its configurations")
	}
	relayConfig := config.Relay

	telemetryShutdown, err := common.InitTelemetry(runTimeContext, config.Telemetry, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start telemetry")
		return err
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := telemetryShutdown(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Telemetry shutdown failed")
		}
	}()
	metrics, err := common.GetRelayMetrics()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	store, err := storage.DefineLogStore(runTimeContext, config.Storage, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s log store", config.Storage.Backend,
		)
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.WithError(err).WithFields(logTags).Error("Log store close failed")
		}
	}()

	hub, err := dataplane.GetHub(runTimeContext, store, relayConfig.Hub, metrics, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub")
		return err
	}
	defer func() {
		if err := hub.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Hub stop failed")
		}
	}()
	replay, err := dataplane.GetReplayEngine(
		hub, store, relayConfig.Session.TrustTransportRecovery, metrics, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define replay engine")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestRelayDataplaneHandler(
		localCtxt, hub, replay, store, relayConfig,
		config.Storage.OperationTimeoutDuration(), wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	_ = httpHandler.DefineRoutes(router, relayConfig.Endpoints.PathPrefix)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := relayConfig.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
