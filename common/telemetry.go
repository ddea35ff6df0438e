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
	"time"

	"github.com/apex/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// TelemetryShutdown flushes and stops the telemetry exporters
type TelemetryShutdown func(ctxt context.Context) error

// InitTelemetry install the OpenTelemetry meter and tracer providers.
//
// When telemetry is disabled, a no-op tracer is installed, and the global meter provider is
// left as the default no-op implementation.
func InitTelemetry(
	ctxt context.Context, config TelemetryConfig, instance string,
) (TelemetryShutdown, error) {
	logTags := log.Fields{"module": "common", "component": "telemetry", "instance": instance}
	if !config.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		log.WithFields(logTags).Debug("Telemetry export disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctxt, resource.WithAttributes(
		attribute.String("service.name", config.ServiceName),
		attribute.String("service.instance.id", instance),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to define telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctxt, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to define trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.TraceSampleRate)),
		),
		sdktrace.WithBatcher(traceExporter),
	)

	metricExporter, err := otlpmetricgrpc.New(ctxt, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctxt)
		return nil, fmt.Errorf("failed to define metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(time.Second*time.Duration(config.ExportInterval)),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	log.WithFields(logTags).Infof("Exporting telemetry to %s", config.OTLPEndpoint)

	return func(ctxt context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctxt); err != nil {
			errs = append(errs, err)
		}
		if err := mp.Shutdown(ctxt); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
		return nil
	}, nil
}
