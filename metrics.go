/*
 *
 * Copyright 2025 the meshproxy authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package loadreporter

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// instrumentationScope identifies this module as the source of the metrics.
const instrumentationScope = "github.com/meshproxy/loadreporter"

// reporterMetrics holds the operational counters of the report stream. They
// are for external monitoring only and are not part of the wire protocol.
type reporterMetrics struct {
	// requests counts load reports sent to the server.
	requests metric.Int64Counter
	// responses counts subscription updates received from the server.
	responses metric.Int64Counter
	// errors counts stream failures (connect, send and receive).
	errors metric.Int64Counter
}

func newReporterMetrics(mp metric.MeterProvider) *reporterMetrics {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationScope)
	return &reporterMetrics{
		requests:  createInt64Counter(meter, "load_reporter.requests", metric.WithUnit("{report}"), metric.WithDescription("Number of load reports sent to the LRS server.")),
		responses: createInt64Counter(meter, "load_reporter.responses", metric.WithUnit("{response}"), metric.WithDescription("Number of responses received from the LRS server.")),
		errors:    createInt64Counter(meter, "load_reporter.errors", metric.WithUnit("{error}"), metric.WithDescription("Number of LRS stream failures.")),
	}
}

// createInt64Counter creates the named counter on the given meter, falling
// back to a no-op counter so that a metrics misconfiguration never disables
// load reporting itself.
func createInt64Counter(meter metric.Meter, name string, options ...metric.Int64CounterOption) metric.Int64Counter {
	ret, err := meter.Int64Counter(name, options...)
	if err != nil {
		logger.Errorf("lrs: failed to register metric %q, will not record: %v", name, err)
		return noop.Int64Counter{}
	}
	return ret
}
