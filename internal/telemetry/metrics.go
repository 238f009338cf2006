// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires the request counter, request-latency histogram,
// and live-device/cache-hit-rate observable gauges onto an OpenTelemetry
// meter exported for Prometheus scraping.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	// OpKey annotates a request metric with the opcode name.
	OpKey = "op"
	// StatusKey annotates a request metric with the response status name.
	StatusKey = "status"
	// SerialKey annotates a per-device metric with the device serial.
	SerialKey = "serial"
	// CacheKey annotates the cache-hit-rate gauge with which cache
	// ("stat" or "listing") a reading belongs to.
	CacheKey = "cache"
)

var requestMeter = otel.Meter("nandroidfs/request")
var deviceMeter = otel.Meter("nandroidfs/device")

var opStatusAttributeSet sync.Map

func attributeSetFor(op, status string) metric.MeasurementOption {
	key := op + "\x00" + status
	if v, ok := opStatusAttributeSet.Load(key); ok {
		return v.(metric.MeasurementOption)
	}
	set := metric.WithAttributeSet(attribute.NewSet(attribute.String(OpKey, op), attribute.String(StatusKey, status)))
	v, _ := opStatusAttributeSet.LoadOrStore(key, set)
	return v.(metric.MeasurementOption)
}

// Metrics is the handle every component above the wire codec records
// through; construct one with NewMeterProvider then New.
type Metrics struct {
	requestCount   metric.Int64Counter
	requestLatency metric.Float64Histogram

	liveDevices atomic.Int64

	cacheSources sync.Map // int64 id -> cacheSource
	nextSourceID atomic.Int64
}

// cacheSource is one connection's cache-hit-rate reading, sampled by the
// cache-hit-rate gauge's callback.
type cacheSource struct {
	serial string
	fn     func() (statHitRate, listingHitRate float64)
}

// New registers the request counter, latency histogram, and observable
// gauges on the default global meter provider. Call after NewMeterProvider
// has installed the exporter-backed provider.
func New() (*Metrics, error) {
	requestCount, err1 := requestMeter.Int64Counter("nandroidfs/request_count",
		metric.WithDescription("Number of protocol requests processed, by opcode and response status."))
	requestLatency, err2 := requestMeter.Float64Histogram("nandroidfs/request_latency",
		metric.WithDescription("Distribution of protocol request round-trip latency."),
		metric.WithUnit("ms"))

	m := &Metrics{requestCount: requestCount, requestLatency: requestLatency}

	_, err3 := deviceMeter.Int64ObservableGauge("nandroidfs/live_devices",
		metric.WithDescription("Number of device instances currently mounted."),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(m.liveDevices.Load())
			return nil
		}))

	_, err4 := deviceMeter.Float64ObservableGauge("nandroidfs/cache_hit_rate",
		metric.WithDescription("Stat/listing cache hit rate, by device serial and cache."),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.cacheSources.Range(func(_, v any) bool {
				src := v.(cacheSource)
				statRate, listingRate := src.fn()
				obs.Observe(statRate, metric.WithAttributeSet(attribute.NewSet(
					attribute.String(SerialKey, src.serial), attribute.String(CacheKey, "stat"))))
				obs.Observe(listingRate, metric.WithAttributeSet(attribute.NewSet(
					attribute.String(SerialKey, src.serial), attribute.String(CacheKey, "listing"))))
				return true
			})
			return nil
		}))

	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterCacheSource adds fn as an observed source for the cache-hit-rate
// gauge, attributed by serial. internal/hostconn calls this once per
// dialed connection. The returned func removes the source; callers call
// it on connection close so a torn-down connection's last reading doesn't
// linger.
func (m *Metrics) RegisterCacheSource(serial string, fn func() (statHitRate, listingHitRate float64)) func() {
	id := m.nextSourceID.Add(1)
	m.cacheSources.Store(id, cacheSource{serial: serial, fn: fn})
	return func() { m.cacheSources.Delete(id) }
}

// RequestCompleted records one request's opcode, response status and
// latency (internal/hostconn calls this around every exchange).
func (m *Metrics) RequestCompleted(ctx context.Context, op, status string, latency time.Duration) {
	opt := attributeSetFor(op, status)
	m.requestCount.Add(ctx, 1, opt)
	m.requestLatency.Record(ctx, float64(latency.Microseconds())/1000, opt)
}

// SetLiveDevices updates the observable gauge's current value
// (internal/tracker calls this after every discovery pass).
func (m *Metrics) SetLiveDevices(n int) {
	m.liveDevices.Store(int64(n))
}

// NewMeterProvider builds a Prometheus-backed MeterProvider and installs it
// as the otel global provider, using a package-level otel.Meter. The caller is
// responsible for serving Handler() on whatever address internal/config
// names.
func NewMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}

// Handler returns the http.Handler that serves the Prometheus text
// exposition format, for the caller to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
