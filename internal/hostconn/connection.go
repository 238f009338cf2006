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

// Package hostconn implements the host-side connection façade: a typed
// request API over a single TCP stream, serialised by one request mutex,
// backed by two coupled timed caches.
package hostconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lauriethefish/nandroidfs/internal/agentproto"
	"github.com/lauriethefish/nandroidfs/internal/cache"
	"github.com/lauriethefish/nandroidfs/internal/telemetry"
	"github.com/lauriethefish/nandroidfs/internal/wire"
)

// reservedSentinelSuffix short-circuits lookups of well-known host-OS
// probe files without a network trip.
const reservedSentinelSuffix = "desktop.ini"

// Options configures cache TTLs and buffer sizes. Zero values fall back
// to the reference defaults below.
type Options struct {
	StatTTL        time.Duration // default 200ms
	StatScanPeriod time.Duration // default 5s
	BufferSize     int           // default wire.DefaultBufferSize

	Serial  string             // device serial, attributed on the cache-hit-rate gauge
	Metrics *telemetry.Metrics // optional; nil disables request and cache-hit-rate metrics
}

func (o Options) withDefaults() Options {
	if o.StatTTL == 0 {
		o.StatTTL = 200 * time.Millisecond
	}
	if o.StatScanPeriod == 0 {
		o.StatScanPeriod = 5 * time.Second
	}
	if o.BufferSize == 0 {
		o.BufferSize = wire.DefaultBufferSize
	}
	return o
}

// Connection owns one socket to one agent and the two caches over that
// agent's filesystem. The request mutex is held across the full
// request/response exchange for any single method call; cache shared
// locks are never held across socket I/O.
type Connection struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	mu sync.Mutex // guards conn/r/w and the byte counters below

	statCache *cache.Cache[string, wire.FileStat]
	dirCache  *cache.Cache[string, []string]

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	metrics           *telemetry.Metrics
	unregisterMetrics func()

	closeOnce sync.Once
}

// Dial connects to addr, performs the handshake, and returns a ready
// Connection. Dialing a list of candidate addresses is not supported
// here — callers resolve candidate addresses themselves and call Dial
// once per attempt, taking the first that succeeds.
func Dial(addr string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nandroidfs: dial %s: %w", addr, err)
	}

	c := &Connection{
		conn:      raw,
		statCache: cache.New[string, wire.FileStat](opts.StatTTL, opts.StatScanPeriod),
		dirCache:  cache.New[string, []string](opts.StatTTL, opts.StatScanPeriod),
		metrics:   opts.Metrics,
	}
	counted := &countingConn{conn: raw, read: &c.bytesRead, written: &c.bytesWritten}
	c.r = wire.NewReaderSize(counted, opts.BufferSize)
	c.w = wire.NewWriterSize(counted, opts.BufferSize)

	if err := c.handshake(); err != nil {
		raw.Close()
		return nil, err
	}

	if opts.Metrics != nil {
		c.unregisterMetrics = opts.Metrics.RegisterCacheSource(opts.Serial, func() (statHitRate, listingHitRate float64) {
			stats := c.CacheStats()
			return stats.Stat.HitRate(), stats.Listing.HitRate()
		})
	}

	return c, nil
}

func (c *Connection) handshake() error {
	if err := c.w.WriteU32(agentproto.HandshakeMagic); err != nil {
		return fmt.Errorf("nandroidfs: handshake write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("nandroidfs: handshake flush: %w", err)
	}
	echoed, err := c.r.ReadU32()
	if err != nil {
		return fmt.Errorf("nandroidfs: handshake read: %w", err)
	}
	if echoed != agentproto.HandshakeMagic {
		return fmt.Errorf("nandroidfs: handshake mismatch: got %#x, want %#x", echoed, agentproto.HandshakeMagic)
	}
	return nil
}

// Close severs the socket, causing the agent to observe EOF and exit.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.unregisterMetrics != nil {
			c.unregisterMetrics()
		}
		err = c.conn.Close()
	})
	return err
}

// CacheStats reports the two caches' hit rates, used by
// internal/telemetry and logged at teardown.
type CacheStats struct {
	Stat     cache.Stats
	Listing  cache.Stats
}

func (c *Connection) CacheStats() CacheStats {
	return CacheStats{Stat: c.statCache.Stats(), Listing: c.dirCache.Stats()}
}

// Throughput reports cumulative bytes read/written, the counters the
// optional debug throughput-reporting goroutine samples periodically.
func (c *Connection) Throughput() (read, written int64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// RunThroughputLogger runs until ctx-like stop channel closes, logging
// cumulative bytes and cache hit rates every interval. It is an optional
// debug throughput-reporting goroutine; most callers don't start it.
func (c *Connection) RunThroughputLogger(stop <-chan struct{}, interval time.Duration, log func(string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			read, written := c.Throughput()
			stats := c.CacheStats()
			log(fmt.Sprintf(
				"nandroidfs: read=%dB written=%dB statHitRate=%.2f listingHitRate=%.2f",
				read, written, stats.Stat.HitRate(), stats.Listing.HitRate()))
		}
	}
}

// countingConn wraps a net.Conn to feed Connection's cumulative byte
// counters, read by the optional debug throughput logger.
type countingConn struct {
	conn    net.Conn
	read    *atomic.Int64
	written *atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

// exchange runs fn while holding the request mutex, the system's chosen
// back-pressure mechanism: at most one request is in flight per
// connection and the mutex is held across the full request/response
// exchange.
func (c *Connection) exchange(fn func(r *wire.Reader, w *wire.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.r, c.w)
}

// recordMetric reports op's outcome and latency, when Metrics is
// configured. A *wire.StatusError carries a business-logic status code;
// anything else non-nil is a transport/framing failure.
func (c *Connection) recordMetric(op wire.Op, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := wire.StatusSuccess.String()
	if err != nil {
		var se *wire.StatusError
		if errors.As(err, &se) {
			status = se.Status.String()
		} else {
			status = "IOError"
		}
	}
	c.metrics.RequestCompleted(context.Background(), op.String(), status, time.Since(start))
}
