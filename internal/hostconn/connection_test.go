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

package hostconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lauriethefish/nandroidfs/internal/agentproto"
	"github.com/lauriethefish/nandroidfs/internal/cache"
	"github.com/lauriethefish/nandroidfs/internal/wire"
)

func newTestConnection() *Connection {
	return &Connection{
		statCache: cache.New[string, wire.FileStat](time.Hour, time.Hour),
		dirCache:  cache.New[string, []string](time.Hour, time.Hour),
	}
}

// newDeadConnection is newTestConnection backed by a pipe whose far end is
// already closed: a request method runs its cache invalidation and then
// fails on its first flush.
func newDeadConnection(t *testing.T) *Connection {
	t.Helper()
	c := newTestConnection()
	client, server := net.Pipe()
	server.Close()
	t.Cleanup(func() { client.Close() })
	c.conn = client
	c.r = wire.NewReader(client)
	c.w = wire.NewWriter(client)
	return c
}

// TestCacheInvalidationOnMutation pins the cache-coherence property: a
// stat cached before a mutating call must not be visible after the call
// invalidates it, even though the TTL (one hour here) has not elapsed.
func TestCacheInvalidationOnMutation(t *testing.T) {
	c := newTestConnection()

	c.statCache.Set("/sdcard/f", wire.FileStat{Size: 1})
	stat, ok := c.statCache.Get("/sdcard/f")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stat.Size)

	c.invalidatePathAndParent("/sdcard/f")

	_, ok = c.statCache.Get("/sdcard/f")
	assert.False(t, ok, "stat entry must be gone immediately after invalidation, TTL notwithstanding")
}

// TestMoveEntryInvalidatesBothEndpoints pins MoveEntry's coherence
// property: both endpoints' stat entries and both parents' listings must
// be gone after a move.
func TestMoveEntryInvalidatesBothEndpoints(t *testing.T) {
	c := newDeadConnection(t)

	c.statCache.Set("/sdcard/a/from", wire.FileStat{Size: 1})
	c.statCache.Set("/sdcard/b/to", wire.FileStat{Size: 2})
	c.dirCache.Set("/sdcard/a", []string{"from"})
	c.dirCache.Set("/sdcard/b", []string{"to"})

	require.Error(t, c.MoveEntry("/sdcard/a/from", "/sdcard/b/to", false))

	_, ok := c.statCache.Get("/sdcard/a/from")
	assert.False(t, ok)
	_, ok = c.statCache.Get("/sdcard/b/to")
	assert.False(t, ok)
	_, ok = c.dirCache.Get("/sdcard/a")
	assert.False(t, ok)
	_, ok = c.dirCache.Get("/sdcard/b")
	assert.False(t, ok)
}

// TestSetFileTimeInvalidatesStatOnly pins SetFileTime's narrower
// invalidation rule: only the entry's own stat is evicted, the parent
// listing is left untouched.
func TestSetFileTimeInvalidatesStatOnly(t *testing.T) {
	c := newDeadConnection(t)

	c.dirCache.Set("/sdcard", []string{"f"})
	c.statCache.Set("/sdcard/f", wire.FileStat{Size: 1})

	require.Error(t, c.SetFileTime("/sdcard/f", -1, 1700000000))

	_, ok := c.statCache.Get("/sdcard/f")
	assert.False(t, ok)
	_, ok = c.dirCache.Get("/sdcard")
	assert.True(t, ok, "SetFileTime must not touch the parent listing cache")
}

// TestOpenHandleCreationInvalidatesParentListing pins the rule that only
// a creating OpenHandle call touches the parent listing.
func TestOpenHandleCreationInvalidatesParentListing(t *testing.T) {
	c := newDeadConnection(t)
	c.dirCache.Set("/sdcard", []string{"existing"})
	c.statCache.Set("/sdcard/new", wire.FileStat{Size: 9})

	_, err := c.OpenHandle("/sdcard/new", wire.OpenFlags{Read: true, Mode: wire.CreateIfNotExist})
	require.Error(t, err)

	_, ok := c.dirCache.Get("/sdcard")
	assert.False(t, ok)
	_, ok = c.statCache.Get("/sdcard/new")
	assert.False(t, ok)
}

func TestParentOfRoot(t *testing.T) {
	assert.Equal(t, "/", parentOf("/sdcard"))
	assert.Equal(t, "/sdcard", parentOf("/sdcard/sub"))
}

func TestJoinRoot(t *testing.T) {
	assert.Equal(t, "/sdcard", join("/", "sdcard"))
	assert.Equal(t, "/sdcard/sub", join("/sdcard", "sub"))
}

// TestHandshakeRoundTrip exercises Connection.handshake over a net.Pipe,
// a back-to-back in-process pipe standing in for the real socket.
func TestHandshakeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		r := wire.NewReader(server)
		w := wire.NewWriter(server)
		magic, err := r.ReadU32()
		if err != nil {
			done <- err
			return
		}
		if magic != agentproto.HandshakeMagic {
			done <- nil
			return
		}
		if err := w.WriteU32(agentproto.HandshakeMagic); err != nil {
			done <- err
			return
		}
		done <- w.Flush()
	}()

	c := &Connection{conn: client}
	c.r = wire.NewReader(client)
	c.w = wire.NewWriter(client)

	require.NoError(t, c.handshake())
	require.NoError(t, <-done)
}

// TestHandshakeMismatch exercises the failure path: an agent that echoes
// the wrong magic must produce a handshake error.
func TestHandshakeMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := wire.NewReader(server)
		w := wire.NewWriter(server)
		if _, err := r.ReadU32(); err != nil {
			return
		}
		_ = w.WriteU32(0)
		_ = w.Flush()
	}()

	c := &Connection{conn: client}
	c.r = wire.NewReader(client)
	c.w = wire.NewWriter(client)

	assert.Error(t, c.handshake())
}

func TestThroughputLoggerStopsOnSignal(t *testing.T) {
	c := newTestConnection()
	stop := make(chan struct{})
	logged := make(chan string, 8)

	go c.RunThroughputLogger(stop, 5*time.Millisecond, func(s string) {
		select {
		case logged <- s:
		default:
		}
	})

	select {
	case <-logged:
	case <-time.After(time.Second):
		t.Fatal("throughput logger never logged")
	}
	close(stop)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := &Connection{conn: client}

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
