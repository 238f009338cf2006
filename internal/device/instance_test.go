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

//go:build unix

package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lauriethefish/nandroidfs/internal/adb"
	"github.com/lauriethefish/nandroidfs/internal/agentproto"
	"github.com/lauriethefish/nandroidfs/internal/hostconn"
	"github.com/lauriethefish/nandroidfs/internal/wire"
)

// fakeBridge writes a tiny shell script standing in for the device-bridge
// binary, so these tests never touch adb or a real device.
func fakeBridge(t *testing.T, script string) *adb.Client {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-adb")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return adb.New(path)
}

// fakeAgentListener stands in for the "forward"-ed device: it answers the
// handshake on port and then idles until the test closes it.
func fakeAgentListener(t *testing.T, port int) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := wire.NewReader(conn)
		w := wire.NewWriter(conn)
		magic, err := r.ReadU32()
		if err != nil || magic != agentproto.HandshakeMagic {
			conn.Close()
			return
		}
		_ = w.WriteU32(agentproto.HandshakeMagic)
		_ = w.Flush()
		<-t.Context().Done()
	}()

	return ln
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type fakeMounter struct {
	mu        sync.Mutex
	conn      *hostconn.Connection
	mounted   bool
	unmounted bool
	failMount bool
}

func (m *fakeMounter) Mount(conn *hostconn.Connection, base, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMount {
		return "", assert.AnError
	}
	m.conn = conn
	m.mounted = true
	return base + ":\\" + label, nil
}

func (m *fakeMounter) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmounted = true
	return nil
}

// agentScript builds a fake-bridge body that succeeds push/chmod/forward
// immediately and runs shellBody only for the "shell <remotePath>"
// invocation that stands in for the agent process itself (as opposed to
// the "shell chmod +x <remotePath>" invocation, which always succeeds).
func agentScript(shellBody string) string {
	return `
case "$3" in
  push) exit 0 ;;
  forward) exit 0 ;;
  shell)
    if [ "$4" = "chmod" ]; then
      exit 0
    fi
` + shellBody + `
    ;;
esac
`
}

func TestBeginBringsUpAndMounts(t *testing.T) {
	port := freePort(t)
	ln := fakeAgentListener(t, port)
	defer ln.Close()

	bridge := fakeBridge(t, agentScript(`
    echo "nandroid-daemon: ready"
    sleep 0.3
`))

	mounter := &fakeMounter{}
	inst := New("ABC123", port, bridge, func() Mounter { return mounter }, Options{
		AgentLocalPath: "/local/agent",
		StartupTimeout: 2 * time.Second,
	})

	require.NoError(t, inst.Begin(context.Background()))

	state, _ := inst.State()
	assert.Equal(t, StateReady, state)
	assert.True(t, mounter.mounted)
	assert.Equal(t, "D:\\ABC123", inst.MountPoint())

	require.NoError(t, inst.Teardown(context.Background()))
	assert.True(t, mounter.unmounted)

	state, _ = inst.State()
	assert.Equal(t, StateExited, state)
}

func TestBeginFailsOnAgentExitBeforeReady(t *testing.T) {
	bridge := fakeBridge(t, agentScript(`
    exit 1
`))

	inst := New("ABC123", freePort(t), bridge, func() Mounter { return &fakeMounter{} }, Options{
		AgentLocalPath: "/local/agent",
		StartupTimeout: 2 * time.Second,
	})

	err := inst.Begin(context.Background())
	require.Error(t, err)

	state, reason := inst.State()
	assert.Equal(t, StateExited, state)
	assert.Error(t, reason)
}

func TestBeginTimesOutWhenReadyMarkerNeverArrives(t *testing.T) {
	bridge := fakeBridge(t, agentScript(`
    sleep 5
`))

	inst := New("ABC123", freePort(t), bridge, func() Mounter { return &fakeMounter{} }, Options{
		AgentLocalPath: "/local/agent",
		StartupTimeout: 100 * time.Millisecond,
	})

	err := inst.Begin(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
}

func TestBeginFailsWhenMountFails(t *testing.T) {
	port := freePort(t)
	ln := fakeAgentListener(t, port)
	defer ln.Close()

	bridge := fakeBridge(t, agentScript(`
    echo "nandroid-daemon: ready"
    sleep 0.3
`))

	mounter := &fakeMounter{failMount: true}
	inst := New("ABC123", port, bridge, func() Mounter { return mounter }, Options{
		AgentLocalPath: "/local/agent",
		StartupTimeout: 2 * time.Second,
	})

	err := inst.Begin(context.Background())
	require.Error(t, err)

	state, _ := inst.State()
	assert.Equal(t, StateExited, state)
}
