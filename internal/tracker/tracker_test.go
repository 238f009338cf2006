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

package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lauriethefish/nandroidfs/internal/adb"
	"github.com/lauriethefish/nandroidfs/internal/device"
	"github.com/lauriethefish/nandroidfs/internal/hostconn"
)

// fakeBridge writes a fake device-bridge binary whose "devices"
// subcommand re-reads listFile on every invocation (so a test can change
// the reported device set between polls) and whose every other
// subcommand fails immediately — the tracker tests exercise discovery
// and quarantine bookkeeping, not full bring-up (that is
// internal/device's concern).
func fakeBridge(t *testing.T, listFile string) *adb.Client {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
case "$1" in
  devices)
    echo "List of devices attached"
    cat "` + listFile + `"
    echo ""
    ;;
  *)
    exit 1
    ;;
esac
`
	path := filepath.Join(dir, "fake-adb")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return adb.New(path)
}

func writeDeviceList(t *testing.T, path string, serials ...string) {
	t.Helper()
	var content string
	for _, s := range serials {
		content += s + "\tdevice\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type nopMounter struct{}

func (nopMounter) Mount(*hostconn.Connection, string, string) (string, error) { return "", nil }
func (nopMounter) Unmount() error                                             { return nil }

func TestPollQuarantinesFailedBringUp(t *testing.T) {
	dir := t.TempDir()
	listFile := filepath.Join(dir, "devices.txt")
	writeDeviceList(t, listFile, "ABC123")

	tr := New(fakeBridge(t, listFile), Options{
		BaseHostPort: 30000,
		Mounter:      func() device.Mounter { return nopMounter{} },
		InstanceOptions: device.Options{
			AgentLocalPath: "/local/agent",
			StartupTimeout: 200 * time.Millisecond,
		},
	})

	require.NoError(t, tr.poll(context.Background()))

	assert.Empty(t, tr.Live())
	assert.Equal(t, []string{"ABC123"}, tr.Quarantined())
}

func TestPollTearsDownInstancesNoLongerReported(t *testing.T) {
	dir := t.TempDir()
	listFile := filepath.Join(dir, "devices.txt")
	writeDeviceList(t, listFile)

	bridge := fakeBridge(t, listFile)
	tr := New(bridge, Options{BaseHostPort: 30100})

	fake := device.New("XYZ999", 30100, bridge, func() device.Mounter { return nopMounter{} }, device.Options{})
	tr.mu.Lock()
	tr.live["XYZ999"] = fake
	tr.mu.Unlock()

	require.NoError(t, tr.poll(context.Background()))
	assert.Empty(t, tr.Live())
}

func TestForgetClearsQuarantine(t *testing.T) {
	tr := New(adb.New("unused"), Options{})
	tr.mu.Lock()
	tr.quarantined["ABC123"] = assert.AnError
	tr.mu.Unlock()

	assert.Equal(t, []string{"ABC123"}, tr.Quarantined())
	tr.Forget("ABC123")
	assert.Empty(t, tr.Quarantined())
}

func TestStopWakesRunImmediately(t *testing.T) {
	dir := t.TempDir()
	listFile := filepath.Join(dir, "devices.txt")
	writeDeviceList(t, listFile)

	tr := New(fakeBridge(t, listFile), Options{PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
