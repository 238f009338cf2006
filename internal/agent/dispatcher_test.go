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

package agent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lauriethefish/nandroidfs/internal/wire"
)

// fakeFileSystem is an in-memory FileSystem double used to drive the
// dispatcher end to end without a real device filesystem.
type fakeFileSystem struct {
	stats map[string]wire.FileStat
	dirs  map[string][]string
}

func newFakeFileSystem() *fakeFileSystem {
	return &fakeFileSystem{stats: map[string]wire.FileStat{}, dirs: map[string][]string{}}
}

func (f *fakeFileSystem) Stat(path string) (wire.FileStat, wire.Status) {
	s, ok := f.stats[path]
	if !ok {
		return wire.FileStat{}, wire.StatusFileNotFound
	}
	return s, wire.StatusSuccess
}

func (f *fakeFileSystem) ListDirectory(path string) ([]string, wire.Status) {
	names, ok := f.dirs[path]
	if !ok {
		return nil, wire.StatusFileNotFound
	}
	return names, wire.StatusSuccess
}

func (f *fakeFileSystem) CreateDirectory(path string) wire.Status              { return wire.StatusSuccess }
func (f *fakeFileSystem) CheckRemoveFile(path string) wire.Status              { return wire.StatusSuccess }
func (f *fakeFileSystem) CheckRemoveDirectory(path string) wire.Status         { return wire.StatusSuccess }
func (f *fakeFileSystem) RemoveFile(path string) wire.Status                   { return wire.StatusSuccess }
func (f *fakeFileSystem) RemoveDirectory(path string) wire.Status              { return wire.StatusSuccess }

func (f *fakeFileSystem) MoveEntry(from, to string, overwrite bool) wire.Status {
	if !overwrite {
		if _, ok := f.stats[to]; ok {
			return wire.StatusFileExists
		}
	}
	return wire.StatusSuccess
}

func (f *fakeFileSystem) OpenHandle(path string, flags wire.OpenFlags) (wire.FileHandle, wire.Status) {
	if flags.Mode == wire.CreateAlways {
		if _, ok := f.stats[path]; ok {
			return 0, wire.StatusFileExists
		}
	}
	return 42, wire.StatusSuccess
}

func (f *fakeFileSystem) CloseHandle(handle wire.FileHandle) {}

func (f *fakeFileSystem) ReadHandle(handle wire.FileHandle, offset int64, length int) ([]byte, wire.Status) {
	return nil, wire.StatusSuccess
}

func (f *fakeFileSystem) WriteHandle(handle wire.FileHandle, offset int64, data []byte) wire.Status {
	return wire.StatusSuccess
}

func (f *fakeFileSystem) TruncateHandle(handle wire.FileHandle, length int64) wire.Status {
	return wire.StatusSuccess
}

func (f *fakeFileSystem) SetFileTime(path string, atime, mtime int64) wire.Status {
	return wire.StatusSuccess
}

func (f *fakeFileSystem) GetDiskStats() (wire.DiskStats, wire.Status) {
	return wire.DiskStats{FreeBytes: 1, AvailableBytes: 2, TotalBytes: 3}, wire.StatusSuccess
}

func serveOnPipe(t *testing.T, fs FileSystem) (*wire.Reader, *wire.Writer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	d := New(server, fs, wire.DefaultBufferSize)
	go func() {
		_ = d.Handshake()
		_ = d.Serve()
	}()

	cw := wire.NewWriter(client)
	require.NoError(t, cw.WriteU32(0xFAFE5ABE))
	require.NoError(t, cw.Flush())
	cr := wire.NewReader(client)
	echoed, err := cr.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xFAFE5ABE), echoed)

	return cr, cw
}

// TestListDirectoryStream streams two entries, "a" (size 1) and "b"
// (size 2), under "/sdcard".
func TestListDirectoryStream(t *testing.T) {
	fs := newFakeFileSystem()
	fs.dirs["/sdcard"] = []string{"a", "b"}
	fs.stats["/sdcard/a"] = wire.FileStat{Size: 1}
	fs.stats["/sdcard/b"] = wire.FileStat{Size: 2}

	cr, cw := serveOnPipe(t, fs)

	require.NoError(t, cw.WriteOp(wire.OpListDirectory))
	require.NoError(t, cw.WriteString("/sdcard"))
	require.NoError(t, cw.Flush())

	outer, err := cr.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, outer)

	for _, want := range []struct {
		name string
		size uint64
	}{{"a", 1}, {"b", 2}} {
		status, err := cr.ReadStatus()
		require.NoError(t, err)
		require.Equal(t, wire.StatusSuccess, status)

		name, err := cr.ReadString()
		require.NoError(t, err)
		assert.Equal(t, want.name, name)

		stat, err := cr.ReadFileStat()
		require.NoError(t, err)
		assert.Equal(t, want.size, stat.Size)
	}

	terminator, err := cr.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, wire.StatusNoMoreEntries, terminator)
}

// TestOpenCreateAlwaysCollision opens an existing path with CreateAlways,
// which must fail with a collision status rather than truncating.
func TestOpenCreateAlwaysCollision(t *testing.T) {
	fs := newFakeFileSystem()
	fs.stats["/sdcard/x"] = wire.FileStat{}
	cr, cw := serveOnPipe(t, fs)

	require.NoError(t, cw.WriteOp(wire.OpOpenHandle))
	require.NoError(t, cw.WriteString("/sdcard/x"))
	require.NoError(t, cw.WriteU8(wire.OpenFlags{Read: true, Mode: wire.CreateAlways}.Byte()))
	require.NoError(t, cw.Flush())

	status, err := cr.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, wire.StatusFileExists, status)
}

// TestMoveEntryOverwriteFalseCollision renames onto an existing path
// with overwrite disabled, which must fail with a collision status.
func TestMoveEntryOverwriteFalseCollision(t *testing.T) {
	fs := newFakeFileSystem()
	fs.stats["/sdcard/to"] = wire.FileStat{}
	cr, cw := serveOnPipe(t, fs)

	require.NoError(t, cw.WriteOp(wire.OpMoveEntry))
	require.NoError(t, cw.WriteString("/sdcard/from"))
	require.NoError(t, cw.WriteString("/sdcard/to"))
	require.NoError(t, cw.WriteU8(0))
	require.NoError(t, cw.Flush())

	status, err := cr.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, wire.StatusFileExists, status)
}

func TestStatFileSuccess(t *testing.T) {
	fs := newFakeFileSystem()
	fs.stats["/sdcard/x"] = wire.FileStat{Mode: 0100644, Size: 5}
	cr, cw := serveOnPipe(t, fs)

	require.NoError(t, cw.WriteOp(wire.OpStatFile))
	require.NoError(t, cw.WriteString("/sdcard/x"))
	require.NoError(t, cw.Flush())

	status, err := cr.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)

	stat, err := cr.ReadFileStat()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stat.Size)
}

func TestGetDiskStats(t *testing.T) {
	fs := newFakeFileSystem()
	cr, cw := serveOnPipe(t, fs)

	require.NoError(t, cw.WriteOp(wire.OpGetDiskStats))
	require.NoError(t, cw.Flush())

	status, err := cr.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)

	stats, err := cr.ReadDiskStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.TotalBytes)
}
