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

// Package mountfs adapts one hostconn.Connection to cgofuse's
// FileSystemInterface: the host driver's callback table, status-code
// translation, and per-handle context.
package mountfs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	cgofuse "github.com/winfsp/cgofuse/fuse"

	"github.com/lauriethefish/nandroidfs/internal/device"
	"github.com/lauriethefish/nandroidfs/internal/hostconn"
	"github.com/lauriethefish/nandroidfs/internal/logging"
	"github.com/lauriethefish/nandroidfs/internal/wire"
)

// handle is the per-open-file context the driver carries between Open
// (or Create) and Release; each open file carries a per-handle context
// owned by the driver.
type handle struct {
	remote   wire.FileHandle // wire.NoHandle for a metadata-only open or a directory
	readable bool
	writable bool
}

// FS implements cgofuse.FileSystemInterface against one connection. It
// satisfies device.Mounter so internal/device and internal/tracker can
// depend on the narrow interface rather than this package directly.
type FS struct {
	cgofuse.FileSystemBase

	conn *hostconn.Connection
	host *cgofuse.FileSystemHost

	mu      sync.Mutex
	handles map[uint64]*handle
	nextFH  uint64

	ready chan struct{}
}

// New constructs an FS with no connection bound yet; Mount binds one.
func New() *FS {
	return &FS{
		handles: make(map[uint64]*handle),
		nextFH:  1,
		ready:   make(chan struct{}),
	}
}

// Factory adapts New to device.MounterFactory.
func Factory() device.MounterFactory {
	return func() device.Mounter { return New() }
}

var _ device.Mounter = (*FS)(nil)
var _ cgofuse.FileSystemInterface = (*FS)(nil)

// Mount publishes conn at a path derived from mountPointBase and label,
// and blocks until cgofuse reports the mount is live or fails outright.
func (f *FS) Mount(conn *hostconn.Connection, mountPointBase, label string) (string, error) {
	f.conn = conn
	f.host = cgofuse.NewFileSystemHost(f)
	f.host.SetCapReaddirPlus(true)

	mountPoint := mountPointFor(mountPointBase, label)

	mounted := make(chan bool, 1)
	go func() {
		ok := f.host.Mount(mountPoint, nil)
		mounted <- ok
	}()

	select {
	case <-f.ready:
		return mountPoint, nil
	case ok := <-mounted:
		if !ok {
			return "", fmt.Errorf("nandroidfs: mount %s failed", mountPoint)
		}
		// Mount returned (already unmounted again) before Init fired;
		// treat as success since the host reported no error.
		return mountPoint, nil
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("nandroidfs: mount %s: timed out waiting for Init", mountPoint)
	}
}

// Unmount blocks until in-flight callbacks return.
func (f *FS) Unmount() error {
	if f.host == nil {
		return nil
	}
	if !f.host.Unmount() {
		return fmt.Errorf("nandroidfs: unmount failed")
	}
	return nil
}

// Init marks the filesystem ready; Mount blocks on this to know the mount
// succeeded.
func (f *FS) Init() {
	close(f.ready)
}

func (f *FS) allocHandle(h *handle) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh := f.nextFH
	f.nextFH++
	f.handles[fh] = h
	return fh
}

func (f *FS) getHandle(fh uint64) *handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[fh]
}

func (f *FS) removeHandle(fh uint64) *handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[fh]
	delete(f.handles, fh)
	return h
}

// errnoFor translates a protocol status error into cgofuse's negative
// errno convention. Any other error (network failure, EOF) becomes EIO;
// transport errors and a crashed agent surface identically. A transport
// error does not unmount the filesystem: the instance's agent-monitor
// goroutine (internal/device) only records that the agent exited, and the
// instance is torn down once the tracker no longer sees its serial.
func errnoFor(err error) int {
	if err == nil {
		return 0
	}
	var statusErr *wire.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case wire.StatusAccessDenied:
			return -cgofuse.EACCES
		case wire.StatusNotADirectory:
			return -cgofuse.ENOTDIR
		case wire.StatusNotAFile:
			return -cgofuse.EISDIR
		case wire.StatusFileNotFound:
			return -cgofuse.ENOENT
		case wire.StatusFileExists:
			return -cgofuse.EEXIST
		case wire.StatusDirectoryNotEmpty:
			return -cgofuse.ENOTEMPTY
		default:
			return -cgofuse.EIO
		}
	}
	return -cgofuse.EIO
}

func fillStat(stat *cgofuse.Stat_t, s wire.FileStat) {
	stat.Mode = uint32(s.Mode)
	stat.Size = int64(s.Size)
	atime := cgofuse.NewTimespec(time.Unix(int64(s.AccessTime), 0))
	mtime := cgofuse.NewTimespec(time.Unix(int64(s.WriteTime), 0))
	stat.Atim = atime
	stat.Mtim = mtime
	stat.Ctim = mtime
	if s.Mode&0170000 == 0040000 { // S_IFDIR
		stat.Nlink = 2
	} else {
		stat.Nlink = 1
	}
}

// Getattr implements the attribute callback.
func (f *FS) Getattr(path string, stat *cgofuse.Stat_t, fh uint64) int {
	s, err := f.conn.StatFile(path)
	if err != nil {
		return errnoFor(err)
	}
	fillStat(stat, s)
	return 0
}

// Opendir stats path to confirm it is a directory, and allocates a
// handle purely for Readdir/Releasedir bookkeeping — directories have no
// protocol-level handle, since the wire protocol has no "open directory"
// opcode.
func (f *FS) Opendir(path string) (int, uint64) {
	s, err := f.conn.StatFile(path)
	if err != nil {
		return errnoFor(err), 0
	}
	if s.Mode&0170000 != 0040000 {
		return -cgofuse.ENOTDIR, 0
	}
	fh := f.allocHandle(&handle{remote: wire.NoHandle})
	return 0, fh
}

func (f *FS) Releasedir(path string, fh uint64) int {
	f.removeHandle(fh)
	return 0
}

// Readdir implements the ListDirectory consumer, filling "." and ".."
// first as cgofuse expects.
func (f *FS) Readdir(path string, fill func(name string, stat *cgofuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)

	err := f.conn.ListDirectory(path, func(name string, s wire.FileStat) {
		var stat cgofuse.Stat_t
		fillStat(&stat, s)
		fill(name, &stat, 0)
	})
	if err != nil {
		return errnoFor(err)
	}
	return 0
}

func (f *FS) Mkdir(path string, mode uint32) int {
	if err := f.conn.CreateDirectory(path); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (f *FS) Rmdir(path string) int {
	if err := f.conn.CheckRemoveDirectory(path); err != nil {
		return errnoFor(err)
	}
	if err := f.conn.RemoveDirectory(path); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (f *FS) Unlink(path string) int {
	if err := f.conn.CheckRemoveFile(path); err != nil {
		return errnoFor(err)
	}
	if err := f.conn.RemoveFile(path); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (f *FS) Rename(oldpath, newpath string) int {
	if err := f.conn.MoveEntry(oldpath, newpath, true); err != nil {
		return errnoFor(err)
	}
	return 0
}

// openModeFromFlags maps POSIX open(2) flags (what cgofuse hands us,
// having already absorbed the raw NT creation-disposition on Windows)
// back into the protocol's OpenMode enumeration.
func openModeFromFlags(flags int) wire.OpenFlags {
	read := flags&os.O_WRONLY == 0
	write := flags&(os.O_WRONLY|os.O_RDWR) != 0

	var mode wire.OpenMode
	switch {
	case flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0:
		mode = wire.CreateAlways // host "CREATE_NEW": fail if it exists
	case flags&os.O_CREATE != 0 && flags&os.O_TRUNC != 0:
		mode = wire.CreateOrTruncate // host "CREATE_ALWAYS"
	case flags&os.O_CREATE != 0:
		mode = wire.CreateIfNotExist // host "OPEN_ALWAYS"
	case flags&os.O_TRUNC != 0:
		mode = wire.Truncate // host "TRUNCATE_EXISTING"
	default:
		mode = wire.OpenOnly // host "OPEN_EXISTING"
	}

	if flags&os.O_CREATE != 0 && !read && !write {
		read = true // creating dispositions force read access on
	}

	return wire.OpenFlags{Mode: mode, Read: read, Write: write}
}

func (f *FS) openOrCreate(path string, flags int) (int, uint64) {
	of := openModeFromFlags(flags)

	existed := false
	if of.Mode == wire.CreateIfNotExist {
		if _, err := f.conn.StatFile(path); err == nil {
			existed = true
		}
	}

	remote, err := f.conn.OpenHandle(path, of)
	if err != nil {
		return errnoFor(err), 0
	}

	fh := f.allocHandle(&handle{remote: remote, readable: of.Read, writable: of.Write})

	if existed {
		// An "open-or-create" disposition found the file already present.
		// cgofuse's Create/Open return value has no room for a
		// "collision" status distinct from success, so the open reports
		// success and the collision is only surfaced as a log line.
		logging.Debugf("nandroidfs: open-or-create collision at %s", path)
	}

	return 0, fh
}

func (f *FS) Create(path string, flags int, mode uint32) (int, uint64) {
	return f.openOrCreate(path, flags|os.O_CREATE)
}

func (f *FS) Open(path string, flags int) (int, uint64) {
	return f.openOrCreate(path, flags)
}

func (f *FS) Release(path string, fh uint64) int {
	h := f.removeHandle(fh)
	if h == nil || h.remote == wire.NoHandle {
		return 0
	}
	if err := f.conn.CloseHandle(h.remote); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (f *FS) Flush(path string, fh uint64) int { return 0 }

func (f *FS) Fsync(path string, datasync bool, fh uint64) int { return 0 }

func (f *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.getHandle(fh)
	if h == nil || h.remote == wire.NoHandle || !h.readable {
		return -cgofuse.EBADF
	}
	data, err := f.conn.ReadHandle(h.remote, uint64(ofst), uint32(len(buff)))
	if err != nil {
		return errnoFor(err)
	}
	return copy(buff, data)
}

func (f *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.getHandle(fh)
	if h == nil || h.remote == wire.NoHandle || !h.writable {
		return -cgofuse.EBADF
	}
	if err := f.conn.WriteHandle(h.remote, uint64(ofst), buff); err != nil {
		return errnoFor(err)
	}
	return len(buff)
}

func (f *FS) Truncate(path string, size int64, fh uint64) int {
	h := f.getHandle(fh)
	if h != nil && h.remote != wire.NoHandle {
		if err := f.conn.TruncateHandle(h.remote, uint64(size)); err != nil {
			return errnoFor(err)
		}
		return 0
	}

	remote, err := f.conn.OpenHandle(path, wire.OpenFlags{Mode: wire.OpenOnly, Write: true})
	if err != nil {
		return errnoFor(err)
	}
	defer f.conn.CloseHandle(remote)

	if err := f.conn.TruncateHandle(remote, uint64(size)); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (f *FS) Utimens(path string, tmsp []cgofuse.Timespec) int {
	atime := int64(-1)
	mtime := int64(-1)
	if len(tmsp) > 0 && tmsp[0].Nsec != cgofuse.UTIME_OMIT {
		atime = tmsp[0].Sec
	}
	if len(tmsp) > 1 && tmsp[1].Nsec != cgofuse.UTIME_OMIT {
		mtime = tmsp[1].Sec
	}
	if err := f.conn.SetFileTime(path, atime, mtime); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Statfs reports disk stats, via GetDiskStats, in the block units
// cgofuse expects.
func (f *FS) Statfs(path string, stat *cgofuse.Statfs_t) int {
	const blockSize = 4096

	stats, err := f.conn.GetDiskStats()
	if err != nil {
		return errnoFor(err)
	}

	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = stats.TotalBytes / blockSize
	stat.Bfree = stats.FreeBytes / blockSize
	stat.Bavail = stats.AvailableBytes / blockSize
	stat.Namemax = 255
	return 0
}
