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

package agent

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lauriethefish/nandroidfs/internal/wire"
)

// directoryCreateMode is the CreateDirectory mode, 0o40770; only the
// low permission bits are meaningful to mkdir, the type bits being
// implied by the syscall itself.
const directoryCreateMode = 0o770

// fileCreateMode is the OpenHandle file-creation mode, 0o100660; again
// only the low permission bits apply to open(2).
const fileCreateMode = 0o660

// PosixFileSystem implements FileSystem against the local POSIX
// filesystem using golang.org/x/sys/unix, the device-side half of the
// protocol.
type PosixFileSystem struct {
	// MountRoot is the fixed path GetDiskStats reports against, supplied
	// by configuration.
	MountRoot string

	mu      sync.Mutex
	handles map[wire.FileHandle]*os.File
}

// NewPosixFileSystem constructs a PosixFileSystem rooted, for disk-stats
// purposes, at mountRoot.
func NewPosixFileSystem(mountRoot string) *PosixFileSystem {
	return &PosixFileSystem{
		MountRoot: mountRoot,
		handles:   make(map[wire.FileHandle]*os.File),
	}
}

// statusFromErrno maps a syscall errno to a protocol status.
func statusFromErrno(err error) wire.Status {
	if err == nil {
		return wire.StatusSuccess
	}
	switch err {
	case unix.EACCES:
		return wire.StatusAccessDenied
	case unix.ENOENT:
		return wire.StatusFileNotFound
	case unix.EEXIST:
		return wire.StatusFileExists
	case unix.ENOTDIR:
		return wire.StatusNotADirectory
	case unix.EISDIR:
		return wire.StatusNotAFile
	case unix.ENOTEMPTY:
		return wire.StatusDirectoryNotEmpty
	default:
		return wire.StatusGenericFailure
	}
}

func toFileStat(st *unix.Stat_t) wire.FileStat {
	return wire.FileStat{
		Mode:       uint16(st.Mode),
		Size:       uint64(st.Size),
		AccessTime: uint64(st.Atim.Sec),
		WriteTime:  uint64(st.Mtim.Sec),
	}
}

func (fs *PosixFileSystem) Stat(path string) (wire.FileStat, wire.Status) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return wire.FileStat{}, statusFromErrno(err)
	}
	return toFileStat(&st), wire.StatusSuccess
}

func (fs *PosixFileSystem) ListDirectory(path string) ([]string, wire.Status) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, statusFromErrno(unwrapErrno(err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, wire.StatusSuccess
}

func (fs *PosixFileSystem) CreateDirectory(path string) wire.Status {
	return statusFromErrno(unix.Mkdir(path, directoryCreateMode))
}

// parentWritable implements the shared "parent directory grants R+W+X to
// the effective user" check used by both CheckRemoveFile and
// CheckRemoveDirectory. Root has no parent, so it is always denied.
func parentWritable(path string) wire.Status {
	parent := filepath.Dir(path)
	if parent == path {
		return wire.StatusAccessDenied
	}
	err := unix.Faccessat(unix.AT_FDCWD, parent, unix.R_OK|unix.W_OK|unix.X_OK, 0)
	if err != nil {
		return statusFromErrno(err)
	}
	return wire.StatusSuccess
}

func (fs *PosixFileSystem) CheckRemoveFile(path string) wire.Status {
	return parentWritable(path)
}

// CheckRemoveDirectory follows ordinary POSIX semantics: success means
// faccessat(2) returned 0, not the inverse. It then additionally
// requires the directory itself be empty.
func (fs *PosixFileSystem) CheckRemoveDirectory(path string) wire.Status {
	if status := parentWritable(path); status != wire.StatusSuccess {
		return status
	}

	f, err := os.Open(path)
	if err != nil {
		return statusFromErrno(unwrapErrno(err))
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if err != nil && err != io.EOF {
		return statusFromErrno(unwrapErrno(err))
	}
	if len(names) > 0 {
		return wire.StatusDirectoryNotEmpty
	}
	return wire.StatusSuccess
}

func (fs *PosixFileSystem) RemoveFile(path string) wire.Status {
	return statusFromErrno(unix.Unlink(path))
}

func (fs *PosixFileSystem) RemoveDirectory(path string) wire.Status {
	return statusFromErrno(unix.Rmdir(path))
}

func (fs *PosixFileSystem) MoveEntry(from, to string, overwrite bool) wire.Status {
	if !overwrite {
		if _, err := os.Lstat(to); err == nil {
			return wire.StatusFileExists
		}
	}
	return statusFromErrno(unix.Rename(from, to))
}

// openFlags maps the wire's OpenFlags to POSIX open(2) flags.
func openFlags(flags wire.OpenFlags) (int, wire.Status) {
	var o int
	switch {
	case flags.Read && flags.Write:
		o = unix.O_RDWR
	case flags.Write:
		o = unix.O_WRONLY
	case flags.Read:
		o = unix.O_RDONLY
	default:
		return 0, wire.StatusGenericFailure
	}

	switch flags.Mode {
	case wire.OpenOnly:
	case wire.CreateIfNotExist:
		o |= unix.O_CREAT
	case wire.Truncate:
		o |= unix.O_TRUNC
	case wire.CreateOrTruncate:
		o |= unix.O_CREAT | unix.O_TRUNC
	case wire.CreateAlways:
		o |= unix.O_CREAT | unix.O_EXCL
	}
	return o, wire.StatusSuccess
}

func (fs *PosixFileSystem) OpenHandle(path string, flags wire.OpenFlags) (wire.FileHandle, wire.Status) {
	o, status := openFlags(flags)
	if status != wire.StatusSuccess {
		return 0, status
	}

	fd, err := unix.Open(path, o, fileCreateMode)
	if err != nil {
		return 0, statusFromErrno(err)
	}

	f := os.NewFile(uintptr(fd), path)
	fs.mu.Lock()
	fs.handles[wire.FileHandle(fd)] = f
	fs.mu.Unlock()

	return wire.FileHandle(fd), wire.StatusSuccess
}

func (fs *PosixFileSystem) lookupHandle(handle wire.FileHandle) *os.File {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.handles[handle]
}

// CloseHandle always reports success to the protocol layer; a failing
// close(2) is swallowed.
func (fs *PosixFileSystem) CloseHandle(handle wire.FileHandle) {
	fs.mu.Lock()
	f := fs.handles[handle]
	delete(fs.handles, handle)
	fs.mu.Unlock()

	if f != nil {
		_ = f.Close()
	}
}

// ReadHandle reads at offset in a loop until length is satisfied or EOF;
// a short return only happens at EOF, never spuriously.
func (fs *PosixFileSystem) ReadHandle(handle wire.FileHandle, offset int64, length int) ([]byte, wire.Status) {
	f := fs.lookupHandle(handle)
	if f == nil {
		return nil, wire.StatusGenericFailure
	}

	buf := make([]byte, length)
	total := 0
	for total < length {
		n, err := f.ReadAt(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, statusFromErrno(unwrapErrno(err))
		}
		if n == 0 {
			break
		}
	}
	return buf[:total], wire.StatusSuccess
}

// WriteHandle writes at offset in a loop until all bytes are flushed.
func (fs *PosixFileSystem) WriteHandle(handle wire.FileHandle, offset int64, data []byte) wire.Status {
	f := fs.lookupHandle(handle)
	if f == nil {
		return wire.StatusGenericFailure
	}

	total := 0
	for total < len(data) {
		n, err := f.WriteAt(data[total:], offset+int64(total))
		total += n
		if err != nil {
			return statusFromErrno(unwrapErrno(err))
		}
	}
	return wire.StatusSuccess
}

func (fs *PosixFileSystem) TruncateHandle(handle wire.FileHandle, length int64) wire.Status {
	f := fs.lookupHandle(handle)
	if f == nil {
		return wire.StatusGenericFailure
	}
	return statusFromErrno(unix.Ftruncate(int(f.Fd()), length))
}

// SetFileTime sets access/write time with second resolution; -1 for
// either field means leave that time unchanged.
func (fs *PosixFileSystem) SetFileTime(path string, atime, mtime int64) wire.Status {
	var st unix.Stat_t
	if atime < 0 || mtime < 0 {
		if err := unix.Stat(path, &st); err != nil {
			return statusFromErrno(err)
		}
	}

	times := [2]unix.Timespec{
		{Sec: st.Atim.Sec, Nsec: 0},
		{Sec: st.Mtim.Sec, Nsec: 0},
	}
	if atime >= 0 {
		times[0] = unix.Timespec{Sec: atime, Nsec: 0}
	}
	if mtime >= 0 {
		times[1] = unix.Timespec{Sec: mtime, Nsec: 0}
	}

	return statusFromErrno(unix.UtimesNanoAt(unix.AT_FDCWD, path, times[:], 0))
}

func (fs *PosixFileSystem) GetDiskStats() (wire.DiskStats, wire.Status) {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.MountRoot, &st); err != nil {
		return wire.DiskStats{}, statusFromErrno(err)
	}
	blockSize := uint64(st.Bsize)
	return wire.DiskStats{
		FreeBytes:      blockSize * uint64(st.Bfree),
		AvailableBytes: blockSize * uint64(st.Bavail),
		TotalBytes:     blockSize * uint64(st.Blocks),
	}, wire.StatusSuccess
}

// unwrapErrno recovers the underlying syscall.Errno from an *os.PathError
// (or similar) so statusFromErrno's errno comparisons still work for the
// os package's higher-level calls.
func unwrapErrno(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		if u, ok := err.(unwrapper); ok {
			err = u.Unwrap()
			continue
		}
		return err
	}
}
