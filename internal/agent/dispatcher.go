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

// Package agent implements the device-side half of the protocol: a
// single-threaded dispatcher that decodes one request at a time, invokes
// the matching POSIX syscall, and encodes the response.
package agent

import (
	"errors"
	"io"
	"log"

	"github.com/lauriethefish/nandroidfs/internal/wire"
)

// Dispatcher serves exactly one client connection over one socket. It is
// not safe for concurrent use: the protocol guarantees at most one request
// in flight per connection, and the agent itself is strictly single
// threaded.
type Dispatcher struct {
	r    *wire.Reader
	w    *wire.Writer
	fs   FileSystem
	Debug bool
}

// New constructs a Dispatcher over conn, which must support Read and
// Write; fs supplies every operation, including the fixed mount root
// GetDiskStats reports against.
func New(conn io.ReadWriter, fs FileSystem, bufferSize int) *Dispatcher {
	return &Dispatcher{
		r:  wire.NewReaderSize(conn, bufferSize),
		w:  wire.NewWriterSize(conn, bufferSize),
		fs: fs,
	}
}

// Handshake reads the host's magic u32 and echoes it back unchanged, then
// flushes. The ready marker is printed by the caller (main.go) once this
// returns, since printing it is the process's job, not the dispatcher's.
func (d *Dispatcher) Handshake() error {
	magic, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	if err := d.w.WriteU32(magic); err != nil {
		return err
	}
	return d.w.Flush()
}

// Serve runs the main request loop until EndOfStream (a clean disconnect)
// or an unrecoverable error, which it returns to the caller for logging
// and process exit.
func (d *Dispatcher) Serve() error {
	for {
		op, err := d.r.ReadOp()
		if err != nil {
			if errors.Is(err, wire.ErrEndOfStream) {
				return nil
			}
			return err
		}

		if d.Debug {
			log.Printf("nandroid-agent: dispatching %s", op)
		}

		if err := d.dispatch(op); err != nil {
			return err
		}
		if err := d.w.Flush(); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) dispatch(op wire.Op) error {
	switch op {
	case wire.OpStatFile:
		return d.handleStatFile()
	case wire.OpListDirectory:
		return d.handleListDirectory()
	case wire.OpCreateDirectory:
		return d.handleCreateDirectory()
	case wire.OpCheckRemoveFile:
		return d.handleCheckRemoveFile()
	case wire.OpCheckRemoveDirectory:
		return d.handleCheckRemoveDirectory()
	case wire.OpRemoveFile:
		return d.handleRemoveFile()
	case wire.OpRemoveDirectory:
		return d.handleRemoveDirectory()
	case wire.OpMoveEntry:
		return d.handleMoveEntry()
	case wire.OpOpenHandle:
		return d.handleOpenHandle()
	case wire.OpCloseHandle:
		return d.handleCloseHandle()
	case wire.OpReadHandle:
		return d.handleReadHandle()
	case wire.OpWriteHandle:
		return d.handleWriteHandle()
	case wire.OpTruncateHandle:
		return d.handleTruncateHandle()
	case wire.OpSetFileTime:
		return d.handleSetFileTime()
	case wire.OpGetDiskStats:
		return d.handleGetDiskStats()
	default:
		return d.w.WriteStatus(wire.StatusGenericFailure)
	}
}

func (d *Dispatcher) handleStatFile() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	stat, status := d.fs.Stat(path)
	if status != wire.StatusSuccess {
		return d.w.WriteStatus(status)
	}
	if err := d.w.WriteStatus(wire.StatusSuccess); err != nil {
		return err
	}
	return d.w.WriteFileStat(stat)
}

// handleListDirectory streams one sub-frame per entry, terminated by
// NoMoreEntries.
func (d *Dispatcher) handleListDirectory() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}

	names, status := d.fs.ListDirectory(path)
	if status != wire.StatusSuccess {
		return d.w.WriteStatus(status)
	}
	if err := d.w.WriteStatus(wire.StatusSuccess); err != nil {
		return err
	}

	for _, name := range names {
		stat, entryStatus := d.fs.Stat(path + "/" + name)
		if entryStatus != wire.StatusSuccess {
			if err := d.w.WriteStatus(entryStatus); err != nil {
				return err
			}
			continue
		}
		if err := d.w.WriteStatus(wire.StatusSuccess); err != nil {
			return err
		}
		if err := d.w.WriteString(name); err != nil {
			return err
		}
		if err := d.w.WriteFileStat(stat); err != nil {
			return err
		}
	}

	return d.w.WriteStatus(wire.StatusNoMoreEntries)
}

func (d *Dispatcher) handleCreateDirectory() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.CreateDirectory(path))
}

func (d *Dispatcher) handleCheckRemoveFile() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.CheckRemoveFile(path))
}

func (d *Dispatcher) handleCheckRemoveDirectory() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.CheckRemoveDirectory(path))
}

func (d *Dispatcher) handleRemoveFile() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.RemoveFile(path))
}

func (d *Dispatcher) handleRemoveDirectory() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.RemoveDirectory(path))
}

func (d *Dispatcher) handleMoveEntry() error {
	from, err := d.r.ReadString()
	if err != nil {
		return err
	}
	to, err := d.r.ReadString()
	if err != nil {
		return err
	}
	overwriteByte, err := d.r.ReadU8()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.MoveEntry(from, to, overwriteByte != 0))
}

func (d *Dispatcher) handleOpenHandle() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	modeByte, err := d.r.ReadU8()
	if err != nil {
		return err
	}
	flags := wire.ParseOpenFlags(modeByte)

	handle, status := d.fs.OpenHandle(path, flags)
	if status != wire.StatusSuccess {
		return d.w.WriteStatus(status)
	}
	if err := d.w.WriteStatus(wire.StatusSuccess); err != nil {
		return err
	}
	return d.w.WriteU32(uint32(handle))
}

func (d *Dispatcher) handleCloseHandle() error {
	handle, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	d.fs.CloseHandle(wire.FileHandle(handle))
	return d.w.WriteStatus(wire.StatusSuccess)
}

func (d *Dispatcher) handleReadHandle() error {
	handle, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	length, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	offset, err := d.r.ReadU64()
	if err != nil {
		return err
	}

	data, status := d.fs.ReadHandle(wire.FileHandle(handle), int64(offset), int(length))
	if status != wire.StatusSuccess {
		return d.w.WriteStatus(status)
	}
	if err := d.w.WriteStatus(wire.StatusSuccess); err != nil {
		return err
	}
	if err := d.w.WriteU32(uint32(len(data))); err != nil {
		return err
	}
	return d.w.Write(data)
}

func (d *Dispatcher) handleWriteHandle() error {
	handle, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	offset, err := d.r.ReadU64()
	if err != nil {
		return err
	}
	length, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	data := make([]byte, length)
	if err := d.r.ReadExact(data); err != nil {
		return err
	}

	status := d.fs.WriteHandle(wire.FileHandle(handle), int64(offset), data)
	return d.w.WriteStatus(status)
}

func (d *Dispatcher) handleTruncateHandle() error {
	handle, err := d.r.ReadU32()
	if err != nil {
		return err
	}
	length, err := d.r.ReadU64()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.TruncateHandle(wire.FileHandle(handle), int64(length)))
}

func (d *Dispatcher) handleSetFileTime() error {
	path, err := d.r.ReadString()
	if err != nil {
		return err
	}
	atime, err := d.r.ReadI64()
	if err != nil {
		return err
	}
	mtime, err := d.r.ReadI64()
	if err != nil {
		return err
	}
	return d.w.WriteStatus(d.fs.SetFileTime(path, atime, mtime))
}

func (d *Dispatcher) handleGetDiskStats() error {
	stats, status := d.fs.GetDiskStats()
	if status != wire.StatusSuccess {
		return d.w.WriteStatus(status)
	}
	if err := d.w.WriteStatus(wire.StatusSuccess); err != nil {
		return err
	}
	return d.w.WriteDiskStats(stats)
}
