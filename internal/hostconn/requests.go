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
	"path"
	"strings"
	"time"

	"github.com/lauriethefish/nandroidfs/internal/wire"
)

func parentOf(p string) string {
	dir := path.Dir(p)
	return dir
}

func join(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// StatFile implements the cached stat path: a lock-free cache hit, then
// a double-checked cache lookup under the request mutex, then a
// reserved-sentinel short-circuit, then the network round trip.
func (c *Connection) StatFile(path string) (wire.FileStat, error) {
	if stat, ok := c.statCache.Get(path); ok {
		return stat, nil
	}

	start := time.Now()
	var result wire.FileStat
	var resultErr error
	err := c.exchange(func(r *wire.Reader, w *wire.Writer) error {
		if stat, ok := c.statCache.Get(path); ok {
			result = stat
			return nil
		}

		if strings.HasSuffix(path, reservedSentinelSuffix) {
			resultErr = wire.StatusFileNotFound.Err()
			return nil
		}

		if err := w.WriteOp(wire.OpStatFile); err != nil {
			return err
		}
		if err := w.WriteString(path); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		status, err := r.ReadStatus()
		if err != nil {
			return err
		}
		if status != wire.StatusSuccess {
			resultErr = status.Err()
			return nil
		}

		stat, err := r.ReadFileStat()
		if err != nil {
			return err
		}
		c.statCache.Set(path, stat)
		result = stat
		return nil
	})
	effErr := err
	if effErr == nil {
		effErr = resultErr
	}
	c.recordMetric(wire.OpStatFile, effErr, start)
	if err != nil {
		return wire.FileStat{}, err
	}
	return result, resultErr
}

// DirEntryConsumer receives one (base name, stat) pair per successfully
// stat'd directory entry, in the order the agent returned them (or the
// order they were cached, on a listing-cache hit).
type DirEntryConsumer func(name string, stat wire.FileStat)

// ListDirectory implements the cached directory-listing path. On a
// listing-cache hit, cached entries whose stat has since fallen out of
// the stat cache are skipped — accepted staleness, resolved by a
// subsequent cache miss.
func (c *Connection) ListDirectory(dir string, consume DirEntryConsumer) error {
	if names, ok := c.dirCache.Get(dir); ok {
		for _, name := range names {
			if stat, ok := c.statCache.Get(join(dir, name)); ok {
				consume(name, stat)
			}
		}
		return nil
	}

	start := time.Now()
	err := c.exchange(func(r *wire.Reader, w *wire.Writer) error {
		if names, ok := c.dirCache.Get(dir); ok {
			for _, name := range names {
				if stat, ok := c.statCache.Get(join(dir, name)); ok {
					consume(name, stat)
				}
			}
			return nil
		}

		if err := w.WriteOp(wire.OpListDirectory); err != nil {
			return err
		}
		if err := w.WriteString(dir); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		outer, err := r.ReadStatus()
		if err != nil {
			return err
		}
		if outer != wire.StatusSuccess {
			return outer.Err()
		}

		var names []string
		for {
			status, err := r.ReadStatus()
			if err != nil {
				return err
			}
			if status == wire.StatusNoMoreEntries {
				break
			}
			if status != wire.StatusSuccess {
				// A per-entry stat failure: skip it, keep iterating.
				continue
			}

			name, err := r.ReadString()
			if err != nil {
				return err
			}
			stat, err := r.ReadFileStat()
			if err != nil {
				return err
			}

			c.statCache.Set(join(dir, name), stat)
			names = append(names, name)
			consume(name, stat)
		}

		c.dirCache.Set(dir, names)
		return nil
	})
	c.recordMetric(wire.OpListDirectory, err, start)
	return err
}

// invalidatePathAndParent evicts path's stat entry and its parent
// directory's listing, the pattern every mutating request applies before
// issuing its network call.
func (c *Connection) invalidatePathAndParent(p string) {
	c.statCache.Invalidate(p)
	c.dirCache.Invalidate(parentOf(p))
}

func (c *Connection) mutate(op wire.Op, write func(w *wire.Writer) error) error {
	start := time.Now()
	err := c.exchange(func(r *wire.Reader, w *wire.Writer) error {
		if err := w.WriteOp(op); err != nil {
			return err
		}
		if err := write(w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		status, err := r.ReadStatus()
		if err != nil {
			return err
		}
		return status.Err()
	})
	c.recordMetric(op, err, start)
	return err
}

// CreateDirectory invalidates the parent listing before issuing the
// request.
func (c *Connection) CreateDirectory(dir string) error {
	c.invalidatePathAndParent(dir)
	return c.mutate(wire.OpCreateDirectory, func(w *wire.Writer) error {
		return w.WriteString(dir)
	})
}

func (c *Connection) CheckRemoveFile(path string) error {
	return c.mutate(wire.OpCheckRemoveFile, func(w *wire.Writer) error {
		return w.WriteString(path)
	})
}

func (c *Connection) CheckRemoveDirectory(path string) error {
	return c.mutate(wire.OpCheckRemoveDirectory, func(w *wire.Writer) error {
		return w.WriteString(path)
	})
}

func (c *Connection) RemoveFile(path string) error {
	c.invalidatePathAndParent(path)
	return c.mutate(wire.OpRemoveFile, func(w *wire.Writer) error {
		return w.WriteString(path)
	})
}

func (c *Connection) RemoveDirectory(path string) error {
	c.invalidatePathAndParent(path)
	return c.mutate(wire.OpRemoveDirectory, func(w *wire.Writer) error {
		return w.WriteString(path)
	})
}

// MoveEntry invalidates both endpoints' stat entries and both parents'
// listings before issuing the request.
func (c *Connection) MoveEntry(from, to string, overwrite bool) error {
	c.invalidatePathAndParent(from)
	c.invalidatePathAndParent(to)
	return c.mutate(wire.OpMoveEntry, func(w *wire.Writer) error {
		if err := w.WriteString(from); err != nil {
			return err
		}
		if err := w.WriteString(to); err != nil {
			return err
		}
		var b byte
		if overwrite {
			b = 1
		}
		return w.WriteU8(b)
	})
}

// OpenHandle invalidates the parent listing first only when the open
// itself may create the entry.
func (c *Connection) OpenHandle(path string, flags wire.OpenFlags) (wire.FileHandle, error) {
	switch flags.Mode {
	case wire.CreateAlways, wire.CreateIfNotExist, wire.CreateOrTruncate:
		c.dirCache.Invalidate(parentOf(path))
		c.statCache.Invalidate(path)
	}

	start := time.Now()
	var handle wire.FileHandle
	err := c.exchange(func(r *wire.Reader, w *wire.Writer) error {
		if err := w.WriteOp(wire.OpOpenHandle); err != nil {
			return err
		}
		if err := w.WriteString(path); err != nil {
			return err
		}
		if err := w.WriteU8(flags.Byte()); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		status, err := r.ReadStatus()
		if err != nil {
			return err
		}
		if status != wire.StatusSuccess {
			return status.Err()
		}

		raw, err := r.ReadU32()
		if err != nil {
			return err
		}
		handle = wire.FileHandle(raw)
		return nil
	})
	c.recordMetric(wire.OpOpenHandle, err, start)
	return handle, err
}

func (c *Connection) CloseHandle(handle wire.FileHandle) error {
	return c.mutate(wire.OpCloseHandle, func(w *wire.Writer) error {
		return w.WriteU32(uint32(handle))
	})
}

// ReadHandle is a read-only op (the agent's file contents aren't cached,
// only metadata is) so it always goes over the wire.
func (c *Connection) ReadHandle(handle wire.FileHandle, offset uint64, length uint32) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := c.exchange(func(r *wire.Reader, w *wire.Writer) error {
		if err := w.WriteOp(wire.OpReadHandle); err != nil {
			return err
		}
		if err := w.WriteU32(uint32(handle)); err != nil {
			return err
		}
		if err := w.WriteU32(length); err != nil {
			return err
		}
		if err := w.WriteU64(offset); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		status, err := r.ReadStatus()
		if err != nil {
			return err
		}
		if status != wire.StatusSuccess {
			return status.Err()
		}

		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if err := r.ReadExact(buf); err != nil {
			return err
		}
		data = buf
		return nil
	})
	c.recordMetric(wire.OpReadHandle, err, start)
	return data, err
}

func (c *Connection) WriteHandle(handle wire.FileHandle, offset uint64, data []byte) error {
	return c.mutate(wire.OpWriteHandle, func(w *wire.Writer) error {
		if err := w.WriteU32(uint32(handle)); err != nil {
			return err
		}
		if err := w.WriteU64(offset); err != nil {
			return err
		}
		if err := w.WriteU32(uint32(len(data))); err != nil {
			return err
		}
		return w.Write(data)
	})
}

func (c *Connection) TruncateHandle(handle wire.FileHandle, length uint64) error {
	return c.mutate(wire.OpTruncateHandle, func(w *wire.Writer) error {
		if err := w.WriteU32(uint32(handle)); err != nil {
			return err
		}
		return w.WriteU64(length)
	})
}

// SetFileTime invalidates the stat entry only; the parent listing is
// still valid.
func (c *Connection) SetFileTime(path string, atime, mtime int64) error {
	c.statCache.Invalidate(path)
	return c.mutate(wire.OpSetFileTime, func(w *wire.Writer) error {
		if err := w.WriteString(path); err != nil {
			return err
		}
		if err := w.WriteI64(atime); err != nil {
			return err
		}
		return w.WriteI64(mtime)
	})
}

func (c *Connection) GetDiskStats() (wire.DiskStats, error) {
	start := time.Now()
	var stats wire.DiskStats
	err := c.exchange(func(r *wire.Reader, w *wire.Writer) error {
		if err := w.WriteOp(wire.OpGetDiskStats); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		status, err := r.ReadStatus()
		if err != nil {
			return err
		}
		if status != wire.StatusSuccess {
			return status.Err()
		}
		stats, err = r.ReadDiskStats()
		return err
	})
	c.recordMetric(wire.OpGetDiskStats, err, start)
	return stats, err
}
