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

package wire

import (
	"errors"
	"io"
)

// DefaultBufferSize is the reader/writer's internal buffer size absent
// an explicit override.
const DefaultBufferSize = 4096

// ErrEndOfStream is returned when the underlying stream reports 0 bytes
// (EOF) before a frame's requested byte count has been satisfied.
var ErrEndOfStream = errors.New("nandroidfs: end of stream")

// ErrStringTooLong is returned by Writer.WriteString when the payload
// exceeds MaxStringLen bytes.
var ErrStringTooLong = errors.New("nandroidfs: string exceeds 65535 bytes")

// byteReader is the minimal capability the Reader is built against: a
// single read(buf) -> n method, where n == 0 signals EOF. This is
// satisfied by net.Conn, *os.File, or any io.Reader.
type byteReader interface {
	Read(p []byte) (n int, err error)
}

// Reader is a buffered, framed decoder of the wire protocol's primitives.
// It is not safe for concurrent use; callers serialize access (the host
// connection does so with its request mutex).
type Reader struct {
	src  byteReader
	buf  []byte
	pos  int
	end  int
}

// NewReader wraps src with a buffer of DefaultBufferSize.
func NewReader(src byteReader) *Reader {
	return NewReaderSize(src, DefaultBufferSize)
}

// NewReaderSize wraps src with an explicit buffer size. Tests vary this
// to exercise the buffering algorithm's boundary cases.
func NewReaderSize(src byteReader, size int) *Reader {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Reader{src: src, buf: make([]byte, size)}
}

func (r *Reader) buffered() int { return r.end - r.pos }

// fill tries to read one chunk into the buffer, resetting pos/end first.
// Returns ErrEndOfStream if the underlying stream is already at EOF.
func (r *Reader) fill() error {
	r.pos = 0
	n, err := r.src.Read(r.buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			return err
		}
		return ErrEndOfStream
	}
	r.end = n
	return nil
}

// ReadExact fills p entirely from the stream, satisfying from the internal
// buffer first. A read whose length is >= the buffer size and finds the
// buffer empty bypasses the buffer and reads directly into p; any tail
// shorter than the buffer size is then refilled into the buffer as usual.
func (r *Reader) ReadExact(p []byte) error {
	for len(p) > 0 {
		if r.buffered() > 0 {
			n := copy(p, r.buf[r.pos:r.end])
			r.pos += n
			p = p[n:]
			continue
		}

		if len(p) >= len(r.buf) {
			direct := len(p) - len(p)%len(r.buf)
			n, err := io.ReadFull(r.src, p[:direct])
			if n == direct {
				p = p[direct:]
				continue
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrEndOfStream
			}
			return err
		}

		if err := r.fill(); err != nil {
			return err
		}
	}
	return nil
}

// ReadU8 reads a single unsigned byte.
func (r *Reader) ReadU8() (byte, error) {
	var b [1]byte
	if err := r.ReadExact(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a big-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	var b [2]byte
	if err := r.ReadExact(b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// ReadU32 reads a big-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	var b [4]byte
	if err := r.ReadExact(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// ReadU64 reads a big-endian uint64.
func (r *Reader) ReadU64() (uint64, error) {
	var b [8]byte
	if err := r.ReadExact(b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

// ReadI64 reads a big-endian two's-complement int64 (used by SetFileTime,
// where -1 means "leave unchanged").
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadString reads a u16 length prefix followed by that many UTF-8 bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if err := r.ReadExact(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadOp reads a request opcode byte.
func (r *Reader) ReadOp() (Op, error) {
	b, err := r.ReadU8()
	return Op(b), err
}

// ReadStatus reads a response status byte.
func (r *Reader) ReadStatus() (Status, error) {
	b, err := r.ReadU8()
	return Status(b), err
}

// ReadFileStat reads a FileStat: mode u16, size u64, access_time u64,
// write_time u64.
func (r *Reader) ReadFileStat() (FileStat, error) {
	var s FileStat
	mode, err := r.ReadU16()
	if err != nil {
		return s, err
	}
	size, err := r.ReadU64()
	if err != nil {
		return s, err
	}
	atime, err := r.ReadU64()
	if err != nil {
		return s, err
	}
	wtime, err := r.ReadU64()
	if err != nil {
		return s, err
	}
	s.Mode, s.Size, s.AccessTime, s.WriteTime = mode, size, atime, wtime
	return s, nil
}

// ReadDiskStats reads a DiskStats: free/available/total u64.
func (r *Reader) ReadDiskStats() (DiskStats, error) {
	var d DiskStats
	free, err := r.ReadU64()
	if err != nil {
		return d, err
	}
	avail, err := r.ReadU64()
	if err != nil {
		return d, err
	}
	total, err := r.ReadU64()
	if err != nil {
		return d, err
	}
	d.FreeBytes, d.AvailableBytes, d.TotalBytes = free, avail, total
	return d, nil
}
