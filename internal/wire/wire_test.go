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
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe returns a connected pair of net.Conn, a back-to-back in-process
// pipe for round-trip tests.
func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestPrimitiveRoundTrip(t *testing.T) {
	client, server := pipe(t)

	go func() {
		w := NewWriter(client)
		require.NoError(t, w.WriteU8(0xAB))
		require.NoError(t, w.WriteU16(0x1234))
		require.NoError(t, w.WriteU32(0xDEADBEEF))
		require.NoError(t, w.WriteU64(0x0102030405060708))
		require.NoError(t, w.WriteI64(-1))
		require.NoError(t, w.Flush())
	}()

	r := NewReader(server)
	u8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), u8)

	u16, err := r.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u32, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), i64)
}

func TestStringRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 255, 4096, 65535} {
		length := length
		t.Run(strconv.Itoa(length), func(t *testing.T) {
			client, server := pipe(t)
			want := strings.Repeat("x", length)

			go func() {
				w := NewWriter(client)
				require.NoError(t, w.WriteString(want))
				require.NoError(t, w.Flush())
			}()

			r := NewReader(server)
			got, err := r.ReadString()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestWriteStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.WriteString(strings.Repeat("x", MaxStringLen+1))
	assert.ErrorIs(t, err, ErrStringTooLong)
}

// TestFrameBoundaryIndependentOfBufferSize encodes N independent
// request/response-shaped frames and decodes them back with readers/
// writers of varying buffer sizes, checking that frame boundaries never
// depend on the buffer size.
func TestFrameBoundaryIndependentOfBufferSize(t *testing.T) {
	const n = 25
	for _, size := range []int{1, 7, 4096, 65536} {
		size := size
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriterSize(&buf, size)
			for i := 0; i < n; i++ {
				require.NoError(t, w.WriteOp(OpStatFile))
				require.NoError(t, w.WriteString("/sdcard/file"))
				require.NoError(t, w.WriteStatus(StatusSuccess))
				require.NoError(t, w.WriteFileStat(FileStat{Mode: 0100644, Size: uint64(i)}))
			}
			require.NoError(t, w.Flush())

			r := NewReaderSize(bytes.NewReader(buf.Bytes()), size)
			for i := 0; i < n; i++ {
				op, err := r.ReadOp()
				require.NoError(t, err)
				assert.Equal(t, OpStatFile, op)

				path, err := r.ReadString()
				require.NoError(t, err)
				assert.Equal(t, "/sdcard/file", path)

				status, err := r.ReadStatus()
				require.NoError(t, err)
				assert.Equal(t, StatusSuccess, status)

				stat, err := r.ReadFileStat()
				require.NoError(t, err)
				assert.Equal(t, uint64(i), stat.Size)
			}
		})
	}
}

func TestReadExactEOFMidFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x00, 0x01}))
	_, err := r.ReadU32()
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestReaderBypassesBufferOnLargeEmptyRead(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 4096*3)
	r := NewReaderSize(bytes.NewReader(payload), 4096)
	got := make([]byte, len(payload))
	require.NoError(t, r.ReadExact(got))
	assert.True(t, bytes.Equal(payload, got))
}

func TestWriterBypassesBufferOnExactSizeWrite(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriterSize(&buf, 16)
	payload := bytes.Repeat([]byte{0x7}, 16)
	require.NoError(t, w.Write(payload))
	require.NoError(t, w.Flush())
	assert.True(t, bytes.Equal(payload, buf.Bytes()))
}

// TestHandshakeBytes pins the reference handshake bytes: FA FE 5A BE.
func TestHandshakeBytes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteU32(0xFAFE5ABE))
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte{0xFA, 0xFE, 0x5A, 0xBE}, buf.Bytes())
}

func TestStatFileRequestBytes(t *testing.T) {
	// Expected encoding: 00 + 00 09 + "/sdcard/x"
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteOp(OpStatFile))
	require.NoError(t, w.WriteString("/sdcard/x"))
	require.NoError(t, w.Flush())

	want := append([]byte{0x00, 0x00, 0x09}, []byte("/sdcard/x")...)
	assert.Equal(t, want, buf.Bytes())
}

func TestReadFromClosedPipeYieldsEndOfStream(t *testing.T) {
	pr, pw := io.Pipe()
	pw.Close()
	r := NewReader(pr)
	_, err := r.ReadU8()
	assert.ErrorIs(t, err, ErrEndOfStream)
}
