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

// Package wire implements the framed binary request/response protocol
// spoken between the host connection and the on-device agent: big-endian
// primitives, length-prefixed strings, and buffered frame readers/writers.
package wire

import "fmt"

// Op identifies a request's operation. Encoded as a single byte in the
// order below, starting at zero.
type Op byte

const (
	OpStatFile Op = iota
	OpListDirectory
	OpCreateDirectory
	OpCheckRemoveFile
	OpCheckRemoveDirectory
	OpRemoveFile
	OpRemoveDirectory
	OpMoveEntry
	OpOpenHandle
	OpCloseHandle
	OpReadHandle
	OpWriteHandle
	OpTruncateHandle
	OpSetFileTime
	OpGetDiskStats
)

func (o Op) String() string {
	switch o {
	case OpStatFile:
		return "StatFile"
	case OpListDirectory:
		return "ListDirectory"
	case OpCreateDirectory:
		return "CreateDirectory"
	case OpCheckRemoveFile:
		return "CheckRemoveFile"
	case OpCheckRemoveDirectory:
		return "CheckRemoveDirectory"
	case OpRemoveFile:
		return "RemoveFile"
	case OpRemoveDirectory:
		return "RemoveDirectory"
	case OpMoveEntry:
		return "MoveEntry"
	case OpOpenHandle:
		return "OpenHandle"
	case OpCloseHandle:
		return "CloseHandle"
	case OpReadHandle:
		return "ReadHandle"
	case OpWriteHandle:
		return "WriteHandle"
	case OpTruncateHandle:
		return "TruncateHandle"
	case OpSetFileTime:
		return "SetFileTime"
	case OpGetDiskStats:
		return "GetDiskStats"
	default:
		return fmt.Sprintf("Op(%d)", byte(o))
	}
}

// Status identifies a response's outcome. Encoded as a single byte in the
// order below, starting at zero.
type Status byte

const (
	StatusSuccess Status = iota
	StatusGenericFailure
	StatusAccessDenied
	StatusNotADirectory
	StatusNotAFile
	StatusFileNotFound
	StatusFileExists
	StatusDirectoryNotEmpty
	StatusNoMoreEntries
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusGenericFailure:
		return "GenericFailure"
	case StatusAccessDenied:
		return "AccessDenied"
	case StatusNotADirectory:
		return "NotADirectory"
	case StatusNotAFile:
		return "NotAFile"
	case StatusFileNotFound:
		return "FileNotFound"
	case StatusFileExists:
		return "FileExists"
	case StatusDirectoryNotEmpty:
		return "DirectoryNotEmpty"
	case StatusNoMoreEntries:
		return "NoMoreEntries"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

// Err adapts a non-success status into an error, or nil for StatusSuccess.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError wraps a non-success protocol status as a Go error.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "nandroidfs: " + e.Status.String()
}

// OpenMode is the protocol's creation-disposition enumeration. It occupies
// the low 6 bits of OpenHandle's mode-and-permissions byte; the top two
// bits separately flag read and write access (see AccessRead and
// AccessWrite).
type OpenMode byte

const (
	OpenOnly OpenMode = iota
	CreateIfNotExist
	Truncate
	CreateOrTruncate
	CreateAlways
)

// Access bit flags, packed into the top two bits alongside OpenMode.
const (
	AccessRead  byte = 1 << 7
	AccessWrite byte = 1 << 6
	modeMask    byte = 0x3F
)

// OpenFlags packs an OpenMode and read/write access bits into the single
// byte OpenHandle transmits on the wire.
type OpenFlags struct {
	Mode  OpenMode
	Read  bool
	Write bool
}

// Byte encodes the flags into the wire's single mode-and-permissions byte.
func (f OpenFlags) Byte() byte {
	b := byte(f.Mode) & modeMask
	if f.Read {
		b |= AccessRead
	}
	if f.Write {
		b |= AccessWrite
	}
	return b
}

// ParseOpenFlags decodes the wire's mode-and-permissions byte.
func ParseOpenFlags(b byte) OpenFlags {
	return OpenFlags{
		Mode:  OpenMode(b & modeMask),
		Read:  b&AccessRead != 0,
		Write: b&AccessWrite != 0,
	}
}

// FileStat carries POSIX mode, size, and second-resolution access/write
// times. Finer-than-second precision is never guaranteed, on the wire or
// in the caches that store it.
type FileStat struct {
	Mode       uint16
	Size       uint64
	AccessTime uint64
	WriteTime  uint64
}

// DiskStats reports free, available, and total space, all in bytes.
type DiskStats struct {
	FreeBytes      uint64
	AvailableBytes uint64
	TotalBytes     uint64
}

// FileHandle is the opaque 32-bit descriptor the agent issues from
// OpenHandle. NoHandle is the host-side sentinel meaning "no underlying
// handle was opened" (a metadata-only open).
type FileHandle uint32

// NoHandle is -1 reinterpreted as a uint32, the sentinel for "no
// underlying handle opened".
const NoHandle FileHandle = 0xFFFFFFFF

// MaxStringLen is the hard limit on any wire string.
const MaxStringLen = 65535
