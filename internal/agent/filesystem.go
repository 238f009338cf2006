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

import "github.com/lauriethefish/nandroidfs/internal/wire"

// FileSystem is the syscall boundary the Dispatcher is built against,
// one method per protocol operation. Splitting it out of Dispatcher lets
// tests substitute an in-memory implementation instead of touching a real
// filesystem.
type FileSystem interface {
	Stat(path string) (wire.FileStat, wire.Status)
	ListDirectory(path string) ([]string, wire.Status)
	CreateDirectory(path string) wire.Status
	CheckRemoveFile(path string) wire.Status
	CheckRemoveDirectory(path string) wire.Status
	RemoveFile(path string) wire.Status
	RemoveDirectory(path string) wire.Status
	MoveEntry(from, to string, overwrite bool) wire.Status
	OpenHandle(path string, flags wire.OpenFlags) (wire.FileHandle, wire.Status)
	CloseHandle(handle wire.FileHandle)
	ReadHandle(handle wire.FileHandle, offset int64, length int) ([]byte, wire.Status)
	WriteHandle(handle wire.FileHandle, offset int64, data []byte) wire.Status
	TruncateHandle(handle wire.FileHandle, length int64) wire.Status
	SetFileTime(path string, atime, mtime int64) wire.Status
	GetDiskStats() (wire.DiskStats, wire.Status)
}
