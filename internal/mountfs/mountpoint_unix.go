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

//go:build !windows

package mountfs

import (
	"os"
	"path/filepath"
)

// mountPointFor creates (if needed) and returns a per-device mount
// directory under the OS temp dir, the non-Windows analogue of the
// drive-letter walk in mountpoint_windows.go.
func mountPointFor(_, label string) string {
	dir := filepath.Join(os.TempDir(), "nandroidfs", label)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}
