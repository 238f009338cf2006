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

//go:build windows

package mountfs

import "os"

// mountPointFor walks drive letters starting at base (e.g. "D") until it
// finds one with nothing mounted there yet.
func mountPointFor(base, _ string) string {
	for letter := base[0]; letter <= 'Z'; letter++ {
		candidate := string(letter) + ":"
		if _, err := os.Stat(candidate + `\`); os.IsNotExist(err) {
			return candidate
		}
	}
	return base + ":"
}
