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

import "fmt"

// DescribeRequest renders a one-line human-readable summary of a request
// for debug logging, mirroring the role fuseutil's debug helpers play for
// tracing fuse ops: never part of the wire format itself.
func DescribeRequest(op Op, path string) string {
	if path == "" {
		return op.String()
	}
	return fmt.Sprintf("%s(%q)", op, path)
}

// DescribeResponse renders a one-line human-readable summary of a response.
func DescribeResponse(op Op, status Status) string {
	return fmt.Sprintf("%s -> %s", op, status)
}
