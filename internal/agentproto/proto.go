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

// Package agentproto holds the handful of constants that both the host
// side (internal/hostconn, internal/device) and the device side
// (internal/agent) must agree on out-of-band: the handshake magic, the
// ready marker line, and the fixed device-side port.
package agentproto

// HandshakeMagic is the u32 the host writes and the agent echoes back.
const HandshakeMagic uint32 = 0xFAFE5ABE

// ReadyMarker is the well-known line the agent prints to stdout once the
// handshake has completed; the host's device-bridge stdout scanner gates
// connection establishment on seeing it.
const ReadyMarker = "nandroid-daemon: ready"

// DevicePort is the fixed TCP port the agent listens on inside the
// device's network namespace; the host maps it to a locally assigned port
// with the device-bridge's `forward` subcommand.
const DevicePort = 25989

// DefaultBaseHostPort is the reference starting point for the host side's
// per-device port assignment.
const DefaultBaseHostPort = 25989

// RemotePath is where the host pushes the agent binary on the device.
const RemotePath = "/data/local/tmp/nandroid-daemon"

// DaemonProcessName is the name the host uses to ask the device-bridge to
// kill the agent by name if it fails to exit after socket teardown.
const DaemonProcessName = "nandroid-daemon"
