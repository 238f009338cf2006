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

// nandroid-agent is the device-side half of the protocol: it listens on a
// fixed local port, serves exactly one client connection, and prints the
// ready marker once the handshake has completed so the host's
// device-bridge stdout scanner can gate connection setup.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/lauriethefish/nandroidfs/internal/agent"
	"github.com/lauriethefish/nandroidfs/internal/agentproto"
	"github.com/lauriethefish/nandroidfs/internal/wire"
)

func main() {
	mountRoot := flag.String("mount-root", "/sdcard", "fixed root GetDiskStats reports against")
	debug := flag.Bool("debug", false, "log one line per dispatched request to stderr")
	port := flag.Int("port", agentproto.DevicePort, "local TCP port to listen on")
	flag.Parse()

	log.SetOutput(os.Stderr)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *port))
	if err != nil {
		log.Fatalf("nandroid-agent: listen: %v", err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		log.Fatalf("nandroid-agent: accept: %v", err)
	}
	defer conn.Close()

	fs := agent.NewPosixFileSystem(*mountRoot)
	d := agent.New(conn, fs, wire.DefaultBufferSize)
	d.Debug = *debug

	if err := d.Handshake(); err != nil {
		log.Fatalf("nandroid-agent: handshake: %v", err)
	}

	// The ready marker is the sole stdout contract; nothing else may be
	// written to stdout once this line is printed.
	fmt.Println(agentproto.ReadyMarker)

	if err := d.Serve(); err != nil {
		log.Fatalf("nandroid-agent: serve: %v", err)
	}
}
