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

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lauriethefish/nandroidfs/internal/device"
	"github.com/lauriethefish/nandroidfs/internal/hostconn"
	"github.com/lauriethefish/nandroidfs/internal/mountfs"
	"github.com/lauriethefish/nandroidfs/internal/tracker"
)

var clearQuarantine string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Perform one discovery pass and print live/quarantined devices",
	Long: `There is no IPC to a running "nandroidfs tracker" process, so this
command brings up its own short-lived tracker, runs a single discovery
pass, prints what it found, and tears everything back down.`,
	RunE: runDevices,
}

func init() {
	devicesCmd.Flags().StringVar(&clearQuarantine, "clear-quarantine", "", "forget a quarantined serial before polling")
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bridge := newBridge(cfg)
	tr := tracker.New(bridge, tracker.Options{
		BaseHostPort: cfg.BaseHostPort,
		Mounter:      mountfs.Factory(),
		InstanceOptions: device.Options{
			AgentLocalPath: cfg.AgentLocalPath,
			StartupTimeout: cfg.StartupTimeout,
			MountPointBase: cfg.MountPointBase,
			Conn: hostconn.Options{
				StatTTL:        cfg.StatTTL,
				StatScanPeriod: cfg.StatScanPeriod,
				BufferSize:     cfg.BufferSize,
			},
		},
	})

	if clearQuarantine != "" {
		tr.Forget(clearQuarantine)
	}

	ctx := context.Background()
	if err := tr.Poll(ctx); err != nil {
		return fmt.Errorf("nandroidfs: discovery pass: %w", err)
	}

	live := tr.Live()
	quarantined := tr.Quarantined()

	fmt.Printf("live (%d):\n", len(live))
	for _, serial := range live {
		fmt.Printf("  %s\n", serial)
	}
	fmt.Printf("quarantined (%d):\n", len(quarantined))
	for _, serial := range quarantined {
		fmt.Printf("  %s\n", serial)
	}

	// This is a one-shot diagnostic, not a resident daemon; tear back down
	// whatever this pass mounted rather than leaving it orphaned once the
	// process exits.
	tr.TeardownAll(ctx)
	return nil
}
