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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"

	"github.com/lauriethefish/nandroidfs/internal/config"
	"github.com/lauriethefish/nandroidfs/internal/device"
	"github.com/lauriethefish/nandroidfs/internal/hostconn"
	"github.com/lauriethefish/nandroidfs/internal/logging"
	"github.com/lauriethefish/nandroidfs/internal/mountfs"
	"github.com/lauriethefish/nandroidfs/internal/telemetry"
	"github.com/lauriethefish/nandroidfs/internal/tracker"
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Run the device discovery loop, mounting every connected device",
	RunE:  runTracker,
}

// runTracker re-execs itself in the background when cfg.Background is set
// (the same daemonize.Run/daemonize.SignalOutcome handshake used for
// background re-exec), or runs the loop directly in the foreground.
func runTracker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Background {
		return daemonizeSelf()
	}

	return runTrackerForeground(cfg)
}

func daemonizeSelf() error {
	exe, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("nandroidfs: osext.Executable: %w", err)
	}

	daemonArgs := append([]string{"tracker", "--background=false"}, os.Args[2:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(exe, daemonArgs, env, os.Stdout); err != nil {
		return fmt.Errorf("nandroidfs: daemonize.Run: %w", err)
	}
	logging.Infof("nandroidfs: tracker started in background")
	return nil
}

// runTrackerForeground builds the tracker and blocks in its poll loop.
// daemonize.SignalOutcome is called exactly once: on a setup failure
// before the loop starts, or on successfully reaching it — never again
// once the loop itself is running, since by then any daemonize parent has
// already detached.
func runTrackerForeground(cfg config.Config) error {
	signalOutcome := func(err error) {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logging.Errorf("nandroidfs: failed to signal outcome to parent: %v", err2)
		}
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsAddr != "" {
		if _, err := telemetry.NewMeterProvider(); err != nil {
			err = fmt.Errorf("nandroidfs: metrics provider: %w", err)
			signalOutcome(err)
			return err
		}
		var err error
		metrics, err = telemetry.New()
		if err != nil {
			err = fmt.Errorf("nandroidfs: metrics: %w", err)
			signalOutcome(err)
			return err
		}
		go serveMetrics(cfg.MetricsAddr)
	}

	bridge := newBridge(cfg)
	tr := tracker.New(bridge, tracker.Options{
		PollInterval: cfg.PollInterval,
		BaseHostPort: cfg.BaseHostPort,
		Mounter:      mountfs.Factory(),
		Metrics:      metrics,
		InstanceOptions: device.Options{
			AgentLocalPath: cfg.AgentLocalPath,
			StartupTimeout: cfg.StartupTimeout,
			MountPointBase: cfg.MountPointBase,
			Conn: hostconn.Options{
				StatTTL:        cfg.StatTTL,
				StatScanPeriod: cfg.StatScanPeriod,
				BufferSize:     cfg.BufferSize,
				Metrics:        metrics,
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Infof("nandroidfs: tracker: shutting down")
		tr.Stop()
	}()

	logging.Infof("nandroidfs: tracker: started, polling every %s", cfg.PollInterval)
	signalOutcome(nil)

	return tr.Run(ctx)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Errorf("nandroidfs: metrics server: %v", err)
	}
}
