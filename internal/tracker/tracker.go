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

// Package tracker implements the device tracker: a periodic discovery
// loop that brings up instances for newly-seen devices, tears down
// instances for devices no longer reported, and quarantines any serial
// whose bring-up fails.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lauriethefish/nandroidfs/internal/adb"
	"github.com/lauriethefish/nandroidfs/internal/device"
	"github.com/lauriethefish/nandroidfs/internal/logging"
	"github.com/lauriethefish/nandroidfs/internal/telemetry"
)

// Options configures a Tracker.
type Options struct {
	PollInterval time.Duration // default 500ms, within the 250ms-1s reference range
	BaseHostPort int           // default 25989, first port handed to an instance

	InstanceOptions device.Options
	Mounter         device.MounterFactory

	Metrics *telemetry.Metrics // optional; nil disables live-device gauge updates
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BaseHostPort == 0 {
		o.BaseHostPort = 25989
	}
	return o
}

// Tracker owns the map of live device instances. One poll goroutine runs
// for the life of Run.
type Tracker struct {
	bridge *adb.Client
	opts   Options

	mu          sync.Mutex
	live        map[string]*device.Instance
	quarantined map[string]error
	nextPort    int

	stop chan struct{}
	once sync.Once
}

// New constructs a Tracker that has not yet started polling.
func New(bridge *adb.Client, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		bridge:      bridge,
		opts:        opts,
		live:        make(map[string]*device.Instance),
		quarantined: make(map[string]error),
		nextPort:    opts.BaseHostPort,
		stop:        make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called, whichever comes
// first, tearing down every live instance before returning.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.teardownAll(context.Background())

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	if err := t.poll(ctx); err != nil {
		logging.Warnf("nandroidfs: tracker: initial poll: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop:
			return nil
		case <-ticker.C:
			if err := t.poll(ctx); err != nil {
				logging.Warnf("nandroidfs: tracker: poll: %v", err)
			}
		}
	}
}

// Stop wakes Run immediately, a condition-variable-style shutdown
// signal.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Poll runs one discovery pass outside of Run, for the "nandroidfs
// devices" diagnostic command.
func (t *Tracker) Poll(ctx context.Context) error {
	return t.poll(ctx)
}

// TeardownAll tears down every instance this Tracker currently has live,
// for callers (like "nandroidfs devices") that bring instances up outside
// of Run and must clean up before exiting.
func (t *Tracker) TeardownAll(ctx context.Context) {
	t.teardownAll(ctx)
}

// poll runs one discovery pass: bring up instances for newly-seen,
// non-quarantined serials; tear down instances for serials no longer
// reported.
func (t *Tracker) poll(ctx context.Context) error {
	serials, err := t.bridge.Devices(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(serials))
	for _, s := range serials {
		seen[s] = true
	}

	t.mu.Lock()
	var toBegin []string
	for _, s := range serials {
		if t.live[s] == nil && t.quarantined[s] == nil {
			toBegin = append(toBegin, s)
		}
	}
	var toEnd []*device.Instance
	for s, inst := range t.live {
		if !seen[s] {
			toEnd = append(toEnd, inst)
			delete(t.live, s)
		}
	}
	t.mu.Unlock()

	for _, inst := range toEnd {
		logging.Infof("nandroidfs: %s: no longer reported, tearing down", inst.Serial)
		if err := inst.Teardown(ctx); err != nil {
			logging.Warnf("nandroidfs: %s: teardown: %v", inst.Serial, err)
		}
	}

	if len(toBegin) > 0 {
		g, gctx := errgroup.WithContext(context.Background())
		for _, serial := range toBegin {
			port := t.reservePort()
			g.Go(func() error {
				t.bringUp(gctx, serial, port)
				return nil
			})
		}
		_ = g.Wait()
	}

	t.reportLiveCount()
	return nil
}

func (t *Tracker) reservePort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := t.nextPort
	t.nextPort++
	return port
}

// bringUp instantiates and begins one device, quarantining it on failure.
// There is no automatic retry.
func (t *Tracker) bringUp(ctx context.Context, serial string, port int) {
	inst := device.New(serial, port, t.bridge, t.opts.Mounter, t.opts.InstanceOptions)
	if err := inst.Begin(ctx); err != nil {
		logging.Warnf("nandroidfs: %s: bring-up failed, quarantining: %v", serial, err)
		t.mu.Lock()
		t.quarantined[serial] = err
		t.mu.Unlock()
		return
	}

	logging.Infof("nandroidfs: %s: mounted at %s", serial, inst.MountPoint())
	t.mu.Lock()
	t.live[serial] = inst
	t.mu.Unlock()
}

func (t *Tracker) reportLiveCount() {
	if t.opts.Metrics == nil {
		return
	}
	t.mu.Lock()
	n := len(t.live)
	t.mu.Unlock()
	t.opts.Metrics.SetLiveDevices(n)
}

func (t *Tracker) teardownAll(ctx context.Context) {
	t.mu.Lock()
	instances := make([]*device.Instance, 0, len(t.live))
	for serial, inst := range t.live {
		instances = append(instances, inst)
		delete(t.live, serial)
	}
	t.mu.Unlock()

	for _, inst := range instances {
		if err := inst.Teardown(ctx); err != nil {
			logging.Warnf("nandroidfs: %s: teardown: %v", inst.Serial, err)
		}
	}
}

// Live returns the serials currently mounted, sorted for deterministic
// display.
func (t *Tracker) Live() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	serials := make([]string, 0, len(t.live))
	for s := range t.live {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}

// Quarantined returns the serials currently quarantined, sorted for
// deterministic display. It exists for the "nandroidfs devices"
// diagnostic command and for tests.
func (t *Tracker) Quarantined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	serials := make([]string, 0, len(t.quarantined))
	for s := range t.quarantined {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}

// Forget clears serial's quarantine so the next poll retries it — the
// external escape hatch for the otherwise-permanent "no automatic retry"
// rule, exposed as the CLI's "--clear-quarantine" flag.
func (t *Tracker) Forget(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.quarantined, serial)
}
