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

// Package device implements the per-device instance lifecycle: push the
// agent, forward a port, spawn it, wait for its ready marker, connect,
// mount; then tear down in the order that keeps every step safe.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lauriethefish/nandroidfs/internal/adb"
	"github.com/lauriethefish/nandroidfs/internal/agentproto"
	"github.com/lauriethefish/nandroidfs/internal/hostconn"
	"github.com/lauriethefish/nandroidfs/internal/logging"
)

// State is a condition-variable-coordinated state variant, used in place
// of ad-hoc booleans.
type State int

const (
	StateStarting State = iota
	StateReady
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// ErrStartupTimeout is returned by Begin when the agent never reaches
// its ready marker within Options.StartupTimeout.
var ErrStartupTimeout = errors.New("nandroidfs: agent startup timed out")

// Mounter abstracts the host filesystem driver binding (internal/mountfs)
// away from the lifecycle logic, so Instance is testable without
// cgofuse.
type Mounter interface {
	// Mount publishes conn's filesystem at a mount point derived from
	// mountPointBase (the drive-letter-walk rule on Windows is the
	// mountfs implementation's concern, not this interface's) and
	// returns the mount point reached.
	Mount(conn *hostconn.Connection, mountPointBase, volumeLabel string) (string, error)
	Unmount() error
}

// MounterFactory builds a fresh Mounter for one instance's connection.
type MounterFactory func() Mounter

// Options configures one instance's lifecycle, generally copied from
// internal/config.Config.
type Options struct {
	AgentLocalPath string // local path to the agent binary to push
	RemotePath     string // defaults to agentproto.RemotePath
	DevicePort     int    // defaults to agentproto.DevicePort

	StartupTimeout time.Duration // defaults to 15s
	TeardownWait   time.Duration // defaults to 2s

	MountPointBase string // defaults to "D"

	Conn hostconn.Options
}

func (o Options) withDefaults() Options {
	if o.RemotePath == "" {
		o.RemotePath = agentproto.RemotePath
	}
	if o.DevicePort == 0 {
		o.DevicePort = agentproto.DevicePort
	}
	if o.StartupTimeout == 0 {
		o.StartupTimeout = 15 * time.Second
	}
	if o.TeardownWait == 0 {
		o.TeardownWait = 2 * time.Second
	}
	if o.MountPointBase == "" {
		o.MountPointBase = "D"
	}
	return o
}

// Instance owns exactly one agent process and one connection, from
// Begin to Teardown.
type Instance struct {
	Serial   string
	HostPort int

	bridge  *adb.Client
	mounter MounterFactory
	opts    Options

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	exitReason error

	proc       *adb.Process
	conn       *hostconn.Connection
	mount      Mounter
	mountPoint string
}

// New constructs an instance that has not yet been brought up.
func New(serial string, hostPort int, bridge *adb.Client, mounter MounterFactory, opts Options) *Instance {
	i := &Instance{
		Serial:   serial,
		HostPort: hostPort,
		bridge:   bridge,
		mounter:  mounter,
		opts:     opts.withDefaults(),
		state:    StateStarting,
	}
	i.cond = sync.NewCond(&i.mu)
	return i
}

func (i *Instance) setState(s State, reason error) {
	i.mu.Lock()
	i.state = s
	i.exitReason = reason
	i.mu.Unlock()
	i.cond.Broadcast()
}

// State returns the instance's current lifecycle state.
func (i *Instance) State() (State, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.exitReason
}

// MountPoint reports where the instance is mounted, once Begin succeeds.
func (i *Instance) MountPoint() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mountPoint
}

// Begin executes the five-step bring-up: push, forward, spawn, wait,
// connect and mount. On any failure it tears down whatever was already
// started and returns the error; the caller (internal/tracker)
// quarantines the serial.
func (i *Instance) Begin(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			i.setState(StateExited, err)
			i.teardownPartial()
		}
	}()

	if err = i.bridge.Push(ctx, i.Serial, i.opts.AgentLocalPath, i.opts.RemotePath); err != nil {
		return fmt.Errorf("nandroidfs: push agent to %s: %w", i.Serial, err)
	}
	if err = i.bridge.Chmod(ctx, i.Serial, i.opts.RemotePath); err != nil {
		return fmt.Errorf("nandroidfs: chmod agent on %s: %w", i.Serial, err)
	}
	if err = i.bridge.Forward(ctx, i.Serial, i.HostPort, i.opts.DevicePort); err != nil {
		return fmt.Errorf("nandroidfs: forward port for %s: %w", i.Serial, err)
	}

	proc, err := i.bridge.ShellExec(ctx, i.Serial, i.opts.RemotePath, agentproto.ReadyMarker,
		func(line string) { logging.Infof("nandroidfs: %s: %s", i.Serial, line) },
		func() { i.setState(StateReady, nil) })
	if err != nil {
		return fmt.Errorf("nandroidfs: spawn agent on %s: %w", i.Serial, err)
	}
	i.proc = proc

	go func() {
		waitErr := proc.Wait(context.Background())
		i.mu.Lock()
		alreadyExited := i.state == StateExited
		i.mu.Unlock()
		if !alreadyExited {
			i.setState(StateExited, waitErr)
		}
	}()

	if err = i.waitForReady(ctx); err != nil {
		return err
	}

	connOpts := i.opts.Conn
	connOpts.Serial = i.Serial
	addr := fmt.Sprintf("127.0.0.1:%d", i.HostPort)
	conn, err := hostconn.Dial(addr, connOpts)
	if err != nil {
		return fmt.Errorf("nandroidfs: connect to agent on %s: %w", i.Serial, err)
	}
	i.conn = conn

	mounter := i.mounter()
	mountPoint, err := mounter.Mount(conn, i.opts.MountPointBase, i.Serial)
	if err != nil {
		return fmt.Errorf("nandroidfs: mount %s: %w", i.Serial, err)
	}
	i.mount = mounter
	i.mu.Lock()
	i.mountPoint = mountPoint
	i.mu.Unlock()

	return nil
}

// waitForReady blocks on the Starting->Ready/Exited transition, bounded
// by Options.StartupTimeout and ctx.
func (i *Instance) waitForReady(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		i.mu.Lock()
		for i.state == StateStarting {
			i.cond.Wait()
		}
		state, reason := i.state, i.exitReason
		i.mu.Unlock()

		if state == StateExited {
			result <- fmt.Errorf("nandroidfs: agent on %s exited before becoming ready: %w", i.Serial, reason)
			return
		}
		result <- nil
	}()

	timeout := time.NewTimer(i.opts.StartupTimeout)
	defer timeout.Stop()

	select {
	case err := <-result:
		return err
	case <-timeout.C:
		return fmt.Errorf("nandroidfs: %s: %w", i.Serial, ErrStartupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardownPartial best-effort releases whatever Begin managed to acquire
// before failing; errors are logged, not returned (Begin already has one).
func (i *Instance) teardownPartial() {
	if i.proc != nil {
		_ = i.proc.Kill()
	}
	if i.conn != nil {
		_ = i.conn.Close()
	}
}

// Teardown unmounts first (drains in-flight callbacks), then closes the
// connection (drives the agent to EOF), bounded-waits on the agent
// process, then forces a kill by name.
func (i *Instance) Teardown(ctx context.Context) error {
	var errs []error

	if i.mount != nil {
		if err := i.mount.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", i.Serial, err))
		}
	}

	if i.conn != nil {
		stats := i.conn.CacheStats()
		logging.Infof("nandroidfs: %s: cache hit rates: stat=%.2f listing=%.2f",
			i.Serial, stats.Stat.HitRate(), stats.Listing.HitRate())
		if err := i.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection to %s: %w", i.Serial, err))
		}
	}

	if i.proc != nil {
		waitCtx, cancel := context.WithTimeout(ctx, i.opts.TeardownWait)
		waitErr := i.proc.Wait(waitCtx)
		cancel()

		if exited, _ := i.proc.Exited(); !exited {
			if err := i.bridge.KillByName(ctx, i.Serial, agentproto.DaemonProcessName); err != nil {
				errs = append(errs, fmt.Errorf("force-kill agent on %s: %w", i.Serial, err))
			}
			_ = i.proc.Wait(context.Background())
		} else if waitErr != nil {
			logging.Debugf("nandroidfs: %s: agent exited: %v", i.Serial, waitErr)
		}
	}

	i.setState(StateExited, errors.Join(errs...))
	return errors.Join(errs...)
}
