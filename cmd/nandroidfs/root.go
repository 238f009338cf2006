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
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/osext"
	"github.com/spf13/cobra"

	"github.com/lauriethefish/nandroidfs/internal/adb"
	"github.com/lauriethefish/nandroidfs/internal/config"
	"github.com/lauriethefish/nandroidfs/internal/logging"
)

var bindErr error

var rootCmd = &cobra.Command{
	Use:   "nandroidfs",
	Short: "Mount Android devices as host filesystems over adb",
}

func init() {
	bindErr = config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(trackerCmd, devicesCmd)
}

// Execute runs the selected subcommand.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig binds flags, applies logging, and resolves AgentLocalPath
// relative to this executable when the flag is left empty.
func loadConfig() (config.Config, error) {
	if bindErr != nil {
		return config.Config{}, bindErr
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	if cfg.LogFilePath != "" {
		if err := logging.InitFile(cfg.LogFilePath, cfg.LogSeverity, cfg.LogFormat, logging.DefaultRotateConfig()); err != nil {
			return config.Config{}, fmt.Errorf("nandroidfs: init log file: %w", err)
		}
	} else {
		logging.SetSeverity(cfg.LogSeverity)
		logging.SetFormat(cfg.LogFormat)
	}

	if cfg.AgentLocalPath == "" {
		exe, err := osext.Executable()
		if err != nil {
			return config.Config{}, fmt.Errorf("nandroidfs: resolve host executable: %w", err)
		}
		cfg.AgentLocalPath = filepath.Join(filepath.Dir(exe), "nandroid-agent")
	}

	return cfg, nil
}

func newBridge(cfg config.Config) *adb.Client {
	return adb.New(cfg.AgentBridgePath)
}
