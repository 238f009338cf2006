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

// Package config defines nandroidfs's Config struct and its binding to
// cobra/pflag flags and viper, following cmd/root.go's
// cobra.OnInitialize(initConfig) + viper.Unmarshal pattern.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is unmarshalled from flags/env/file by viper via mapstructure,
// with defaults applied before flags and environment override them.
type Config struct {
	AgentBridgePath string `mapstructure:"agent-bridge-path"`
	AgentLocalPath  string `mapstructure:"agent-local-path"`

	BaseHostPort int           `mapstructure:"base-host-port"`
	PollInterval time.Duration `mapstructure:"poll-interval"`

	StatTTL        time.Duration `mapstructure:"stat-ttl"`
	StatScanPeriod time.Duration `mapstructure:"stat-scan-period"`
	BufferSize     int           `mapstructure:"buffer-size"`

	StartupTimeout time.Duration `mapstructure:"startup-timeout"`

	MountPointBase string `mapstructure:"mount-point-base"`

	LogSeverity string `mapstructure:"log-severity"`
	LogFormat   string `mapstructure:"log-format"`
	LogFilePath string `mapstructure:"log-file-path"`

	MetricsAddr string `mapstructure:"metrics-addr"`

	Background bool `mapstructure:"background"`
}

// Default returns the reference defaults used when a flag is left unset.
func Default() Config {
	return Config{
		AgentBridgePath: "adb",
		AgentLocalPath:  "",
		BaseHostPort:    25989,
		PollInterval:    500 * time.Millisecond,
		StatTTL:         200 * time.Millisecond,
		StatScanPeriod:  5 * time.Second,
		BufferSize:      4096,
		StartupTimeout:  15 * time.Second,
		MountPointBase:  "D",
		LogSeverity:     "INFO",
		LogFormat:       "text",
		LogFilePath:     "",
		MetricsAddr:     "",
		Background:      false,
	}
}

// BindFlags registers every Config field as a persistent pflag and binds it
// into viper, mirroring cfg.BindFlags's role in cmd/root.go.
func BindFlags(flags *pflag.FlagSet) error {
	d := Default()

	flags.String("agent-bridge-path", d.AgentBridgePath, "path to the device-bridge (adb-equivalent) binary")
	flags.String("agent-local-path", d.AgentLocalPath, "path to the agent binary to push, relative to the host executable if empty")
	flags.Int("base-host-port", d.BaseHostPort, "first host port assigned to device connections")
	flags.Duration("poll-interval", d.PollInterval, "device discovery poll interval")
	flags.Duration("stat-ttl", d.StatTTL, "stat/listing cache entry TTL")
	flags.Duration("stat-scan-period", d.StatScanPeriod, "cache expired-entry sweep period")
	flags.Int("buffer-size", d.BufferSize, "wire codec buffer size in bytes")
	flags.Duration("startup-timeout", d.StartupTimeout, "bound on waiting for the agent ready marker")
	flags.String("mount-point-base", d.MountPointBase, "first drive letter tried when mounting")
	flags.String("log-severity", d.LogSeverity, "TRACE, DEBUG, INFO, WARNING, ERROR, or OFF")
	flags.String("log-format", d.LogFormat, "text or json")
	flags.String("log-file-path", d.LogFilePath, "log file path; empty logs to stderr")
	flags.String("metrics-addr", d.MetricsAddr, "address to serve /metrics on; empty disables it")
	flags.Bool("background", d.Background, "self-daemonize the tracker process")

	return viper.BindPFlags(flags)
}

// decodeHook applies mapstructure's duration hook so flag/viper string
// values like "250ms" unmarshal straight into time.Duration fields.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
}

// Load unmarshals the bound viper state into a Config.
func Load() (Config, error) {
	cfg := Default()
	if err := viper.Unmarshal(&cfg, decodeHook()); err != nil {
		return Config{}, fmt.Errorf("nandroidfs: unmarshal config: %w", err)
	}
	return cfg, nil
}
