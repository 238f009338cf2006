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

// Package logging is the host side's sole writer of operational output.
// Every other host-side package logs through here, never
// log.Printf/fmt.Println, so that a daemonized tracker process never
// corrupts stdout and every line carries a consistent severity/format. The
// device-side agent (internal/agent, cmd/nandroid-agent) does not use it;
// it logs to stderr through the standard log package.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity strings accepted by internal/config and SetSeverity.
const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

// slog only defines Debug/Info/Warn/Error; Trace sits one tick below Debug
// and Off sits above Error, both reachable only through our LevelVar.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// RotateConfig mirrors lumberjack's rotation knobs. internal/config does
// not expose them; the CLI passes DefaultRotateConfig to InitFile.
type RotateConfig struct {
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxSizeMB: 100, MaxBackups: 5, Compress: true}
}

type factory struct {
	format string // "text" or "json"
	level  *slog.LevelVar
	async  *AsyncLogger // non-nil once a file target is configured
}

var defaultFactory = &factory{format: "text", level: new(slog.LevelVar)}
var defaultLogger = slog.New(defaultFactory.handler(os.Stderr))

func (f *factory) handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: f.level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
				a.Key = "severity"
			}
			if a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return Trace
	case l < LevelInfo:
		return Debug
	case l < LevelWarn:
		return Info
	case l < LevelError:
		return Warning
	case l < LevelOff:
		return Error
	default:
		return Off
	}
}

func levelFor(severity string) slog.Level {
	switch severity {
	case Trace:
		return LevelTrace
	case Debug:
		return LevelDebug
	case Warning:
		return LevelWarn
	case Error:
		return LevelError
	case Off:
		return LevelOff
	default:
		return LevelInfo
	}
}

// SetSeverity sets the minimum severity logged.
func SetSeverity(severity string) {
	defaultFactory.level.Set(levelFor(severity))
}

// SetFormat selects "text" (default) or "json" output.
func SetFormat(format string) {
	defaultFactory.format = format
	target := io.Writer(os.Stderr)
	if defaultFactory.async != nil {
		target = defaultFactory.async
	}
	defaultLogger = slog.New(defaultFactory.handler(target))
}

// InitFile redirects output to path, rotated through lumberjack and
// decoupled from callers by an AsyncLogger so a slow disk never blocks
// the calling goroutine.
func InitFile(path string, severity string, format string, rotate RotateConfig) error {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxSizeMB,
		MaxBackups: rotate.MaxBackups,
		Compress:   rotate.Compress,
	}
	async := NewAsyncLogger(lj, 256)

	defaultFactory.format = format
	defaultFactory.async = async
	defaultFactory.level.Set(levelFor(severity))
	defaultLogger = slog.New(defaultFactory.handler(async))
	return nil
}

func Tracef(format string, args ...any) { log(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { log(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { log(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { log(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { log(LevelError, format, args...) }

func log(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}
