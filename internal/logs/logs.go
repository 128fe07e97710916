// Copyright 2023 SPPMon Authors
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

package logs

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sppmontools/sppmon/internal/version"
)

// StructuredLogger is the logging surface the collectors and clients use.
type StructuredLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

// Options configures log destinations. The agent always writes a rotated
// log file when one is configured; Verbose mirrors everything to stderr,
// Debug lowers the level.
type Options struct {
	File    string
	Verbose bool
	Debug   bool
}

// New builds the process logger: JSON lines into a size-rotated file, with
// an optional console mirror.
func New(opts Options) *ZapStructuredLogger {
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.MessageKey = "message"
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var cores []zapcore.Core
	if opts.File != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // MiB
			MaxBackups: 5,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), rotated, level))
	}
	if opts.Verbose || opts.File == "" {
		console := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
		cores = append(cores, console)
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCallerSkip(1))
	sugar := logger.Sugar().With(
		zap.String("sppmon-version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

// DiscardLogger swallows everything; used by tests.
func DiscardLogger() *ZapStructuredLogger {
	observedZapCore, _ := observer.New(zap.InfoLevel)
	observedLogger := zap.New(observedZapCore)
	return &ZapStructuredLogger{logger: observedLogger.Sugar()}
}

// Default logs to stderr in production format.
func Default() *ZapStructuredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		return DiscardLogger()
	}
	sugar := logger.Sugar().With(
		zap.String("sppmon-version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

func (f *ZapStructuredLogger) Debugf(format string, v ...any) {
	f.logger.Debugf(format, v...)
}

func (f *ZapStructuredLogger) Infof(format string, v ...any) {
	f.logger.Infof(format, v...)
}

func (f *ZapStructuredLogger) Warnf(format string, v ...any) {
	f.logger.Warnf(format, v...)
}

func (f *ZapStructuredLogger) Errorf(format string, v ...any) {
	f.logger.Errorf(format, v...)
}

// Sync flushes buffered log entries at shutdown.
func (f *ZapStructuredLogger) Sync() error {
	return f.logger.Sync()
}
