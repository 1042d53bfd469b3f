/*
Copyright 2024 The Spotalis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides structured JSON logging for the admission
// webhook, integrated with the controller-runtime logging framework.
package logging

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Logger wraps the controller-runtime logger.
type Logger struct {
	logr.Logger
	level string
}

// New builds a JSON structured logger at the given level (debug, info,
// warn, error). An unrecognized level falls back to info.
func New(level string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "msg"
	encoderConfig.CallerKey = "caller"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	zapLevel := parseLevel(level)
	opts := ctrlzap.Options{
		Development: false,
		Encoder:     zapcore.NewJSONEncoder(encoderConfig),
		Level:       &zapLevel,
	}

	return &Logger{
		Logger: ctrlzap.New(ctrlzap.UseFlagOptions(&opts)),
		level:  level,
	}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithValues returns a logger carrying the given key-value pairs on
// every subsequent log line.
func (l *Logger) WithValues(keysAndValues ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.WithValues(keysAndValues...), level: l.level}
}

// WithName returns a logger scoped under the given component name.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{Logger: l.Logger.WithName(name), level: l.level}
}
