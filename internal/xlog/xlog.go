/*
 * Copyright (c) 2026, xcm contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package xlog exposes a small logging interface, decoupled from any
// concrete sink: callers may supply their own implementation, but the
// default is backed by logrus.
package xlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured logging fields.
type Fields map[string]interface{}

// Trace is a logger bound to a single log line, already carrying its
// severity.
type Trace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// Logger is the sink every internal package logs through. Nothing in
// internal/ctl or internal/tp calls logrus directly.
type Logger interface {
	WithFields(fields Fields) Trace
}

var (
	mu      sync.RWMutex
	current Logger = NewLogrusLogger(logrus.StandardLogger())
)

// Set replaces the process-wide default logger.
func Set(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Get returns the process-wide default logger.
func Get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

type logrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger adapts a *logrus.Logger to Logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return &logrusLogger{entry: l}
}

func (l *logrusLogger) WithFields(fields Fields) Trace {
	return &logrusTrace{entry: l.entry.WithFields(logrus.Fields(fields))}
}

type logrusTrace struct {
	entry *logrus.Entry
}

func (t *logrusTrace) Debug(args ...interface{})   { t.entry.Debug(args...) }
func (t *logrusTrace) Info(args ...interface{})    { t.entry.Info(args...) }
func (t *logrusTrace) Warning(args ...interface{}) { t.entry.Warning(args...) }
func (t *logrusTrace) Error(args ...interface{})   { t.entry.Error(args...) }
