// Copyright 2018 The gVisor Authors.
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

// Package memlog is the logging facility used throughout the memory core.
// It mirrors the shape of gVisor's pkg/log: a leveled Emitter interface and
// a package-level default logger, trimmed to what a kernel subsystem (no
// log rotation, no structured fields) needs.
package memlog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a log message.
type Level int32

const (
	// Debug is used for nonessential messages, e.g. tracking internal state.
	Debug Level = iota
	// Info is used for informational messages, e.g. current progress.
	Info
	// Warning is used for warning messages that may indicate a problem.
	Warning
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// Emitter is the interface for anything that can emit logs.
type Emitter interface {
	// Emit writes the given message, which was formatted from args per
	// format, to the log. It may be called concurrently.
	Emit(level Level, timestamp time.Time, format string, args ...any)
}

// Writer implements Emitter by writing lines to an underlying *os.File,
// in the glog-compatible form gVisor's GoogleEmitter produces:
// "Lmmdd hh:mm:ss.uuuuuu msg".
type Writer struct {
	mu  sync.Mutex
	out *os.File
}

// NewWriter returns a Writer that writes to out.
func NewWriter(out *os.File) *Writer {
	return &Writer{out: out}
}

// Emit implements Emitter.Emit.
func (w *Writer) Emit(level Level, timestamp time.Time, format string, args ...any) {
	var tag byte
	switch level {
	case Debug:
		tag = 'D'
	case Info:
		tag = 'I'
	case Warning:
		tag = 'W'
	default:
		tag = '?'
	}
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	line := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %s\n",
		tag, int(month), day, hour, minute, second, timestamp.Nanosecond()/1000,
		fmt.Sprintf(format, args...))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out.WriteString(line)
}

// BasicLogger pairs an Emitter with a minimum level below which messages are
// dropped before they are formatted.
type BasicLogger struct {
	emitter Emitter
	level   atomic.Int32
}

// NewBasicLogger returns a BasicLogger that emits to e at or above min.
func NewBasicLogger(e Emitter, min Level) *BasicLogger {
	l := &BasicLogger{emitter: e}
	l.level.Store(int32(min))
	return l
}

// SetLevel changes the minimum level that will be emitted.
func (l *BasicLogger) SetLevel(min Level) {
	l.level.Store(int32(min))
}

// IsLogging returns whether level would currently be emitted.
func (l *BasicLogger) IsLogging(level Level) bool {
	return int32(level) >= l.level.Load()
}

// Emit implements Emitter.Emit, applying the level filter.
func (l *BasicLogger) Emit(level Level, timestamp time.Time, format string, args ...any) {
	if !l.IsLogging(level) {
		return
	}
	l.emitter.Emit(level, timestamp, format, args...)
}

var defaultLogger = NewBasicLogger(NewWriter(os.Stderr), Info)

// SetDefault replaces the process-wide default logger.
func SetDefault(l *BasicLogger) { defaultLogger = l }

// Debugf logs a formatted message at Debug level to the default logger.
func Debugf(format string, args ...any) { defaultLogger.Emit(Debug, time.Now(), format, args...) }

// Infof logs a formatted message at Info level to the default logger.
func Infof(format string, args ...any) { defaultLogger.Emit(Info, time.Now(), format, args...) }

// Warningf logs a formatted message at Warning level to the default logger.
func Warningf(format string, args ...any) { defaultLogger.Emit(Warning, time.Now(), format, args...) }
