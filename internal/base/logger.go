// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger defines an interface for writing log messages.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger defaultLogger

type defaultLogger struct{}

var _ Logger = DefaultLogger

// Infof implements the Logger.Infof interface.
func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Errorf implements the Logger.Errorf interface.
func (defaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements the Logger.Fatalf interface.
func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// WriterLogger is a Logger that appends timestamped lines to an io.Writer. It
// backs the info LOG file kept in the DB directory.
type WriterLogger struct {
	mu struct {
		sync.Mutex
		w io.Writer
	}
}

// NewWriterLogger returns a Logger writing to w.
func NewWriterLogger(w io.Writer) *WriterLogger {
	l := &WriterLogger{}
	l.mu.w = w
	return l
}

func (l *WriterLogger) output(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mu.w == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if n := len(msg); n == 0 || msg[n-1] != '\n' {
		msg += "\n"
	}
	_, _ = fmt.Fprintf(l.mu.w, "%s %s", time.Now().UTC().Format("2006/01/02-15:04:05.000000"), msg)
}

// Infof implements the Logger.Infof interface.
func (l *WriterLogger) Infof(format string, args ...interface{}) {
	l.output(format, args...)
}

// Errorf implements the Logger.Errorf interface.
func (l *WriterLogger) Errorf(format string, args ...interface{}) {
	l.output("[E] "+format, args...)
}

// Fatalf implements the Logger.Fatalf interface.
func (l *WriterLogger) Fatalf(format string, args ...interface{}) {
	l.output("[F] "+format, args...)
	panic(fmt.Sprintf(format, args...))
}

// Attach directs the logger's output to w. Messages logged while the logger
// has no writer are dropped.
func (l *WriterLogger) Attach(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.w = w
}

// Detach stops the logger from writing to its underlying writer and returns
// it, so the caller can close it.
func (l *WriterLogger) Detach() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.mu.w
	l.mu.w = nil
	return w
}

// NoopLogger is a Logger that discards every message.
type NoopLogger struct{}

// Infof implements the Logger.Infof interface.
func (NoopLogger) Infof(format string, args ...interface{}) {}

// Errorf implements the Logger.Errorf interface.
func (NoopLogger) Errorf(format string, args ...interface{}) {}

// Fatalf implements the Logger.Fatalf interface.
func (NoopLogger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
