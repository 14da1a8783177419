// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides the small Logger/Helper abstraction the rest of
// this module calls into, in the same shape as the teacher's own
// (pack-absent) github.com/saferwall/pe/log helper:
// log.NewStdLogger(w), log.NewHelper(log.NewFilter(logger,
// log.FilterLevel(lvl))). The formatting and leveling is delegated to
// logrus rather than reimplemented.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Level mirrors the four levels the engine actually emits at.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the minimal sink this package's callers depend on.
type Logger interface {
	Log(level Level, keyvals ...interface{})
}

type stdLogger struct {
	entry *logrus.Logger
}

// NewStdLogger returns a Logger that writes structured lines to w.
func NewStdLogger(w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &stdLogger{entry: l}
}

func (s *stdLogger) Log(level Level, keyvals ...interface{}) {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[key] = keyvals[i+1]
	}
	entry := s.entry.WithFields(fields)
	switch level {
	case LevelDebug:
		entry.Debug()
	case LevelInfo:
		entry.Info()
	case LevelWarn:
		entry.Warn()
	case LevelError:
		entry.Error()
	}
}

// filterLogger drops records below a minimum level before they reach
// the wrapped Logger.
type filterLogger struct {
	next Logger
	min  Level
}

// FilterOption configures NewFilter.
type FilterOption func(*filterLogger)

// FilterLevel sets the minimum level a record must meet to pass through.
func FilterLevel(level Level) FilterOption {
	return func(f *filterLogger) { f.min = level }
}

// NewFilter wraps a Logger with a minimum-level gate.
func NewFilter(logger Logger, opts ...FilterOption) Logger {
	f := &filterLogger{next: logger, min: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filterLogger) Log(level Level, keyvals ...interface{}) {
	if level < f.min {
		return
	}
	f.next.Log(level, keyvals...)
}

// Helper adds printf-style convenience methods over a Logger, the same
// surface the teacher's file.go calls (Errorf, Debugf).
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in printf-style convenience methods.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) Debugf(format string, args ...interface{}) {
	h.logger.Log(LevelDebug, "msg", sprintf(format, args...))
}

func (h *Helper) Infof(format string, args ...interface{}) {
	h.logger.Log(LevelInfo, "msg", sprintf(format, args...))
}

func (h *Helper) Warnf(format string, args ...interface{}) {
	h.logger.Log(LevelWarn, "msg", sprintf(format, args...))
}

func (h *Helper) Errorf(format string, args ...interface{}) {
	h.logger.Log(LevelError, "msg", sprintf(format, args...))
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
