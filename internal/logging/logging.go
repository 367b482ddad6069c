// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging defines the logging interface used throughout the
// core and a default implementation backed by logrus.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface every component depends on. It is
// passed in by value at construction; no package keeps a global logger.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})

	// WithField returns a derived logger carrying a structured field
	// through every subsequent entry.
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger backed by logrus, writing at the given level.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Tracef(format string, args ...interface{})   { l.entry.Tracef(format, args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{})   { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})    { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warningf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{})   { l.entry.Errorf(format, args...) }

func (l *logrusLogger) Trace(args ...interface{})   { l.entry.Trace(args...) }
func (l *logrusLogger) Debug(args ...interface{})   { l.entry.Debug(args...) }
func (l *logrusLogger) Info(args ...interface{})    { l.entry.Info(args...) }
func (l *logrusLogger) Warning(args ...interface{}) { l.entry.Warn(args...) }
func (l *logrusLogger) Error(args ...interface{})   { l.entry.Error(args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
