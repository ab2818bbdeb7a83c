// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the component-scoped structured logger used by the
// topology, its monitors and its connection pools.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LogSink represents a logging implementation. The interface mirrors the
// logr.LogSink methods that are needed, so logr-compatible sinks can be used
// directly.
type LogSink interface {
	// Info logs a non-error message with the given key/value pairs. The level
	// argument is provided for optional logging.
	Info(level int, msg string, keysAndValues ...interface{})

	// Error logs an error, with the given message and key/value pairs.
	Error(err error, msg string, keysAndValues ...interface{})
}

// Logger represents the configuration for the internal logger.
type Logger struct {
	ComponentLevels map[Component]Level // Log levels for each component.
	Sink            LogSink             // LogSink for log printing.
	Closer          io.Closer           // Closer releases the output Sink writes to. May be nil.
}

// New will construct a new logger. If any of the given options are the
// zero-value of the argument type, then the constructor will attempt to
// source the data from the environment. If the environment has not been set,
// then the constructor will use the respective default values: a logrus sink
// writing to stderr.
func New(sink LogSink, componentLevels map[Component]Level) (*Logger, error) {
	logger := &Logger{
		ComponentLevels: selectComponentLevels(componentLevels),
	}

	if sink != nil {
		logger.Sink = sink
		return logger, nil
	}

	out, closer, err := selectLogOutput(os.Getenv(mongoDBLogPathEnvVar))
	if err != nil {
		return nil, err
	}
	logger.Closer = closer

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.DebugLevel)
	logger.Sink = NewLogrusSink(l)

	return logger, nil
}

// Close closes the output of the sink, if any.
func (logger *Logger) Close() error {
	if logger == nil || logger.Closer == nil {
		return nil
	}
	return logger.Closer.Close()
}

// LevelComponentEnabled will return true if the given LogLevel is enabled for
// the given LogComponent. A nil logger has every component disabled.
func (logger *Logger) LevelComponentEnabled(level Level, component Component) bool {
	if logger == nil || logger.Sink == nil {
		return false
	}

	if level == LevelOff {
		return false
	}

	if l, ok := logger.ComponentLevels[component]; ok && l >= level {
		return true
	}
	return logger.ComponentLevels[ComponentAll] >= level
}

// Print will synchronously print the given message to the configured LogSink.
// If the LogSink is nil, then this method will do nothing.
func (logger *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	if !logger.LevelComponentEnabled(level, component) {
		return
	}

	kv := append(KeyValues{KeyComponent, component.String()}, keysAndValues...)
	logger.Sink.Info(int(level)-DiffToInfo, msg, kv...)
}

// Error logs an error through the sink when the component is enabled at any
// level.
func (logger *Logger) Error(err error, component Component, msg string, keysAndValues ...interface{}) {
	if !logger.LevelComponentEnabled(LevelInfo, component) {
		return
	}

	kv := append(KeyValues{KeyComponent, component.String()}, keysAndValues...)
	logger.Sink.Error(err, msg, kv...)
}

// selectComponentLevels returns a new map of LogComponents to LogLevels that
// is the result of merging the environment with the user-defined levels. The
// user-defined levels take precedence.
func selectComponentLevels(componentLevels map[Component]Level) map[Component]Level {
	selected := getEnvComponentLevels()
	for component, level := range componentLevels {
		selected[component] = level
	}
	return selected
}

// selectLogOutput resolves MONGODB_LOG_PATH: "stdout", "stderr" or a file
// path opened for appending.
func selectLogOutput(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to open log file %q", path)
	}
	return f, f, nil
}
