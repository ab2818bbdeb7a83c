// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "go.uber.org/zap"

// ZapSink writes through a zap logger.
type ZapSink struct {
	log *zap.SugaredLogger
}

var _ LogSink = &ZapSink{}

// NewZapSink wraps l.
func NewZapSink(l *zap.Logger) *ZapSink {
	return &ZapSink{log: l.Sugar()}
}

// Info logs at zap info level for level 0 and at debug level above that.
func (s *ZapSink) Info(level int, msg string, keysAndValues ...interface{}) {
	if level > 0 {
		s.log.Debugw(msg, keysAndValues...)
		return
	}
	s.log.Infow(msg, keysAndValues...)
}

// Error logs at zap error level.
func (s *ZapSink) Error(err error, msg string, keysAndValues ...interface{}) {
	s.log.Errorw(msg, append(keysAndValues, zap.Error(err))...)
}
