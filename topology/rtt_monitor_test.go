// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ikmak/mongo-sdam/internal/mongotest"
	"github.com/ikmak/mongo-sdam/operation"
)

func TestRTTMonitor(t *testing.T) {
	t.Run("measures the average and minimum RTT", func(t *testing.T) {
		t.Parallel()

		srv := mongotest.Start(t, mongotest.Doc(mongotest.StandaloneHello()))
		rtt := newRTTMonitor(&rttConfig{
			interval:     10 * time.Millisecond,
			minRTTWindow: time.Second,
			createConnectionFn: func() *connection {
				return newConnection(srv.Addr(), WithHandshaker(func(Handshaker) Handshaker {
					return helloHandshaker{}
				}))
			},
			createOperationFn: operation.NewHello,
		})
		rtt.connect()
		defer rtt.disconnect()

		assert.Eventuallyf(
			t,
			func() bool {
				avg, ok := rtt.getRTT()
				return ok && avg > 0 && rtt.getMinRTT() > 0 && rtt.getRTT90() > 0
			},
			3*time.Second,
			10*time.Millisecond,
			"expected the average, minimum and 90th percentile RTT to become positive")
		assert.LessOrEqual(t, rtt.getMinRTT(), rtt.getRTT90())
		assert.Equal(t, 1, srv.Accepted(), "expected the monitor to reuse its connection")
	})
	t.Run("connection errors do not record samples", func(t *testing.T) {
		t.Parallel()

		var dials int32
		rtt := newRTTMonitor(&rttConfig{
			interval: 10 * time.Millisecond,
			createConnectionFn: func() *connection {
				return newConnection("", WithDialer(func(Dialer) Dialer {
					return DialerFunc(func(context.Context, string, string) (net.Conn, error) {
						atomic.AddInt32(&dials, 1)
						return nil, errors.New("dial error")
					})
				}))
			},
			createOperationFn: operation.NewHello,
		})
		rtt.connect()
		defer rtt.disconnect()

		assert.Eventually(t, func() bool { return atomic.LoadInt32(&dials) >= 3 }, time.Second, 5*time.Millisecond,
			"expected the monitor to keep redialing")
		_, ok := rtt.getRTT()
		assert.False(t, ok, "expected no RTT sample")
	})
	t.Run("can disconnect without connecting", func(t *testing.T) {
		t.Parallel()

		rtt := newRTTMonitor(&rttConfig{interval: 10 * time.Second})
		done := make(chan struct{})
		go func() {
			rtt.disconnect()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for disconnect")
		}
	})
	t.Run("connect after disconnect does not start sampling", func(t *testing.T) {
		t.Parallel()

		var created int32
		rtt := newRTTMonitor(&rttConfig{
			interval: 10 * time.Millisecond,
			createConnectionFn: func() *connection {
				atomic.AddInt32(&created, 1)
				return newConnection("")
			},
			createOperationFn: operation.NewHello,
		})
		rtt.disconnect()
		rtt.connect()

		assert.Never(t, func() bool { return atomic.LoadInt32(&created) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})
	t.Run("interval must be positive", func(t *testing.T) {
		assert.Panics(t, func() { newRTTMonitor(&rttConfig{}) })
	})
}

func TestRTTMonitorSamples(t *testing.T) {
	t.Run("sample window size", func(t *testing.T) {
		testCases := []struct {
			name     string
			interval time.Duration
			window   time.Duration
			want     int
		}{
			{"at least 10", time.Second, 2 * time.Second, 10},
			{"window over interval", 10 * time.Second, 5 * time.Minute, 30},
			{"at most 500", time.Millisecond, 5 * time.Minute, 500},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				rtt := newRTTMonitor(&rttConfig{interval: tc.interval, minRTTWindow: tc.window})
				assert.Len(t, rtt.samples, tc.want)
			})
		}
	})
	t.Run("average is an exponentially weighted moving average", func(t *testing.T) {
		rtt := newRTTMonitor(&rttConfig{interval: 10 * time.Second})

		rtt.addSample(10 * time.Millisecond)
		avg, ok := rtt.getRTT()
		assert.True(t, ok)
		assert.Equal(t, 10*time.Millisecond, avg, "expected the first sample to set the average")

		rtt.addSample(20 * time.Millisecond)
		avg, _ = rtt.getRTT()
		assert.Equal(t, 12*time.Millisecond, avg)
	})
	t.Run("min and 90th percentile need 10 samples", func(t *testing.T) {
		rtt := newRTTMonitor(&rttConfig{interval: 10 * time.Second})

		for i := 1; i < minSamples; i++ {
			rtt.addSample(time.Duration(i) * time.Millisecond)
		}
		assert.Equal(t, time.Duration(0), rtt.getMinRTT())
		assert.Equal(t, time.Duration(0), rtt.getRTT90())

		rtt.addSample(10 * time.Millisecond)
		assert.Equal(t, time.Millisecond, rtt.getMinRTT())
		assert.Equal(t, 9*time.Millisecond, rtt.getRTT90())
	})
	t.Run("old samples leave the window", func(t *testing.T) {
		rtt := newRTTMonitor(&rttConfig{interval: 10 * time.Second})

		rtt.addSample(time.Millisecond)
		for i := 0; i < minSamples; i++ {
			rtt.addSample(5 * time.Millisecond)
		}
		assert.Equal(t, 5*time.Millisecond, rtt.getMinRTT())
	})
	t.Run("reset", func(t *testing.T) {
		rtt := newRTTMonitor(&rttConfig{interval: 10 * time.Second})
		for i := 0; i < minSamples; i++ {
			rtt.addSample(time.Millisecond)
		}

		rtt.reset()
		avg, ok := rtt.getRTT()
		assert.False(t, ok)
		assert.Equal(t, time.Duration(0), avg)
		assert.Equal(t, time.Duration(0), rtt.getMinRTT())
		assert.Equal(t, time.Duration(0), rtt.getRTT90())
	})
}
