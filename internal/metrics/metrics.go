// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package metrics exports pool and discovery events as prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ikmak/mongo-sdam/event"
)

var durationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Collector turns events into metrics. It implements prometheus.Collector,
// so one Collector can be registered per registry.
type Collector struct {
	poolEvents        *prometheus.CounterVec
	openConnections   *prometheus.GaugeVec
	checkedOut        *prometheus.GaugeVec
	poolGeneration    *prometheus.GaugeVec
	checkoutDuration  *prometheus.HistogramVec
	heartbeatDuration *prometheus.HistogramVec
	serverKind        *prometheus.GaugeVec
	serverRTT         *prometheus.GaugeVec
	topologyKind      *prometheus.GaugeVec
}

var _ prometheus.Collector = (*Collector)(nil)

// New creates a Collector whose metric names start with namespace.
func New(namespace string) *Collector {
	return &Collector{
		poolEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_events_total",
				Help:      "Connection pool events by type",
			},
			[]string{"address", "event_type"},
		),
		openConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_open_connections",
				Help:      "Connections currently open in the pool, idle or checked out",
			},
			[]string{"address"},
		),
		checkedOut: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_checked_out_connections",
				Help:      "Connections currently checked out of the pool",
			},
			[]string{"address"},
		),
		poolGeneration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_generation",
				Help:      "Current generation of the pool, incremented by every clear",
			},
			[]string{"address"},
		),
		checkoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_checkout_duration_seconds",
				Help:      "Time spent checking out a connection",
				Buckets:   durationBuckets,
			},
			[]string{"address", "success"},
		),
		heartbeatDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "heartbeat_duration_seconds",
				Help:      "Duration of server heartbeats",
				Buckets:   durationBuckets,
			},
			[]string{"address", "awaited", "success"},
		),
		serverKind: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_kind",
				Help:      "Set to 1 for the current kind of each server",
			},
			[]string{"address", "kind"},
		),
		serverRTT: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_average_rtt_seconds",
				Help:      "Moving average of the heartbeat round trip time",
			},
			[]string{"address"},
		),
		topologyKind: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topology_kind",
				Help:      "Set to 1 for the current kind of the topology",
			},
			[]string{"kind"},
		),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.poolEvents,
		c.openConnections,
		c.checkedOut,
		c.poolGeneration,
		c.checkoutDuration,
		c.heartbeatDuration,
		c.serverKind,
		c.serverRTT,
		c.topologyKind,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors() {
		col.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors() {
		col.Collect(ch)
	}
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// PoolMonitor returns a monitor that records pool events and then forwards
// them to next, which may be nil.
func (c *Collector) PoolMonitor(next *event.PoolMonitor) *event.PoolMonitor {
	return event.MultiPoolMonitor(&event.PoolMonitor{Event: c.observePoolEvent}, next)
}

func (c *Collector) observePoolEvent(e *event.PoolEvent) {
	c.poolEvents.WithLabelValues(e.Address, e.Type).Inc()

	switch e.Type {
	case event.ConnectionCreated:
		c.openConnections.WithLabelValues(e.Address).Inc()
	case event.ConnectionClosed:
		c.openConnections.WithLabelValues(e.Address).Dec()
	case event.GetSucceeded:
		c.checkedOut.WithLabelValues(e.Address).Inc()
		c.checkoutDuration.WithLabelValues(e.Address, "true").Observe(e.Duration.Seconds())
	case event.GetFailed:
		c.checkoutDuration.WithLabelValues(e.Address, "false").Observe(e.Duration.Seconds())
	case event.ConnectionReturned:
		c.checkedOut.WithLabelValues(e.Address).Dec()
	case event.PoolCreated, event.PoolCleared:
		c.poolGeneration.WithLabelValues(e.Address).Set(float64(e.Generation))
	case event.PoolClosedEvent:
		c.openConnections.DeleteLabelValues(e.Address)
		c.checkedOut.DeleteLabelValues(e.Address)
		c.poolGeneration.DeleteLabelValues(e.Address)
	}
}

// ServerMonitor returns a monitor that records discovery events and then
// forwards them to next, which may be nil.
func (c *Collector) ServerMonitor(next *event.ServerMonitor) *event.ServerMonitor {
	if next == nil {
		next = &event.ServerMonitor{}
	}

	return &event.ServerMonitor{
		ServerDescriptionChanged: func(e *event.ServerDescriptionChangedEvent) {
			addr := e.Address.String()
			c.serverKind.DeleteLabelValues(addr, e.PreviousDescription.Kind.String())
			c.serverKind.WithLabelValues(addr, e.NewDescription.Kind.String()).Set(1)
			if e.NewDescription.AverageRTTSet {
				c.serverRTT.WithLabelValues(addr).Set(e.NewDescription.AverageRTT.Seconds())
			}
			if next.ServerDescriptionChanged != nil {
				next.ServerDescriptionChanged(e)
			}
		},
		ServerOpening: next.ServerOpening,
		ServerClosed: func(e *event.ServerClosedEvent) {
			addr := e.Address.String()
			c.serverKind.DeletePartialMatch(prometheus.Labels{"address": addr})
			c.serverRTT.DeleteLabelValues(addr)
			if next.ServerClosed != nil {
				next.ServerClosed(e)
			}
		},
		TopologyDescriptionChanged: func(e *event.TopologyDescriptionChangedEvent) {
			c.topologyKind.Reset()
			c.topologyKind.WithLabelValues(e.NewDescription.Kind.String()).Set(1)
			if next.TopologyDescriptionChanged != nil {
				next.TopologyDescriptionChanged(e)
			}
		},
		TopologyOpening: next.TopologyOpening,
		TopologyClosed: func(e *event.TopologyClosedEvent) {
			c.topologyKind.Reset()
			if next.TopologyClosed != nil {
				next.TopologyClosed(e)
			}
		},
		ServerHeartbeatStarted: next.ServerHeartbeatStarted,
		ServerHeartbeatSucceeded: func(e *event.ServerHeartbeatSucceededEvent) {
			c.heartbeatDuration.
				WithLabelValues(connectionAddress(e.ConnectionID), strconv.FormatBool(e.Awaited), "true").
				Observe(e.Duration.Seconds())
			if next.ServerHeartbeatSucceeded != nil {
				next.ServerHeartbeatSucceeded(e)
			}
		},
		ServerHeartbeatFailed: func(e *event.ServerHeartbeatFailedEvent) {
			c.heartbeatDuration.
				WithLabelValues(connectionAddress(e.ConnectionID), strconv.FormatBool(e.Awaited), "false").
				Observe(e.Duration.Seconds())
			if next.ServerHeartbeatFailed != nil {
				next.ServerHeartbeatFailed(e)
			}
		},
	}
}

// connectionAddress strips the "[-N]" suffix from a connection ID.
func connectionAddress(id string) string {
	if i := strings.LastIndex(id, "[-"); i >= 0 {
		return id[:i]
	}
	return id
}
