// Copyright 2021-2022 The gqlgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcome labels
const (
	DeliveryOK      = "ok"
	DeliveryFailed  = "failed"
	DeliveryNoMatch = "filtered"
)

// Registry operation labels
const (
	RegistrySubscribe            = "subscribe"
	RegistryUnsubscribe          = "unsubscribe"
	RegistryUnsubscribeOperation = "unsubscribe_operation"
	RegistryPurge                = "purge"
)

// Collector Prometheus metrics of the gateway
//
// A nil *Collector is valid and records nothing.
type Collector struct {
	connections     *prometheus.GaugeVec
	messages        *prometheus.CounterVec
	subscriptions   *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	fanoutDuration  *prometheus.HistogramVec
}

// NewCollector define and register the gateway metrics
func NewCollector(registerer prometheus.Registerer) (*Collector, error) {
	if registerer == nil {
		return nil, nil
	}
	c := &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gqlgate",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Connections registered by this instance",
		}, []string{"protocol"}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gqlgate",
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Client route events handled, by route and response status",
		}, []string{"route", "status"}),

		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gqlgate",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Subscription registry mutations",
		}, []string{"operation"}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gqlgate",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published, by event name",
		}, []string{"event"}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gqlgate",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Per subscriber fan-out outcomes",
		}, []string{"outcome"}),

		fanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gqlgate",
			Subsystem: "fanout",
			Name:      "event_duration_seconds",
			Help:      "Time to fan one event out to every subscriber",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}
	for _, one := range []prometheus.Collector{
		c.connections, c.messages, c.subscriptions, c.eventsPublished, c.deliveries, c.fanoutDuration,
	} {
		if err := registerer.Register(one); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ConnectionOpened record a registered connection
func (c *Collector) ConnectionOpened(protocol string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(protocol).Inc()
}

// ConnectionClosed record an unregistered connection
func (c *Collector) ConnectionClosed(protocol string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(protocol).Dec()
}

// MessageHandled record a handled route event
func (c *Collector) MessageHandled(route string, status int) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(route, statusClass(status)).Inc()
}

// RegistryOperation record a subscription registry mutation
func (c *Collector) RegistryOperation(operation string) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues(operation).Inc()
}

// RegistryOperationCounter the counter of one registry operation
func (c *Collector) RegistryOperationCounter(operation string) prometheus.Counter {
	return c.subscriptions.WithLabelValues(operation)
}

// EventPublished record a published event
func (c *Collector) EventPublished(event string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(event).Inc()
}

// Delivery record the outcome of one subscriber delivery
func (c *Collector) Delivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

// DeliveryCounter the counter of one delivery outcome
func (c *Collector) DeliveryCounter(outcome string) prometheus.Counter {
	return c.deliveries.WithLabelValues(outcome)
}

// FanoutCompleted record the time spent on one event
func (c *Collector) FanoutCompleted(event string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.fanoutDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
