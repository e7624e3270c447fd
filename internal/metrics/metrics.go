// Copyright 2026 The Logvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics declares the Prometheus collectors exported by logvisord.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Supervisor

	ProcessesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logvisor_processes_running",
		Help: "Number of child processes currently registered",
	})

	ProcessStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logvisor_process_starts_total",
		Help: "Process start attempts by result",
	}, []string{"result"}) // ok, config_error, spawn_error, already_running

	ProcessExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logvisor_process_exits_total",
		Help: "Reaped child processes by how they ended",
	}, []string{"reason"}) // exited, signaled

	SignalsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logvisor_signals_sent_total",
		Help: "Signals delivered to child processes",
	}, []string{"signal"})

	// Hub

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logvisor_log_events_published_total",
		Help: "Log chunks published, by channel",
	}, []string{"channel"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logvisor_log_events_delivered_total",
		Help: "Log chunks handed to listeners",
	})

	ListenerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logvisor_listener_failures_total",
		Help: "Listener errors and panics isolated during fan-out",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logvisor_subscriptions",
		Help: "Active log subscriptions across all services",
	})

	// Gateway

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logvisor_gateway_connections",
		Help: "Open realtime connections",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logvisor_gateway_messages_dropped_total",
		Help: "Outbound log messages dropped because a connection queue was full",
	})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logvisor_gateway_protocol_errors_total",
		Help: "Error replies sent to realtime clients, by message",
	}, []string{"kind"})

	// Control plane

	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logvisor_control_requests_total",
		Help: "Control-plane actions by action and HTTP status",
	}, []string{"action", "code"})
)
