package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosschat_reconnects_total",
		Help: "Connection epochs started after the first.",
	})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosschat_messages_sent_total",
		Help: "Encrypted channel messages sent.",
	})

	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosschat_messages_received_total",
		Help: "Channel messages received, decryptable or not.",
	})

	decryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosschat_decrypt_failures_total",
		Help: "Messages that could not be decrypted.",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosschat_events_dropped_total",
		Help: "Events dropped because the consumer fell behind.",
	})

	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosschat_connection_state",
		Help: "Current connection state as its numeric value.",
	})
)
