package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turnbot"

// Результаты переходов
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Game transitions by action and result.",
	}, []string{"action", "result"})

	RemindersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reminders_fired_total",
		Help:      "Reminder timers that elapsed, by outcome (sent, stale, failed).",
	}, []string{"outcome"})

	StoreSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_save_failures_total",
		Help:      "Failed writes of the durable state.",
	})

	PanelPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "panel_publish_failures_total",
		Help:      "Failed attempts to publish a control panel.",
	})

	PanelDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "panel_delete_failures_total",
		Help:      "Failed removals of a superseded control panel (left orphaned).",
	})

	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_games",
		Help:      "Games currently active across all chats.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Connected live-feed websocket clients.",
	})
)
