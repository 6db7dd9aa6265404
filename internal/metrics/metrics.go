package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_outbox_published_total",
			Help: "Outbox records acknowledged by the broker, by topic",
		},
		[]string{"topic"},
	)

	OutboxPublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_outbox_publish_failures_total",
			Help: "Failed publish attempts, by topic and result",
		},
		[]string{"topic", "result"}, // retry|dead
	)

	OutboxRelayLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sagaflow_outbox_relay_lag_seconds",
			Help:    "Time between outbox insert and broker ack",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	OutboxPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sagaflow_outbox_purged_total",
			Help: "Sent outbox rows removed by retention",
		},
	)

	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagaflow_relay_breaker_open",
			Help: "1 while the relay publish breaker is open",
		},
	)

	ConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_consumed_total",
			Help: "Consumed messages by consumer and result",
		},
		[]string{"consumer", "result"}, // applied|skipped|poison|retry
	)

	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_sagas_total",
			Help: "Saga lifecycle counter by type and status",
		},
		[]string{"saga_type", "status"}, // running|completed|compensated|failed
	)

	SagaTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_saga_step_timeouts_total",
			Help: "Step deadlines that expired, by saga type and step",
		},
		[]string{"saga_type", "step"},
	)

	ParticipantCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_participant_commands_total",
			Help: "Commands handled by participants, by command and outcome",
		},
		[]string{"participant", "command", "outcome"},
	)

	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagaflow_orders_total",
			Help: "Orders lifecycle counter by status",
		},
		[]string{"status"}, // pending|approved|rejected
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		OutboxPublishedTotal,
		OutboxPublishFailuresTotal,
		OutboxRelayLag,
		OutboxPurgedTotal,
		BreakerOpen,
		ConsumedTotal,
		SagasTotal,
		SagaTimeoutsTotal,
		ParticipantCommandsTotal,
		OrdersTotal,
	)
}
