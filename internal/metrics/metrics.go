package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MQTTMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_mqtt_messages_total",
			Help: "Total observer reports received from MQTT.",
		},
		[]string{"topic"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	AdvertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_adverts_total",
			Help: "Adverts processed by the node registry (accepted, unchanged).",
		},
		[]string{"result"},
	)

	RejectedAdvertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_rejected_adverts_total",
			Help: "Adverts rejected by the node registry, by reason code.",
		},
		[]string{"reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshrank_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	DBWriteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_db_write_errors_total",
			Help: "DB write failures after retries, by table.",
		},
		[]string{"table"},
	)

	RoutesScoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrank_routes_scored_total",
			Help: "Routes scored by the inference engine.",
		},
		[]string{"resolved"},
	)

	RFPacketsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshrank_rf_packets_pruned_total",
			Help: "Rows removed from the bounded rf_packets table.",
		},
	)

	ArchiveAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshrank_archive_appends_total",
			Help: "Observer reports appended to the ndjson archive.",
		},
	)

	LastReportTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshrank_last_report_timestamp_seconds",
			Help: "Unix timestamp of the last processed observer report.",
		},
		[]string{"observer_id"},
	)

	RouteScoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshrank_route_score_duration_seconds",
			Help:    "Latency of one Viterbi scoring pass per message.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MQTTMessagesTotal,
			ParseErrorsTotal,
			AdvertsTotal,
			RejectedAdvertsTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			DBWriteErrorsTotal,
			RoutesScoredTotal,
			RFPacketsPrunedTotal,
			ArchiveAppendsTotal,
			LastReportTimestamp,
			RouteScoreDuration,
		)
	})
}
