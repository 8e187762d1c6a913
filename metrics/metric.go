package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shardtable"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)
	GRPCClientMetrics = grpcprometheus.NewClientMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	IngestedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shardserver",
		Name:      "ingested_rows_total",
		Help:      "Rows appended to the shard backend.",
	}, []string{"shard"})
	ReturnedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shardserver",
		Name:      "returned_rows_total",
		Help:      "Rows streamed back to readers.",
	}, []string{"shard"})
	BackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shardserver",
		Name:      "backend_errors_total",
		Help:      "Failed backend calls by operation.",
	}, []string{"shard", "op"})

	RouterRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "requests_total",
		Help:      "Routed requests by operation, target shard and outcome.",
	}, []string{"op", "shard", "result"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		GRPCClientMetrics,
		IngestedRows,
		ReturnedRows,
		BackendErrors,
		RouterRequests,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
