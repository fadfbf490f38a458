package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	commissionsDistributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_commissions_distributed_total",
		Help: "Transactions whose commissions were distributed",
	})

	commissionPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_commission_points_total",
		Help: "Points credited as commissions",
	})

	withdrawalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_withdrawals_total",
		Help: "Withdrawal requests by resulting status",
	}, []string{"status"})

	uplineAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_upline_anomalies_total",
		Help: "Upline walks stopped by a cycle, hop cap or dangling reference",
	}, []string{"kind"})
)
