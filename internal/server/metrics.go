package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pinklemonade",
		Name:      "stage_moves_total",
		Help:      "Grant stage transitions applied, by target stage and outcome.",
	}, []string{"stage", "outcome"})

	batchMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pinklemonade",
		Name:      "batch_moves_total",
		Help:      "Grants processed through batch moves, by result.",
	}, []string{"result"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pinklemonade",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})
)
