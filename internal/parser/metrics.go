package parser

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/facturaIA/nfce-invoice-parser/internal/models"
)

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nfce_pipeline_results_total",
		Help: "Pipeline runs by outcome (parsed, cached or the error kind)",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nfce_pipeline_duration_seconds",
		Help:    "Wall time of a pipeline run",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})
)

func outcomeOf(resp models.ServiceResponse[models.ParsedInvoice]) string {
	switch {
	case !resp.Success && resp.Error != nil:
		return strings.ToLower(resp.Error.ErrorCode)
	case resp.Cache != nil && resp.Cache.FromCache:
		return "cached"
	}
	return "parsed"
}

func observe(resp models.ServiceResponse[models.ParsedInvoice], elapsed time.Duration) {
	outcome := outcomeOf(resp)
	resultsTotal.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
