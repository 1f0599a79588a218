package remotesigner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lnauth",
	Subsystem: "remote_signer",
	Name:      "calls_total",
	Help:      "Remote signer calls by method and outcome",
}, []string{"method", "outcome"})
