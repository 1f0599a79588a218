package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnauth",
		Name:      "challenges_issued_total",
		Help:      "Challenges issued by scheme",
	}, []string{"scheme"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnauth",
		Name:      "verifications_total",
		Help:      "Verification attempts by scheme and outcome",
	}, []string{"scheme", "outcome"})

	verificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lnauth",
		Name:      "verification_duration_seconds",
		Help:      "Time spent verifying a submitted proof",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"scheme"})

	enrichments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnauth",
		Name:      "profile_enrichments_total",
		Help:      "Profile enrichment results",
	}, []string{"outcome"})
)
