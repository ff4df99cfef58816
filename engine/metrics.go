package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	giftsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_gifts_ingested_total",
		Help: "Total number of gifts attributed to a match",
	})

	giftsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_gifts_duplicate_total",
		Help: "Total number of gifts rejected by the idempotency ledger",
	})

	coinsAttributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_coins_attributed_total",
		Help: "Total coins attributed after multipliers",
	})

	matchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_matches_started_total",
		Help: "Total number of matches started",
	})

	matchesEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_matches_ended_total",
		Help: "Total number of matches finalized",
	})

	finalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_finalize_participant_failures_total",
		Help: "Participants whose lifetime stats could not be persisted at match end",
	})
)
