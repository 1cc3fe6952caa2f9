package main

import (
	"errors"

	"github.com/CTAG07/viterbi/pkg/hmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decodesTotal counts successful decodes.
	// Labels: model
	decodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viterbi",
		Subsystem: "decode",
		Name:      "requests_total",
		Help:      "Total successful Viterbi decodes",
	}, []string{"model"})

	// decodeFailures counts rejected decodes by error kind.
	// Labels: model, kind
	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viterbi",
		Subsystem: "decode",
		Name:      "failures_total",
		Help:      "Total rejected Viterbi decodes by error kind",
	}, []string{"model", "kind"})

	decodeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "viterbi",
		Subsystem: "decode",
		Name:      "latency_seconds",
		Help:      "Viterbi decode latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"model"})

	decodeSequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viterbi",
		Subsystem: "decode",
		Name:      "sequence_length",
		Help:      "Length of decoded observation sequences",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	modelsChanged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viterbi",
		Subsystem: "store",
		Name:      "model_changes_total",
		Help:      "Models created, imported or removed through the API",
	}, []string{"op"})
)

// errorKind maps an error to a short label value.
func errorKind(err error) string {
	switch {
	case errors.Is(err, hmm.ErrInvalidObservationSymbol):
		return "invalid_observation"
	case errors.Is(err, hmm.ErrObservationLength):
		return "observation_length"
	case errors.Is(err, hmm.ErrInvalidModel):
		return "invalid_model"
	case errors.Is(err, hmm.ErrMalformedHeader), errors.Is(err, hmm.ErrMalformedBody):
		return "malformed"
	case errors.Is(err, hmm.ErrInvalidDimensions):
		return "invalid_dimensions"
	case errors.Is(err, hmm.ErrLimitExceeded):
		return "limit"
	case errors.Is(err, hmm.ErrAllocationFailure):
		return "allocation"
	default:
		return "internal"
	}
}
