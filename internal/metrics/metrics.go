// Package metrics registers the process's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sara_calls_started_total",
		Help: "Outbound call sessions created.",
	})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_calls_ended_total",
		Help: "Terminated call sessions by outcome.",
	}, []string{"outcome"})

	SpeechProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_speech_provider_errors_total",
		Help: "Speech provider failures by kind (tts/stt) and provider.",
	}, []string{"kind", "provider"})

	SpeechFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_speech_fallbacks_total",
		Help: "Requests served by a non-primary speech provider.",
	}, []string{"kind"})

	SpeechDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_speech_degraded_total",
		Help: "Requests where every speech provider failed.",
	}, []string{"kind"})

	DispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_dispatch_retries_total",
		Help: "Outcome dispatch retry attempts by target (records/workflow).",
	}, []string{"target"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sara_dispatch_failures_total",
		Help: "Outcome dispatch permanent failures by target.",
	}, []string{"target"})

	DispatchCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sara_dispatch_completed_total",
		Help: "Outcome dispatches fully delivered.",
	})

	QueueSheds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sara_dispatch_queue_sheds_total",
		Help: "Dispatch jobs shed because the queue was full.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sara_dispatch_queue_depth",
		Help: "Dispatch jobs waiting for a worker.",
	})
)
