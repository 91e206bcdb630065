// Package metrics exposes the controller's Prometheus counters and
// histograms: login outcomes, HMAC verification failures, playback bytes
// emitted, and command dispatch latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttemptsTotal counts every LOGIN command dispatched, labeled by
	// outcome (success, bad_pin, unknown_user, already_logged_in).
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drm_login_attempts_total",
			Help: "Total number of LOGIN commands processed, by outcome",
		},
		[]string{"outcome"},
	)

	// CommandDispatchDuration measures time spent in a single dispatched
	// command handler, labeled by command name.
	CommandDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drm_command_dispatch_duration_seconds",
			Help:    "Time spent dispatching a single command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// HMACVerificationFailuresTotal counts rejected whole-object and
	// per-chunk HMAC verifications, labeled by span (whole_object, chunk).
	HMACVerificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drm_hmac_verification_failures_total",
			Help: "Total number of HMAC verification failures, by span",
		},
		[]string{"span"},
	)

	// PlaybackBytesEmittedTotal sums decrypted plaintext bytes pushed to
	// the hardware FIFO by plays that reach the end of their playable
	// range, labeled by whether the play was a locked preview or a full,
	// unlocked playback. Bytes from plays that are stopped, canceled or
	// aborted are not added.
	PlaybackBytesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drm_playback_bytes_emitted_total",
			Help: "Total plaintext bytes emitted to the audio FIFO",
		},
		[]string{"locked"},
	)

	// ShareOperationsTotal counts SHARE commands, labeled by outcome
	// (success, no_op, not_logged_in, not_owner, unknown_user, table_full,
	// malformed_metadata).
	ShareOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drm_share_operations_total",
			Help: "Total number of SHARE commands processed, by outcome",
		},
		[]string{"outcome"},
	)
)
