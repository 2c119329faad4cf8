package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AdmissionDecisions counts admission outcomes. The "outcome" label carries
// either "granted", "renewed" or one of the rejection codes, so capacity
// pressure is visible separately from credential failures.
var AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_gate_admission_decisions_total",
	Help: "Number of admission decisions by outcome",
}, []string{"outcome"})

// ActiveSessions tracks the current number of granted capacity slots across
// all users. This metric is a gauge and follows acquisitions and reclaims.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_gate_active_sessions",
	Help: "Number of active device sessions",
})

// BytesRelayed tracks the total number of bytes forwarded from the upstream
// origin to clients, labeled by content kind. Counter, only increases.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_gate_bytes_relayed_total",
	Help: "Total bytes relayed to clients",
}, []string{"kind"})

// RelayErrors counts relay failures by error type (connect, read, write).
var RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_gate_relay_errors_total",
	Help: "Number of relay errors",
}, []string{"error_type"})

// SessionsReaped counts sessions reclaimed by the idle sweep.
var SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_gate_sessions_reaped_total",
	Help: "Number of idle sessions reclaimed by the reaper",
})
