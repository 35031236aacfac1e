// ============================================================================
// Trolley Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects job lifecycle and slot occupancy metrics of a run and
//           exposes them for Prometheus scraping.
//
// Metrics:
//
//   1. Counters:
//      - trolley_jobs_started_total:   job attempts handed to a slot
//      - trolley_jobs_completed_total: jobs that exited cleanly
//      - trolley_jobs_timed_out_total: jobs killed at their timeout
//      - trolley_jobs_failed_total:    jobs that exited with an error
//      - trolley_job_retries_total:    extra attempts spent on retries
//
//   2. Histogram:
//      - trolley_job_duration_seconds: wall time per job, all attempts
//
//   3. Gauge:
//      - trolley_slot_jobs{slot,state}: bucket sizes per slot, refreshed on
//        every monitor poll
//
// Example queries:
//
//   # timeout ratio
//   trolley_jobs_timed_out_total / trolley_jobs_started_total
//
//   # remaining work
//   sum(trolley_slot_jobs{state!="terminated"})
//
// The Collector is wired twice: as the slot queues' Recorder (per-job events)
// and as a scheduler Observer (per-poll gauges).
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/trolley/pkg/types"
)

// Collector Prometheus collector for one process.
type Collector struct {
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsTimedOut  prometheus.Counter
	jobsFailed    prometheus.Counter
	jobRetries    prometheus.Counter

	jobDuration prometheus.Histogram

	slotJobs *prometheus.GaugeVec
}

// NewCollector creates a Collector and registers it with reg. A nil reg means
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trolley_jobs_started_total",
			Help: "Total number of jobs started on a slot",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trolley_jobs_completed_total",
			Help: "Total number of jobs that completed",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trolley_jobs_timed_out_total",
			Help: "Total number of jobs killed after exceeding their timeout",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trolley_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trolley_job_retries_total",
			Help: "Total number of extra attempts spent on retries",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trolley_job_duration_seconds",
			Help:    "Job wall time in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		}),
		slotJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trolley_slot_jobs",
			Help: "Current number of jobs per slot and state",
		}, []string{"slot", "state"}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsTimedOut,
		c.jobsFailed,
		c.jobRetries,
		c.jobDuration,
		c.slotJobs,
	)

	return c
}

// RecordStart records a job handed to a slot.
func (c *Collector) RecordStart(slot int) {
	c.jobsStarted.Inc()
}

// RecordOutcome records a terminated job.
func (c *Collector) RecordOutcome(slot int, outcome types.Outcome, d time.Duration) {
	switch outcome {
	case types.OutcomeCompleted:
		c.jobsCompleted.Inc()
	case types.OutcomeTimedOut:
		c.jobsTimedOut.Inc()
	case types.OutcomeFailed:
		c.jobsFailed.Inc()
	}
	c.jobDuration.Observe(d.Seconds())
}

// RecordRetries records n extra attempts of one job.
func (c *Collector) RecordRetries(slot int, n int) {
	c.jobRetries.Add(float64(n))
}

// Observe refreshes the per-slot gauges.
func (c *Collector) Observe(_ time.Time, briefs []types.BriefStatus) {
	for slot, b := range briefs {
		label := strconv.Itoa(slot)
		c.slotJobs.WithLabelValues(label, string(types.StatePending)).Set(float64(b.Pending))
		c.slotJobs.WithLabelValues(label, string(types.StateRunning)).Set(float64(b.Running))
		c.slotJobs.WithLabelValues(label, string(types.StateTerminated)).Set(float64(b.Terminated))
	}
}

// Handler returns the /metrics handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves g on /metrics.
//
// Parameters:
//   - port: HTTP port (0 picks a free one)
//   - g: the registry the Collector was registered with
//
// Returns:
//   - error: from http.ListenAndServe, always non-nil
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
