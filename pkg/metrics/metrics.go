// Package metrics defines the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDropped counts messages acked without effect because they were
	// malformed or otherwise unprocessable, labelled by handler.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunk_pipeline_events_dropped_total",
		Help: "Messages dropped as permanently unprocessable.",
	}, []string{"handler"})

	// JobsLaunched counts staging jobs successfully submitted.
	JobsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_pipeline_jobs_launched_total",
		Help: "Staging jobs launched on the job-execution service.",
	})

	// JobLaunchFailures counts permanent job submission failures.
	JobLaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_pipeline_job_launch_failures_total",
		Help: "Permanent staging job submission failures.",
	})

	// ChunksStaged counts chunks whose staging job completed.
	ChunksStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_pipeline_chunks_staged_total",
		Help: "Chunks fully loaded into staging tables.",
	})

	// ChunksPromoted counts chunks moved into production.
	ChunksPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_pipeline_chunks_promoted_total",
		Help: "Chunks promoted into production tables.",
	})

	// RegistryFailures counts registry operations that failed and were
	// swallowed at the tracker boundary. A growing rate here is the
	// operator's signal of a systemic problem.
	RegistryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunk_pipeline_registry_failures_total",
		Help: "Registry operations that failed inside event handlers.",
	}, []string{"operation"})
)
