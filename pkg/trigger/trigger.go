// Package trigger reacts to new-chunk notifications by launching one
// staging job per chunk on the external job-execution service.
package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
	"github.com/eunmann/chunk-pipeline/pkg/bus"
	"github.com/eunmann/chunk-pipeline/pkg/metrics"
)

// Notification describes a newly landed chunk. The wire form is a
// base64-encoded JSON object.
type Notification struct {
	Bucket  string `json:"bucket"`
	Name    string `json:"name"`
	Dataset string `json:"dataset"`
}

// LaunchRequest is the job submission payload.
type LaunchRequest struct {
	JobName      string
	TemplatePath string
	InputPath    string
	DatasetID    string

	ServiceAccount string
	TempLocation   string
}

// LaunchResult is the job service's answer. JobID empty means the service
// accepted the request but returned no recognizable job identifier.
type LaunchResult struct {
	JobID string
}

// Launcher submits staging jobs to the external job-execution service.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error)
}

// SubmitError classifies a job submission failure. Retryable failures
// (rate limiting, service unavailability) must reach the delivery layer so
// the notification is redelivered; anything else is logged and dropped.
type SubmitError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *SubmitError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s job submission failure (status %d): %v", kind, e.StatusCode, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Config holds the fixed launch parameters shared by every staging job.
type Config struct {
	TemplatePath   string
	ServiceAccount string
	TempLocation   string
}

// Trigger is the new-chunk notification handler.
type Trigger struct {
	launcher Launcher
	cfg      Config
	now      func() time.Time
}

// New creates a Trigger.
func New(launcher Launcher, cfg Config) *Trigger {
	return &Trigger{launcher: launcher, cfg: cfg, now: time.Now}
}

// JobName derives a unique, traceable job name for a chunk. The timestamp
// keeps retried submissions from colliding with an earlier job of the same
// chunk while the chunk id keeps the job traceable to its source.
func JobName(chunkName string, t time.Time) string {
	return fmt.Sprintf("stage-chunk-%s-%s", path.Base(chunkName), t.UTC().Format("20060102150405"))
}

// Handle processes one notification delivery.
//
// Malformed payloads and permanent submission failures are acked: they can
// never succeed on redelivery. Only retryable submission failures return
// bus.Retry.
func (t *Trigger) Handle(ctx context.Context, body []byte) bus.Verdict {
	logger := logctx.FromContext(ctx)

	n, err := decodeNotification(body)
	if err != nil {
		logger.Error().Err(err).Str("payload", string(body)).Msg("malformed new-chunk notification, dropping")
		metrics.EventsDropped.WithLabelValues("trigger").Inc()
		return bus.Ack
	}

	jobName := JobName(n.Name, t.now())
	req := LaunchRequest{
		JobName:        jobName,
		TemplatePath:   t.cfg.TemplatePath,
		InputPath:      fmt.Sprintf("s3://%s/%s", n.Bucket, n.Name),
		DatasetID:      n.Dataset,
		ServiceAccount: t.cfg.ServiceAccount,
		TempLocation:   t.cfg.TempLocation,
	}

	logger.Info().
		Str("job_name", jobName).
		Str("input_path", req.InputPath).
		Str("dataset", req.DatasetID).
		Msg("launching staging job")

	res, err := t.launcher.Launch(ctx, req)
	if err != nil {
		var submitErr *SubmitError
		if errors.As(err, &submitErr) && submitErr.Retryable {
			logger.Warn().Err(err).Str("job_name", jobName).Msg("retryable job submission failure")
			return bus.Retry
		}
		logger.Error().Err(err).Str("job_name", jobName).Msg("job submission failed, dropping notification")
		metrics.JobLaunchFailures.Inc()
		return bus.Ack
	}

	if res.JobID == "" {
		// The request presumably landed server-side, so redelivery would
		// launch a second job.
		logger.Error().Str("job_name", jobName).Msg("job service response missing job id")
		return bus.Ack
	}

	logger.Info().Str("job_name", jobName).Str("job_id", res.JobID).Msg("staging job launched")
	metrics.JobsLaunched.Inc()
	return bus.Ack
}

// decodeNotification unwraps the base64 envelope, parses the JSON body and
// checks the required keys.
func decodeNotification(body []byte) (Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return Notification{}, fmt.Errorf("decode payload: %w", err)
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("unmarshal notification: %w", err)
	}
	if n.Bucket == "" || n.Name == "" || n.Dataset == "" {
		return Notification{}, errors.New("notification missing bucket, name or dataset")
	}
	return n, nil
}
