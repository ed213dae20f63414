package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
)

// launchBody is the wire form of a job launch request.
type launchBody struct {
	LaunchParameter struct {
		JobName      string            `json:"jobName"`
		TemplatePath string            `json:"templatePath"`
		Parameters   map[string]string `json:"parameters"`
		Environment  struct {
			ServiceAccountEmail string `json:"serviceAccountEmail"`
			TempLocation        string `json:"tempLocation"`
		} `json:"environment"`
	} `json:"launchParameter"`
}

// launchResponse is the job service's reply. The job identifier must be
// present for a launch to be considered observed.
type launchResponse struct {
	Job struct {
		ID string `json:"id"`
	} `json:"job"`
}

// HTTPLauncher submits launch requests to the job-execution service's HTTP
// API. Transport failures and 429/500/503 responses are retryable; any
// other non-2xx status is permanent.
type HTTPLauncher struct {
	url    string
	client *http.Client
}

// NewHTTPLauncher creates a launcher targeting the given endpoint.
func NewHTTPLauncher(url string) *HTTPLauncher {
	return &HTTPLauncher{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Launch implements Launcher.
func (l *HTTPLauncher) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	var body launchBody
	body.LaunchParameter.JobName = req.JobName
	body.LaunchParameter.TemplatePath = req.TemplatePath
	body.LaunchParameter.Parameters = map[string]string{
		"input_path": req.InputPath,
		"dataset_id": req.DatasetID,
	}
	body.LaunchParameter.Environment.ServiceAccountEmail = req.ServiceAccount
	body.LaunchParameter.Environment.TempLocation = req.TempLocation

	payload, err := json.Marshal(body)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("marshal launch body: %w", err)
	}
	logger := logctx.FromContext(ctx)
	logger.Debug().RawJSON("launch_body", payload).Msg("submitting launch request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(payload))
	if err != nil {
		return LaunchResult{}, fmt.Errorf("build launch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		// Transport failures are indistinguishable from temporary
		// unavailability; let the delivery layer retry.
		return LaunchResult{}, &SubmitError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LaunchResult{}, &SubmitError{
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("job service returned %s", resp.Status),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("read launch response: %w", err)
	}
	var lr launchResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return LaunchResult{}, fmt.Errorf("unmarshal launch response: %w", err)
	}
	return LaunchResult{JobID: lr.Job.ID}, nil
}

// retryableStatus reports whether an HTTP status indicates rate limiting
// or server-side unavailability.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	return false
}
