package trigger

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eunmann/chunk-pipeline/pkg/bus"
)

type fakeLauncher struct {
	req    LaunchRequest
	called int
	result LaunchResult
	err    error
}

func (f *fakeLauncher) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	f.called++
	f.req = req
	return f.result, f.err
}

func encode(s string) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(s)))
}

func newTestTrigger(l Launcher) *Trigger {
	tr := New(l, Config{
		TemplatePath:   "s3://templates/stage-chunk",
		ServiceAccount: "stager@example",
		TempLocation:   "s3://tmp/staging",
	})
	tr.now = func() time.Time {
		return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	}
	return tr
}

func TestHandleLaunchesJob(t *testing.T) {
	fl := &fakeLauncher{result: LaunchResult{JobID: "job-123"}}
	tr := newTestTrigger(fl)

	body := encode(`{"bucket": "ppdb-chunks", "name": "nightly/17", "dataset": "ppdb"}`)
	if v := tr.Handle(context.Background(), body); v != bus.Ack {
		t.Fatalf("verdict = %v, want Ack", v)
	}

	if fl.called != 1 {
		t.Fatalf("launcher called %d times, want 1", fl.called)
	}
	if fl.req.JobName != "stage-chunk-17-20260830120000" {
		t.Errorf("JobName = %q", fl.req.JobName)
	}
	if fl.req.InputPath != "s3://ppdb-chunks/nightly/17" {
		t.Errorf("InputPath = %q", fl.req.InputPath)
	}
	if fl.req.DatasetID != "ppdb" {
		t.Errorf("DatasetID = %q", fl.req.DatasetID)
	}
	if fl.req.ServiceAccount != "stager@example" || fl.req.TempLocation != "s3://tmp/staging" {
		t.Errorf("environment not passed through: %+v", fl.req)
	}
}

func TestHandleMalformedPayloadsDropped(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"not base64", []byte("%%%not-base64%%%")},
		{"not json", encode("not json at all")},
		{"missing bucket", encode(`{"name": "nightly/17", "dataset": "ppdb"}`)},
		{"missing name", encode(`{"bucket": "b", "dataset": "ppdb"}`)},
		{"missing dataset", encode(`{"bucket": "b", "name": "nightly/17"}`)},
	}

	for _, tc := range cases {
		fl := &fakeLauncher{}
		tr := newTestTrigger(fl)
		if v := tr.Handle(context.Background(), tc.body); v != bus.Ack {
			t.Errorf("%s: verdict = %v, want Ack (drop)", tc.name, v)
		}
		if fl.called != 0 {
			t.Errorf("%s: launcher was called for a malformed payload", tc.name)
		}
	}
}

func TestHandleRetryableFailure(t *testing.T) {
	fl := &fakeLauncher{err: &SubmitError{StatusCode: 503, Retryable: true, Err: context.DeadlineExceeded}}
	tr := newTestTrigger(fl)

	body := encode(`{"bucket": "b", "name": "nightly/17", "dataset": "ppdb"}`)
	if v := tr.Handle(context.Background(), body); v != bus.Retry {
		t.Errorf("verdict = %v, want Retry", v)
	}
}

func TestHandlePermanentFailureDropped(t *testing.T) {
	fl := &fakeLauncher{err: &SubmitError{StatusCode: 400, Retryable: false, Err: context.Canceled}}
	tr := newTestTrigger(fl)

	body := encode(`{"bucket": "b", "name": "nightly/17", "dataset": "ppdb"}`)
	if v := tr.Handle(context.Background(), body); v != bus.Ack {
		t.Errorf("verdict = %v, want Ack (drop)", v)
	}
}

func TestHandleMissingJobIDDropped(t *testing.T) {
	fl := &fakeLauncher{result: LaunchResult{}}
	tr := newTestTrigger(fl)

	body := encode(`{"bucket": "b", "name": "nightly/17", "dataset": "ppdb"}`)
	if v := tr.Handle(context.Background(), body); v != bus.Ack {
		t.Errorf("verdict = %v, want Ack", v)
	}
}

func TestHTTPLauncherStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		l := NewHTTPLauncher(srv.URL)

		_, err := l.Launch(context.Background(), LaunchRequest{JobName: "stage-chunk-1-x"})
		srv.Close()

		submitErr, ok := err.(*SubmitError)
		if !ok {
			t.Errorf("status %d: error type %T, want *SubmitError", tc.status, err)
			continue
		}
		if submitErr.Retryable != tc.retryable {
			t.Errorf("status %d: Retryable = %v, want %v", tc.status, submitErr.Retryable, tc.retryable)
		}
	}
}

func TestHTTPLauncherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Write([]byte(`{"job": {"id": "job-789"}}`))
	}))
	defer srv.Close()

	l := NewHTTPLauncher(srv.URL)
	res, err := l.Launch(context.Background(), LaunchRequest{JobName: "stage-chunk-1-x"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if res.JobID != "job-789" {
		t.Errorf("JobID = %q, want job-789", res.JobID)
	}
}

func TestHTTPLauncherResponseWithoutJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "accepted"}`))
	}))
	defer srv.Close()

	l := NewHTTPLauncher(srv.URL)
	res, err := l.Launch(context.Background(), LaunchRequest{JobName: "stage-chunk-1-x"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if res.JobID != "" {
		t.Errorf("JobID = %q, want empty", res.JobID)
	}
}
