package logctx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContext_NilContext(t *testing.T) {
	// FromContext(nil) should return default logger, not panic
	logger := FromContext(nil)

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestFromContext_ContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestWithLogger_AndFromContext(t *testing.T) {
	var buf bytes.Buffer
	customLogger := zerolog.New(&buf).With().Str("custom", "field").Logger()

	ctx := WithLogger(context.Background(), customLogger)
	logger := FromContext(ctx)

	logger.Info().Msg("test")

	output := buf.String()
	if !strings.Contains(output, `"custom":"field"`) {
		t.Errorf("expected custom field in output, got: %s", output)
	}
}

func TestWithChunk(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), base)
	ctx = WithChunk(ctx, 42)

	logger := FromContext(ctx)
	logger.Info().Msg("staging")

	output := buf.String()
	if !strings.Contains(output, `"chunk_id":42`) {
		t.Errorf("expected chunk_id field in output, got: %s", output)
	}
}

func TestWithStr(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), base)
	ctx = WithStr(ctx, "job_name", "stage-chunk-7-20260830000000")

	logger := FromContext(ctx)
	logger.Info().Msg("launch")

	output := buf.String()
	if !strings.Contains(output, `"job_name":"stage-chunk-7-20260830000000"`) {
		t.Errorf("expected job_name field in output, got: %s", output)
	}
}
