package cli

import (
	"strings"
	"testing"
)

func TestRunNoArgs(t *testing.T) {
	err := Run(nil)
	if err == nil {
		t.Fatal("expected error with no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage message, got: %v", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := Run([]string{"unknown"})
	if err == nil {
		t.Fatal("expected error with unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got: %v", err)
	}
}

func TestStageMissingChunkID(t *testing.T) {
	err := Run([]string{"stage", "--input-path", "s3://bucket/chunks/17"})
	if err == nil {
		t.Fatal("expected error with missing --chunk-id")
	}
	if !strings.Contains(err.Error(), "--chunk-id") {
		t.Errorf("expected '--chunk-id' error, got: %v", err)
	}
}

func TestStageNegativeChunkID(t *testing.T) {
	err := Run([]string{"stage", "--chunk-id", "-3", "--input-path", "s3://bucket/chunks/17"})
	if err == nil {
		t.Fatal("expected error with negative --chunk-id")
	}
	if !strings.Contains(err.Error(), "--chunk-id") {
		t.Errorf("expected '--chunk-id' error, got: %v", err)
	}
}

func TestStageMissingInputPath(t *testing.T) {
	err := Run([]string{"stage", "--chunk-id", "17"})
	if err == nil {
		t.Fatal("expected error with missing --input-path")
	}
	if !strings.Contains(err.Error(), "--input-path") {
		t.Errorf("expected '--input-path' error, got: %v", err)
	}
}

func TestPromoteMissingDSN(t *testing.T) {
	t.Setenv("CHUNK_DB_DSN", "")

	err := Run([]string{"promote"})
	if err == nil {
		t.Fatal("expected error with missing CHUNK_DB_DSN")
	}
	if !strings.Contains(err.Error(), "CHUNK_DB_DSN") {
		t.Errorf("expected 'CHUNK_DB_DSN' error, got: %v", err)
	}
}
