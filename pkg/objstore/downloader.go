package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: max(4, NumCPU), capped at 16.
	Concurrency int

	// PartSize is the size of each download part in bytes. Default: 16MB.
	PartSize int64

	// TempDir is the directory for temporary download files.
	// If empty, os.TempDir() is used.
	TempDir string
}

// DefaultDownloaderConfig returns sensible defaults for the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := runtime.NumCPU()
	if concurrency < 4 {
		concurrency = 4
	}
	if concurrency > 16 {
		concurrency = 16
	}
	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    16 * 1024 * 1024,
	}
}

// Downloader wraps the AWS S3 Download Manager for fetching columnar table
// files. Parquet needs random access, so downloads land in a temp file that
// the returned reader deletes on close.
type Downloader struct {
	manager *manager.Downloader
	config  DownloaderConfig
}

// NewDownloader creates a Downloader from an existing S3 client.
func NewDownloader(s3Client *s3.Client, cfg DownloaderConfig) *Downloader {
	def := DefaultDownloaderConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}

	mgr := manager.NewDownloader(s3Client, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
		d.BufferProvider = manager.NewPooledBufferedWriterReadFromProvider(int(cfg.PartSize))
	})

	return &Downloader{manager: mgr, config: cfg}
}

// Download fetches an S3 object into a temp file and returns a reader over
// it. The reader implements io.ReaderAt and reports its size, which is what
// the parquet reader needs.
func (d *Downloader) Download(ctx context.Context, bucket, key string) (*TempFileReader, error) {
	tempDir := d.config.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	tempFile, err := os.CreateTemp(tempDir, "chunk-table-*.parquet")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	n, err := d.manager.Download(ctx, tempFile, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, fmt.Errorf("seek temp file: %w", err)
	}

	return &TempFileReader{file: tempFile, path: tempFile.Name(), size: n}, nil
}

// TempFileReader wraps a downloaded temp file and deletes it on close.
type TempFileReader struct {
	file *os.File
	path string
	size int64
}

func (r *TempFileReader) Read(p []byte) (int, error) {
	n, err := r.file.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read temp file: %w", err)
	}
	return n, err
}

// ReadAt implements io.ReaderAt for parquet compatibility.
func (r *TempFileReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.file.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read temp file at offset %d: %w", off, err)
	}
	return n, err
}

// Size returns the downloaded object size in bytes.
func (r *TempFileReader) Size() int64 {
	return r.size
}

func (r *TempFileReader) Close() error {
	err := r.file.Close()
	os.Remove(r.path)
	if err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}
