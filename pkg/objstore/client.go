// Package objstore reads chunk data from S3: the per-chunk manifest and
// the columnar table files named by it.
package objstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eunmann/chunk-pipeline/pkg/manifest"
)

// Client provides S3 operations for staging jobs.
type Client struct {
	s3Client *s3.Client
}

// NewClient creates a new S3 client using default AWS configuration.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// NewClientWithConfig creates a new S3 client with a custom AWS config.
func NewClientWithConfig(cfg aws.Config) *Client {
	return &Client{s3Client: s3.NewFromConfig(cfg)}
}

// S3 returns the underlying S3 client for use by the downloader.
func (c *Client) S3() *s3.Client {
	return c.s3Client
}

// FetchManifest fetches and parses the manifest for a chunk from the given
// bucket and folder prefix.
func (c *Client) FetchManifest(ctx context.Context, bucket, prefix string, chunkID int64) (*manifest.Manifest, error) {
	key := manifest.ObjectKey(prefix, chunkID)
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get manifest s3://%s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	m, err := manifest.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse manifest s3://%s/%s: %w", bucket, key, err)
	}
	return m, nil
}

// ParseLocation splits an s3://bucket/prefix URL into bucket and prefix,
// with leading and trailing slashes trimmed from the prefix.
func ParseLocation(location string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("location %q must start with s3://", location)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	prefix = strings.Trim(prefix, "/")
	if bucket == "" || prefix == "" {
		return "", "", fmt.Errorf("invalid chunk location %q", location)
	}
	return bucket, prefix, nil
}
