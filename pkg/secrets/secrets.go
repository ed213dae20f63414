// Package secrets retrieves the chunk database password from AWS Secrets
// Manager. The secret is fetched once per process and cached; a failed
// fetch is not cached so the next caller retries.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// getSecretValueAPI is the slice of the Secrets Manager API the cache
// needs; tests substitute a fake.
type getSecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput,
		opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Cache fetches one secret by id and caches it for the process lifetime.
// First-use initialization is mutex-guarded so concurrent handlers trigger
// exactly one fetch.
type Cache struct {
	secretID string

	mu     sync.Mutex
	client getSecretValueAPI
	value  string
	cached bool
}

// NewCache creates a cache for the given secret id (name or ARN).
func NewCache(secretID string) *Cache {
	return &Cache{secretID: secretID}
}

// Value returns the secret string, fetching it on first use.
func (c *Cache) Value(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached {
		return c.value, nil
	}

	if c.client == nil {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("load AWS config: %w", err)
		}
		c.client = secretsmanager.NewFromConfig(cfg)
	}

	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", c.secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", c.secretID)
	}

	c.value = *out.SecretString
	c.cached = true
	return c.value, nil
}
