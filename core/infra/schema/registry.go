package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL   = "redis://localhost:6379"
	schemaIndexMaxLen = 500
)

// Registry stores JSON Schemas in Redis and validates payloads.
type Registry struct {
	client redis.UniversalClient
}

// NewRegistry constructs a Redis-backed schema registry.
func NewRegistry(url string) (*Registry, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Registry{client: client}, nil
}

// NewRegistryWithClient shares an existing Redis client. Close does not close it.
func NewRegistryWithClient(client redis.UniversalClient) *Registry {
	return &Registry{client: client}
}

// Close closes the underlying Redis client.
func (r *Registry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Register stores a schema by id, replacing any previous body.
func (r *Registry) Register(ctx context.Context, id string, schema []byte) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("schema id required")
	}
	if len(schema) == 0 {
		return fmt.Errorf("schema body required")
	}
	if _, err := compile(id, schema); err != nil {
		return err
	}
	now := time.Now().UTC()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, schemaKey(id), schema, 0)
	pipe.ZAdd(ctx, schemaIndexKey(), redis.Z{Score: float64(now.Unix()), Member: id})
	pipe.ZRemRangeByRank(ctx, schemaIndexKey(), 0, -schemaIndexMaxLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Ensure registers schema under id unless the stored body already matches.
// It reports whether a write happened and is safe to call concurrently.
func (r *Registry) Ensure(ctx context.Context, id string, schema []byte) (bool, error) {
	current, err := r.Get(ctx, id)
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	if err == nil && bytes.Equal(current, schema) {
		return false, nil
	}
	if err := r.Register(ctx, id, schema); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the raw schema bytes.
func (r *Registry) Get(ctx context.Context, id string) ([]byte, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("schema id required")
	}
	return r.client.Get(ctx, schemaKey(id)).Bytes()
}

// ValidateID validates payload against a stored schema.
func (r *Registry) ValidateID(ctx context.Context, id string, value any) error {
	schema, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return ValidateSchema(id, schema, value)
}

func schemaKey(id string) string {
	return "policyhub:schema:" + id
}

func schemaIndexKey() string {
	return "policyhub:schema:index"
}
