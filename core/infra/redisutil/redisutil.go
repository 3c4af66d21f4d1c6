package redisutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/policyhub/core/infra/tlsenv"
	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA         = "REDIS_TLS_CA"
	envRedisTLSCert       = "REDIS_TLS_CERT"
	envRedisTLSKey        = "REDIS_TLS_KEY"
	envRedisTLSInsecure   = "REDIS_TLS_INSECURE"
	envRedisTLSServerName = "REDIS_TLS_SERVER_NAME"
	envRedisClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"

	connectTimeout = 2 * time.Second
)

// Connect builds a client for url and verifies it answers PING.
func Connect(url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// NewClient creates a Redis universal client with optional TLS and clustering support.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := parseAddrListEnv(envRedisClusterAddrs)
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	uopts := &redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
	return redis.NewUniversalClient(uopts), nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if err := applyTLSFromEnv(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

var redisTLSVars = tlsenv.Vars{
	Name:       "redis",
	CA:         envRedisTLSCA,
	Cert:       envRedisTLSCert,
	Key:        envRedisTLSKey,
	Insecure:   envRedisTLSInsecure,
	ServerName: envRedisTLSServerName,
}

// applyTLSFromEnv layers REDIS_TLS_* over whatever the URL scheme configured.
func applyTLSFromEnv(opts *redis.Options) error {
	if opts == nil {
		return nil
	}
	cfg, err := tlsenv.Load(redisTLSVars, opts.TLSConfig)
	if err != nil {
		return err
	}
	opts.TLSConfig = cfg
	return nil
}

func parseAddrListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
