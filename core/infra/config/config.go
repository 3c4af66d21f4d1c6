package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL             = "nats://localhost:4222"
	defaultRedisURL            = "redis://localhost:6379"
	defaultHTTPAddr            = ":8085"
	defaultMetricsAddr         = ":9095"
	defaultIndex               = "policies"
	defaultBasePath            = "/policies"
	defaultSettingsPath        = "config/policyhub.yaml"
	defaultSettingsSubject     = "sys.settings.changed"
	defaultMinSuccessfulCopies = 1
	defaultReplicaWaitTimeout  = time.Second

	envNATSURL             = "NATS_URL"
	envRedisURL            = "REDIS_URL"
	envHTTPAddr            = "POLICY_HTTP_ADDR"
	envMetricsAddr         = "POLICY_METRICS_ADDR"
	envIndex               = "POLICY_INDEX"
	envBasePath            = "POLICY_BASE_PATH"
	envSettingsPath        = "POLICY_SETTINGS_PATH"
	envSettingsSubject     = "POLICY_SETTINGS_SUBJECT"
	envMinSuccessfulCopies = "POLICY_MIN_SUCCESSFUL_COPIES"
	envWaitReplicas        = "POLICY_WAIT_REPLICAS"
	envReplicaWaitTimeout  = "POLICY_REPLICA_WAIT_TIMEOUT"
	envAllowedActions      = "POLICY_ALLOWED_ACTIONS"
)

// Config holds runtime configuration for the policy service.
type Config struct {
	NatsURL     string
	RedisURL    string
	HTTPAddr    string
	MetricsAddr string

	Index    string
	BasePath string

	SettingsPath    string
	SettingsSubject string
	// AllowedActions overrides the settings file when non-empty.
	AllowedActions []string

	MinSuccessfulCopies int
	WaitReplicas        int
	ReplicaWaitTimeout  time.Duration
}

// Load returns configuration using environment variables with sane defaults.
// Unparseable numeric values fall back to their defaults.
func Load() *Config {
	return &Config{
		NatsURL:             envOr(envNATSURL, defaultNATSURL),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:            envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:         envOr(envMetricsAddr, defaultMetricsAddr),
		Index:               envOr(envIndex, defaultIndex),
		BasePath:            normalizeBasePath(envOr(envBasePath, defaultBasePath)),
		SettingsPath:        envOr(envSettingsPath, defaultSettingsPath),
		SettingsSubject:     envOr(envSettingsSubject, defaultSettingsSubject),
		AllowedActions:      splitList(os.Getenv(envAllowedActions)),
		MinSuccessfulCopies: envInt(envMinSuccessfulCopies, defaultMinSuccessfulCopies, 1),
		WaitReplicas:        envInt(envWaitReplicas, 0, 0),
		ReplicaWaitTimeout:  envDuration(envReplicaWaitTimeout, defaultReplicaWaitTimeout),
	}
}

// Validate rejects settings the service cannot honour. Only the primary and
// the awaited replicas can acknowledge a write, so requiring more copies
// would fail every write.
func (c *Config) Validate() error {
	if c.MinSuccessfulCopies < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", envMinSuccessfulCopies, c.MinSuccessfulCopies)
	}
	if c.WaitReplicas < 0 {
		return fmt.Errorf("%s must not be negative, got %d", envWaitReplicas, c.WaitReplicas)
	}
	if limit := 1 + c.WaitReplicas; c.MinSuccessfulCopies > limit {
		return fmt.Errorf("%s=%d exceeds the %d copies a write can reach (1 primary + %s=%d)",
			envMinSuccessfulCopies, c.MinSuccessfulCopies, limit, envWaitReplicas, c.WaitReplicas)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeBasePath(p string) string {
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return defaultBasePath
	}
	return p
}
