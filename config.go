package conduct

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds configuration for the Orchestrator and its subsystems.
// Fields can be populated from the environment with ConfigFromEnv.
type Config struct {
	// MaxWriteRetries is how many times a failed store operation is
	// retried before it is declared unavailable.
	MaxWriteRetries int `env:"CONDUCT_MAX_WRITE_RETRIES"`

	// BreakerThreshold is the number of consecutive store failures that
	// trips the circuit breaker open.
	BreakerThreshold int `env:"CONDUCT_BREAKER_THRESHOLD"`

	// BreakerCooldown is how long the breaker stays open before allowing
	// a single probe operation through.
	BreakerCooldown time.Duration `env:"CONDUCT_BREAKER_COOLDOWN"`

	// AwaitTimeout is the default deadline for steps waiting on an
	// external event, used when the action declares none.
	AwaitTimeout time.Duration `env:"CONDUCT_AWAIT_TIMEOUT"`

	// SweepSchedule is the cron expression (5-field or "@every …") on
	// which expired awaiting steps are forced to timeout.
	SweepSchedule string `env:"CONDUCT_SWEEP_SCHEDULE"`

	// RetryQueueCapacity bounds the event redelivery queue. When full,
	// the oldest queued event is dropped.
	RetryQueueCapacity int `env:"CONDUCT_RETRY_QUEUE_CAPACITY"`

	// RedeliveryInterval is how often the publisher drains its retry
	// queue.
	RedeliveryInterval time.Duration `env:"CONDUCT_REDELIVERY_INTERVAL"`

	// RedeliveryMaxRetries is how many redelivery attempts a queued
	// event gets before it is dropped.
	RedeliveryMaxRetries int `env:"CONDUCT_REDELIVERY_MAX_RETRIES"`

	// NotificationTopic is the platform notification topic appended to
	// resolved topics when the execution carries subscriber ids. Empty
	// disables it.
	NotificationTopic string `env:"CONDUCT_NOTIFICATION_TOPIC"`

	// MeshTargets maps logical service names to base URLs for outbound
	// service calls made by actions, e.g.
	// "deployments=http://deploy.svc,builds=http://builds.svc".
	MeshTargets map[string]string `env:"CONDUCT_MESH_TARGETS" envKeyValSeparator:"="`

	// MeshAuthToken authenticates outbound service calls made by
	// actions. Empty disables the auth header.
	MeshAuthToken string `env:"CONDUCT_MESH_AUTH_TOKEN"`

	// MeshTimeout is the default timeout for outbound service calls.
	MeshTimeout time.Duration `env:"CONDUCT_MESH_TIMEOUT"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"CONDUCT_SHUTDOWN_TIMEOUT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWriteRetries:      3,
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
		AwaitTimeout:         24 * time.Hour,
		SweepSchedule:        "@every 1m",
		RetryQueueCapacity:   1000,
		RedeliveryInterval:   30 * time.Second,
		RedeliveryMaxRetries: 5,
		NotificationTopic:    "",
		MeshTimeout:          30 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig overlaid with any CONDUCT_* variables
// set in the environment.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config from env: %w", err)
	}
	return cfg, nil
}
