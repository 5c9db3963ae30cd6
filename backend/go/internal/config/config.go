package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDelegationTimeoutMs applies when gateway.delegation.timeoutMs is unset.
	DefaultDelegationTimeoutMs = 600000
	// DefaultPort is used by the sse and httpstream transports.
	DefaultPort = "8090"
)

// AppInfo holds basic application information.
type AppInfo struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"` // e.g. "development", "production"
}

// LoggerConfig configures the logger.
type LoggerConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// TracingConfig selects where OpenTelemetry spans are exported.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`    // "none", "stderr" or "file"
	Output      string  `yaml:"output"`      // file path for the "file" exporter
	SampleRatio float64 `yaml:"sampleRatio"` // 0 or 1 samples everything
}

// RedisConfig is the Redis connection used by the envelope audit store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"` // e.g. "localhost:6379"
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"` // how long envelopes are kept, e.g. "24h"
}

// KafkaConfig is the Kafka connection used by the progress publisher.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// EtcdConfig is the etcd cluster used to discover the upstream service.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// DatabaseConfigs groups the optional backing services.
type DatabaseConfigs struct {
	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`
	Etcd  EtcdConfig  `yaml:"etcd"`
}

// RateLimiterConfig configures token-bucket admission.
type RateLimiterConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // tokens per second
	Burst   int     `yaml:"burst"`
}

// CircuitBreakerConfig configures the upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // e.g. "30s"
}

// MiddlewareConfig groups the protection middleware.
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// UpstreamConfig describes how to reach the upstream MCP execution service.
type UpstreamConfig struct {
	ServerName       string   `yaml:"serverName"`
	TransportType    string   `yaml:"transportType"` // "stdio", "http-sse" or "httpstream"
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	URL              string   `yaml:"url"`
	Env              []string `yaml:"env"`
	DiscoveryService string   `yaml:"discoveryService"` // etcd service name; overrides url
}

// DelegationConfig controls the DELEGATING step.
type DelegationConfig struct {
	Enabled         bool           `yaml:"enabled"`
	TimeoutMs       int            `yaml:"timeoutMs"`
	DefaultFraction float64        `yaml:"defaultFraction"`
	Operations      []string       `yaml:"operations"` // glob allow-list
	Upstream        UpstreamConfig `yaml:"upstream"`
}

// FallbackConfig controls the FALLING_BACK step.
type FallbackConfig struct {
	Policy string `yaml:"policy"` // "simulate" or "error"
}

// GatewayConfig is the task gateway section.
type GatewayConfig struct {
	Transport  string           `yaml:"transport"` // "stdio", "sse" or "httpstream"
	Port       string           `yaml:"port"`
	Delegation DelegationConfig `yaml:"delegation"`
	Fallback   FallbackConfig   `yaml:"fallback"`
}

// HTTPConfig configures the optional HTTP status surface.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AppConfig is the root of the YAML file.
type AppConfig struct {
	App        AppInfo          `yaml:"app"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	HTTP       HTTPConfig       `yaml:"http"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Databases  DatabaseConfigs  `yaml:"databases"`
}

// LoadConfig reads, parses and validates the YAML file at path.
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read YAML file '%s': %w", path, err)
	}
	return Parse(yamlFile)
}

// Parse parses and validates YAML configuration bytes.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects inconsistent settings.
func (c *AppConfig) Validate() error {
	if c.App.Name == "" {
		c.App.Name = "task_gateway"
	}
	if c.App.Version == "" {
		c.App.Version = "1.0.0"
	}

	g := &c.Gateway
	switch g.Transport {
	case "":
		g.Transport = "stdio"
	case "stdio", "sse", "httpstream":
	default:
		return fmt.Errorf("unknown gateway transport: %q", g.Transport)
	}
	if g.Port == "" {
		g.Port = DefaultPort
	}

	d := &g.Delegation
	if d.TimeoutMs < 0 {
		return fmt.Errorf("gateway.delegation.timeoutMs must not be negative")
	}
	if d.TimeoutMs == 0 {
		d.TimeoutMs = DefaultDelegationTimeoutMs
	}
	if d.DefaultFraction < 0 {
		d.DefaultFraction = 0
	}
	if d.DefaultFraction > 1 {
		d.DefaultFraction = 1
	}
	if len(d.Operations) == 0 {
		d.Operations = []string{"Task"}
	}
	if d.Enabled {
		switch d.Upstream.TransportType {
		case "stdio":
			if d.Upstream.Command == "" {
				return fmt.Errorf("gateway.delegation.upstream.command is required for stdio")
			}
		case "http-sse", "httpstream":
			if d.Upstream.URL == "" && d.Upstream.DiscoveryService == "" {
				return fmt.Errorf("gateway.delegation.upstream.url or discoveryService is required for %s", d.Upstream.TransportType)
			}
		default:
			return fmt.Errorf("unsupported upstream transport type: %q", d.Upstream.TransportType)
		}
		if d.Upstream.ServerName == "" {
			d.Upstream.ServerName = "upstream"
		}
	}

	switch g.Fallback.Policy {
	case "":
		g.Fallback.Policy = "simulate"
	case "simulate", "error":
	default:
		return fmt.Errorf("unknown fallback policy: %q", g.Fallback.Policy)
	}

	t := &c.Tracing
	switch t.Exporter {
	case "":
		t.Exporter = "none"
	case "none", "stderr":
	case "file":
		if t.Output == "" {
			return fmt.Errorf("tracing.output is required for the file exporter")
		}
	default:
		return fmt.Errorf("unknown tracing exporter: %q", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio must be within [0, 1]")
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		c.HTTP.Address = ":8091"
	}
	if c.Middleware.CircuitBreaker.Enabled {
		if _, err := time.ParseDuration(c.Middleware.CircuitBreaker.Timeout); err != nil {
			return fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
		}
	}
	if c.Databases.Redis.Enabled && c.Databases.Redis.TTL != "" {
		if _, err := time.ParseDuration(c.Databases.Redis.TTL); err != nil {
			return fmt.Errorf("invalid redis ttl: %w", err)
		}
	}
	if c.Databases.Kafka.Enabled && len(c.Databases.Kafka.Brokers) == 0 {
		return fmt.Errorf("databases.kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// DelegationTimeout returns the configured delegation bound.
func (d DelegationConfig) DelegationTimeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}
