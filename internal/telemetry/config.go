package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

// Config holds OTLP export settings for traces, metrics and logs.
type Config struct {
	Enabled        bool
	Endpoint       string // host:port, no scheme
	Protocol       string // "grpc" or "http/protobuf"
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	SampleRate     float64

	Metrics        bool
	MetricInterval time.Duration
	Logs           bool

	ShutdownTimeout time.Duration

	// Attributes are added to the resource of every signal.
	Attributes map[string]string
}

// NewDefaultConfig returns telemetry defaults. Telemetry is off unless
// telemetry.enabled is set.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "knowd",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		Metrics:         true,
		MetricInterval:  15 * time.Second,
		Logs:            true,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromSettings builds a Config from the application config. The resource
// carries which vector store, embedding and search providers this process
// runs with, so traces from differently configured deployments can be told
// apart.
func FromSettings(cfg *config.Config, version string) *Config {
	out := NewDefaultConfig()
	s := cfg.Telemetry
	out.Enabled = s.Enabled
	out.Insecure = s.Insecure
	if s.Endpoint != "" {
		out.Endpoint = stripScheme(s.Endpoint)
	}
	if s.Protocol != "" {
		out.Protocol = s.Protocol
	}
	if s.ServiceName != "" {
		out.ServiceName = s.ServiceName
	}
	if s.SampleRate > 0 {
		out.SampleRate = s.SampleRate
	}
	if version != "" {
		out.ServiceVersion = version
	}
	out.Attributes = map[string]string{
		"knowd.vectorstore.provider": cfg.VectorStore.Provider,
		"knowd.embeddings.provider":  cfg.Embeddings.Provider,
		"knowd.websearch.provider":   cfg.WebSearch.Provider,
	}
	return out
}

// Validate checks the config. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("telemetry endpoint is required when enabled")
	case c.ServiceName == "":
		return fmt.Errorf("telemetry service name is required when enabled")
	case c.Protocol != "grpc" && c.Protocol != "http/protobuf":
		return fmt.Errorf("telemetry protocol must be grpc or http/protobuf, got %q", c.Protocol)
	case c.Insecure && !isLoopback(c.Endpoint):
		return fmt.Errorf("insecure export to %s refused: only loopback endpoints may skip TLS", c.Endpoint)
	case c.SampleRate < 0 || c.SampleRate > 1:
		return fmt.Errorf("telemetry sample rate must be within [0, 1], got %g", c.SampleRate)
	case c.Metrics && c.MetricInterval <= 0:
		return fmt.Errorf("metric export interval must be positive")
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("telemetry shutdown timeout must be positive")
	}
	return nil
}

func isLoopback(endpoint string) bool {
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme turns "http://host:port" into "host:port"; the OTLP exporters
// take a bare address.
func stripScheme(endpoint string) string {
	if _, rest, ok := strings.Cut(endpoint, "://"); ok {
		return strings.TrimSuffix(rest, "/")
	}
	return endpoint
}
