package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks configuration errors. A run must refuse to start when the
// configuration is invalid; nothing is dispatched first.
var ErrConfig = errors.New("invalid configuration")

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Race      RaceConfig      `mapstructure:"race"`
	Output    string          `mapstructure:"output"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Endpoint describes one transactional endpoint taking part in a race.
// When several endpoints are configured, requests are spread across them so
// the race can exercise multiple code paths hitting the same resource.
type Endpoint struct {
	Name    string            `mapstructure:"name" yaml:"name" json:"name"`
	Method  string            `mapstructure:"method" yaml:"method" json:"method"`
	URL     string            `mapstructure:"url" yaml:"url" json:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers" json:"headers,omitempty"`
	Payload map[string]any    `mapstructure:"payload" yaml:"payload" json:"payload,omitempty"`
}

// RaceConfig holds every knob for a single race-condition assessment run.
// It is immutable once Validate has been called.
type RaceConfig struct {
	TargetURL  string     `mapstructure:"target_url"`
	Endpoints  []Endpoint `mapstructure:"endpoints"`
	BalanceURL string     `mapstructure:"balance_url"`
	AuthToken  string     `mapstructure:"auth_token"`

	// Amount per transaction request. The sign is deliberately not
	// validated; negative-amount behavior is part of what gets tested.
	Amount float64 `mapstructure:"amount"`

	Concurrency int           `mapstructure:"concurrency"`
	Attempts    int           `mapstructure:"attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	JitterMax   time.Duration `mapstructure:"jitter_max"`

	Proxy     string   `mapstructure:"proxy"`
	ProxyFile string   `mapstructure:"proxy_file"`
	Proxies   []string `mapstructure:"proxies"`

	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	DisableKeepAlives bool `mapstructure:"disable_keep_alives"`
	InsecureTLS       bool `mapstructure:"insecure_tls"`
	VerifyBalance     bool `mapstructure:"verify_balance"`

	// SettleDelay is slept after all workers report ready and before the
	// barrier is released, absorbing scheduler wake-up jitter.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// AttemptDelay separates attempts so asynchronous server-side effects
	// from the previous burst can drain.
	AttemptDelay time.Duration `mapstructure:"attempt_delay"`
	// BalanceSettle is slept before the after-snapshot so in-flight
	// transactions have a chance to commit.
	BalanceSettle time.Duration `mapstructure:"balance_settle"`

	EndpointsFile string `mapstructure:"endpoints_file"`
}

const (
	minSettleDelay  = 50 * time.Millisecond
	minAttemptDelay = 300 * time.Millisecond
)

// Validate checks invariants and fills defaults. It must pass before any
// request is dispatched; every violation wraps ErrConfig.
func (c *RaceConfig) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("%w: target URL is required", ErrConfig)
	}
	if _, err := url.ParseRequestURI(c.TargetURL); err != nil {
		return fmt.Errorf("%w: target URL: %v", ErrConfig, err)
	}
	if c.BalanceURL != "" {
		if _, err := url.ParseRequestURI(c.BalanceURL); err != nil {
			return fmt.Errorf("%w: balance URL: %v", ErrConfig, err)
		}
	}
	if c.VerifyBalance && c.BalanceURL == "" {
		return fmt.Errorf("%w: balance verification requires a balance URL", ErrConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrConfig, c.Concurrency)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1, got %d", ErrConfig, c.Attempts)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrConfig, c.MaxRetries)
	}
	if c.JitterMax < 0 {
		return fmt.Errorf("%w: jitter bound must be >= 0, got %v", ErrConfig, c.JitterMax)
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("%w: endpoint %d has no URL", ErrConfig, i)
		}
		if _, err := url.ParseRequestURI(ep.URL); err != nil {
			return fmt.Errorf("%w: endpoint %d URL: %v", ErrConfig, i, err)
		}
		if c.Endpoints[i].Method == "" {
			c.Endpoints[i].Method = "POST"
		}
	}
	for _, p := range c.Proxies {
		if err := validateProxyURL(p); err != nil {
			return err
		}
	}
	if c.Proxy != "" {
		if err := validateProxyURL(c.Proxy); err != nil {
			return err
		}
	}

	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 100 * time.Millisecond
	}
	if c.SettleDelay < minSettleDelay {
		c.SettleDelay = minSettleDelay
	}
	if c.AttemptDelay <= 0 {
		c.AttemptDelay = 500 * time.Millisecond
	}
	if c.AttemptDelay < minAttemptDelay {
		c.AttemptDelay = minAttemptDelay
	}
	if c.BalanceSettle <= 0 {
		c.BalanceSettle = time.Second
	}
	return nil
}

func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: proxy %q: %v", ErrConfig, raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
		return nil
	default:
		return fmt.Errorf("%w: proxy %q: unsupported scheme %q", ErrConfig, raw, u.Scheme)
	}
}

// ProxyPool resolves the effective proxy list: an explicit single proxy wins,
// then a proxy file, then any list set directly.
func (c *RaceConfig) ProxyPool() ([]string, error) {
	if c.Proxy != "" {
		return []string{c.Proxy}, nil
	}
	if c.ProxyFile != "" {
		return LoadProxyList(c.ProxyFile)
	}
	return c.Proxies, nil
}

// LoadEndpoints reads a YAML endpoint-set file for multi-endpoint races.
func LoadEndpoints(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoints file: %v", ErrConfig, err)
	}
	var doc struct {
		Endpoints []Endpoint `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: endpoints file %s: %v", ErrConfig, path, err)
	}
	for i := range doc.Endpoints {
		if doc.Endpoints[i].Method == "" {
			doc.Endpoints[i].Method = "POST"
		}
	}
	return doc.Endpoints, nil
}

// LoadProxyList reads a proxy-list file, one URL per line. Blank lines and
// '#' comments are skipped.
func LoadProxyList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy file: %v", ErrConfig, err)
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := validateProxyURL(line); err != nil {
			return nil, err
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: proxy file %s: %v", ErrConfig, path, err)
	}
	return proxies, nil
}
