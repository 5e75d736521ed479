package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"aicall-gateway/pkg/logging/logging"
)

const (
	defaultCompletionsPath = "/v1/chat/completions"
	defaultTimeout         = 30 * time.Second
	defaultMaxRetries      = 2
	defaultBaseBackoff     = 100 * time.Millisecond
	defaultMaxConns        = 32
)

// Config describes one OpenAI-compatible upstream. BaseURL, APIKey and
// Model are required.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	// CompletionsPath is appended to BaseURL.
	CompletionsPath string

	// UpstreamTimeout bounds one Complete call, retries included.
	UpstreamTimeout time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration

	// MaxConns caps open connections to the upstream host, which bounds
	// the number of AI calls in flight from this process. Idle connections
	// are pooled up to the same number.
	MaxConns int

	// HTTPClient replaces the pooled client built from MaxConns (tests).
	HTTPClient *http.Client
}

// Validate reports every missing or malformed required field.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("BaseURL is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("BaseURL %q must be an absolute http(s) URL", c.BaseURL))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("APIKey is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("Model is required"))
	}
	return errors.Join(errs...)
}

// WithDefaults returns a copy with zero values replaced by defaults and the
// endpoint parts normalized so they join with a single slash.
func (c *Config) WithDefaults() Config {
	cfg := *c

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CompletionsPath == "" {
		cfg.CompletionsPath = defaultCompletionsPath
	}
	if !strings.HasPrefix(cfg.CompletionsPath, "/") {
		cfg.CompletionsPath = "/" + cfg.CompletionsPath
	}

	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	return cfg
}

// endpoint is the full completions URL.
func (c *Config) endpoint() string {
	return c.BaseURL + c.CompletionsPath
}

type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a completion client for cfg.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: newTransport(cfg.MaxConns)}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logging.Or(logger).Named("llmclient"),
	}, nil
}

// newTransport pools connections to a single upstream host.
func newTransport(maxConns int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       maxConns,
		MaxIdleConns:          maxConns,
		MaxIdleConnsPerHost:   maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Close drops pooled idle connections.
func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
