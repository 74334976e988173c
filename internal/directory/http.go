package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/instancewatch/server/internal/domain"
)

const maxDirectorySize = 10 * 1024 * 1024

// HTTPSource fetches the directory document over HTTP
type HTTPSource struct {
	url       string
	client    *http.Client
	timeout   time.Duration
	userAgent string
	validate  *validator.Validate
	logger    *slog.Logger
}

// HTTPConfig holds HTTP source configuration
type HTTPConfig struct {
	URL       string
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// NewHTTPSource creates an HTTP directory source
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.URL == "" {
		cfg.URL = DefaultSourceURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HTTPSource{
		url:       cfg.URL,
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		validate:  domain.NewValidator(),
		logger:    cfg.Logger,
	}
}

// String returns the source URL
func (s *HTTPSource) String() string {
	return s.url
}

// Fetch downloads and decodes the directory within the source timeout
func (s *HTTPSource) Fetch(ctx context.Context) ([]domain.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectorySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory body: %w", err)
	}

	instances, err := Decode(body, formatFor(req.URL.Path, resp.Header.Get("Content-Type")))
	if err != nil {
		return nil, err
	}

	return Sanitize(instances, s.validate, s.logger), nil
}
