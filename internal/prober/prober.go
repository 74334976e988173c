// Package prober checks whether a single instance is alive and reads the
// metadata it reports about itself.
package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/instancewatch/server/internal/domain"
	"github.com/instancewatch/server/internal/middleware"
)

const (
	// DefaultTimeout bounds a single probe
	DefaultTimeout = 2 * time.Second

	maxBodySize = 1 << 20
)

// Prober issues liveness probes. It holds no mutable state and may be
// shared by any number of goroutines.
type Prober struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	now       func() time.Time
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Config holds prober configuration
type Config struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	Now       func() time.Time
	Logger    *slog.Logger
}

// New creates a prober
func New(cfg Config) *Prober {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Prober{
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		now:       cfg.Now,
		tracer:    otel.Tracer("instancewatch/prober"),
		logger:    cfg.Logger,
	}
}

// statusBody is the document served at an instance root
type statusBody struct {
	Cobalt map[string]json.RawMessage `json:"cobalt"`
	Git    json.RawMessage            `json:"git"`
}

// Probe checks one instance. It never fails: any error yields an offline
// status carrying the descriptor's declared fields unchanged.
func (p *Prober) Probe(ctx context.Context, instance domain.Instance) domain.InstanceStatus {
	ctx, span := p.tracer.Start(ctx, "prober.Probe", trace.WithAttributes(
		attribute.String("instance.key", instance.CacheKey()),
		attribute.String("instance.url", instance.ProbeURL()),
	))
	defer span.End()

	start := time.Now()
	status := domain.InstanceStatus{
		Instance:   instance,
		UsesAPIKey: instance.APIKey != "",
		CheckedAt:  p.now().UTC().Truncate(time.Millisecond),
	}

	live, err := p.fetch(ctx, instance)
	status.LatencyMS = time.Since(start).Milliseconds()

	result := "offline"
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug("instance probe failed",
			"instance", instance.CacheKey(),
			"url", instance.ProbeURL(),
			"error", err,
		)
	} else {
		result = "online"
		status.Online = true
		status.Version = live.version
		if live.services != nil {
			status.Services = live.services
		}
		status.StartTime = live.startTime
		if live.git != nil {
			status.Git = live.git
		}
	}

	span.SetAttributes(attribute.Bool("instance.online", status.Online))
	middleware.ProbeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	middleware.ProbesTotal.WithLabelValues(result).Inc()

	return status
}

type liveInfo struct {
	version   string
	services  domain.Services
	startTime string
	git       *domain.GitInfo
}

func (p *Prober) fetch(ctx context.Context, instance domain.Instance) (*liveInfo, error) {
	if instance.API == "" {
		return nil, fmt.Errorf("instance has no address")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance.ProbeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if instance.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+instance.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body statusBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode probe response: %w", err)
	}

	return parseLive(body)
}

// parseLive extracts metadata from a decoded body. The version marker must
// be a string; the remaining fields are taken only when well formed.
func parseLive(body statusBody) (*liveInfo, error) {
	rawVersion, ok := body.Cobalt["version"]
	if !ok {
		return nil, fmt.Errorf("response has no cobalt.version")
	}

	info := &liveInfo{}
	if !bytes.HasPrefix(bytes.TrimSpace(rawVersion), []byte(`"`)) {
		return nil, fmt.Errorf("cobalt.version is not a string")
	}
	if err := json.Unmarshal(rawVersion, &info.version); err != nil {
		return nil, fmt.Errorf("failed to decode cobalt.version: %w", err)
	}

	if raw, ok := body.Cobalt["services"]; ok {
		var services domain.Services
		if err := json.Unmarshal(raw, &services); err == nil && services != nil {
			info.services = services
		}
	}
	if raw, ok := body.Cobalt["startTime"]; ok {
		var startTime string
		if err := json.Unmarshal(raw, &startTime); err == nil {
			info.startTime = startTime
		}
	}

	if len(body.Git) > 0 {
		var git domain.GitInfo
		if err := json.Unmarshal(body.Git, &git); err == nil && git != (domain.GitInfo{}) {
			info.git = &git
		}
	}

	return info, nil
}
