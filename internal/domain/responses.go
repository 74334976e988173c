package domain

import "time"

// EmptyPublicMessage is reported when the directory yields no instances
const EmptyPublicMessage = "No instances found. Check the directory source URL."

// InstanceResponse is the presentation form of an InstanceStatus
type InstanceResponse struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Name          string     `json:"name,omitempty"`
	API           string     `json:"api"`
	Protocol      string     `json:"protocol,omitempty"`
	Online        bool       `json:"online"`
	Version       string     `json:"version,omitempty"`
	StartTime     string     `json:"start_time,omitempty"`
	Services      []string   `json:"services,omitempty"`
	Score         *float64   `json:"score,omitempty"`
	BelowMinScore bool       `json:"below_min_score"`
	UsesAPIKey    bool       `json:"uses_api_key"`
	Frontend      string     `json:"frontend,omitempty"`
	Git           *GitInfo   `json:"git,omitempty"`
	LatencyMS     int64      `json:"latency_ms"`
	CheckedAt     *time.Time `json:"checked_at,omitempty"`
}

// NewInstanceResponse renders a status against the configured score threshold
func NewInstanceResponse(s InstanceStatus, minScore float64) InstanceResponse {
	resp := InstanceResponse{
		ID:            s.CacheKey(),
		Title:         s.Title(),
		Name:          s.Name,
		API:           s.API,
		Protocol:      s.Protocol,
		Online:        s.Online,
		Version:       s.Version,
		StartTime:     s.StartTime,
		Services:      s.Services,
		Score:         s.Score,
		BelowMinScore: s.BelowMinScore(minScore),
		UsesAPIKey:    s.UsesAPIKey,
		Frontend:      s.Frontend,
		Git:           s.Git,
		LatencyMS:     s.LatencyMS,
	}
	if !s.CheckedAt.IsZero() {
		checkedAt := s.CheckedAt
		resp.CheckedAt = &checkedAt
	}
	return resp
}

// InstanceListResponse represents the resolved snapshot
type InstanceListResponse struct {
	Custom   *InstanceResponse  `json:"custom"`
	Public   []InstanceResponse `json:"public"`
	Metadata ListMetadata       `json:"metadata"`
}

// ListMetadata describes the listed snapshot
type ListMetadata struct {
	Count       int     `json:"count"`
	OnlineCount int     `json:"online_count"`
	MinScore    float64 `json:"min_score"`
	ResolvedAt  string  `json:"resolved_at,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status          string      `json:"status"`
	DirectorySource string      `json:"directory_source"`
	LastResolvedAt  string      `json:"last_resolved_at,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	Refreshing      bool        `json:"refreshing"`
	InstanceCount   int         `json:"instance_count"`
	OnlineCount     int         `json:"online_count"`
	CacheStats      *CacheStats `json:"cache_stats,omitempty"`
}

// CacheStats contains cache statistics
type CacheStats struct {
	Backend string  `json:"backend"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// PingResponse represents the ping response
type PingResponse struct {
	Pong bool `json:"pong"`
}

// VersionResponse represents the version info response
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}
