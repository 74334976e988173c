package domain

import (
	"net/url"
	"strings"
	"time"
)

// CustomInstanceID is reserved for the instance configured by the operator
const CustomInstanceID = "custom"

// DefaultProtocol is assumed when rendering an address without a scheme
const DefaultProtocol = "https"

// Instance describes one deployment of the download API, as listed by the
// instance directory or built from configuration
type Instance struct {
	ID       string   `json:"id" yaml:"id" validate:"omitempty,max=128"`
	Name     string   `json:"name" yaml:"name"`
	API      string   `json:"api" yaml:"api" validate:"required,instance_address"`
	Protocol string   `json:"protocol,omitempty" yaml:"protocol,omitempty" validate:"omitempty,oneof=http https"`
	APIKey   string   `json:"-" yaml:"-"`
	Services Services `json:"services,omitempty" yaml:"services,omitempty" validate:"omitempty,dive,required"`
	Score    *float64 `json:"score,omitempty" yaml:"score,omitempty" validate:"omitempty,gte=0,lte=100"`
	Version  string   `json:"version,omitempty" yaml:"version,omitempty"`
	Frontend string   `json:"frontend,omitempty" yaml:"frontend,omitempty"`
	Git      *GitInfo `json:"git,omitempty" yaml:"git,omitempty"`
}

// GitInfo identifies the source revision an instance runs
type GitInfo struct {
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Commit string `json:"commit,omitempty" yaml:"commit,omitempty"`
	Remote string `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// CacheKey returns the stable key used to cache the instance status
func (i Instance) CacheKey() string {
	if i.ID != "" {
		return i.ID
	}
	return i.API
}

// ProbeURL returns the address probed for liveness. The address is used
// verbatim when no protocol is set since it may already be a full URL.
func (i Instance) ProbeURL() string {
	if i.Protocol != "" {
		return i.Protocol + "://" + i.API
	}
	return i.API
}

// IsCustom reports whether the instance is the operator-configured one
func (i Instance) IsCustom() bool {
	return i.ID == CustomInstanceID
}

// Title returns the display name of the instance
func (i Instance) Title() string {
	if i.IsCustom() {
		if i.Name == "" || strings.EqualFold(i.Name, "none") {
			return i.API
		}
		return i.Name
	}

	if i.API != "" {
		protocol := i.Protocol
		if protocol == "" {
			protocol = DefaultProtocol
		}
		if u, err := url.Parse(protocol + "://" + i.API); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return i.Name
}

// InstanceStatus is an Instance enriched with the result of a liveness probe
type InstanceStatus struct {
	Instance

	Online     bool      `json:"online"`
	UsesAPIKey bool      `json:"usesApiKey"`
	StartTime  string    `json:"startTime,omitempty"`
	LatencyMS  int64     `json:"latencyMs"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// BelowMinScore reports whether the trust score is under the threshold.
// A zero score is always flagged.
func (s InstanceStatus) BelowMinScore(threshold float64) bool {
	if s.Score == nil {
		return false
	}
	return *s.Score == 0 || *s.Score < threshold
}

// Snapshot is the immutable result of one resolution cycle
type Snapshot struct {
	Public []InstanceStatus `json:"public"`
	Custom *InstanceStatus  `json:"custom,omitempty"`
}

// Find returns the status with the given id from either section
func (s *Snapshot) Find(id string) (*InstanceStatus, bool) {
	if s == nil {
		return nil, false
	}
	if s.Custom != nil && s.Custom.CacheKey() == id {
		status := *s.Custom
		return &status, true
	}
	for i := range s.Public {
		if s.Public[i].CacheKey() == id {
			status := s.Public[i]
			return &status, true
		}
	}
	return nil, false
}

// Matches reports whether query occurs in the id, name or address,
// ignoring case
func (s InstanceStatus) Matches(query string) bool {
	query = strings.ToLower(query)
	return strings.Contains(strings.ToLower(s.ID), query) ||
		strings.Contains(strings.ToLower(s.Name), query) ||
		strings.Contains(strings.ToLower(s.API), query)
}

// Search returns the public statuses matching query in snapshot order
func (s *Snapshot) Search(query string) []InstanceStatus {
	if s == nil {
		return nil
	}
	var results []InstanceStatus
	for _, status := range s.Public {
		if status.Matches(query) {
			results = append(results, status)
		}
	}
	return results
}

// OnlineCount returns the number of live public instances
func (s *Snapshot) OnlineCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, status := range s.Public {
		if status.Online {
			n++
		}
	}
	return n
}
