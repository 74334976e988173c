package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/instancewatch/server/internal/domain"
	"github.com/instancewatch/server/internal/sync"
)

// Build information (set at compile time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// StatusReader exposes the published resolution state
type StatusReader interface {
	Snapshot() *domain.Snapshot
	LastResolvedAt() time.Time
	LastError() string
	CacheStats() *domain.CacheStats
	Source() string
}

// Handlers provides HTTP handlers for the API
type Handlers struct {
	resolver StatusReader
	manager  *sync.Manager
	minScore float64
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(resolver StatusReader, manager *sync.Manager, minScore float64, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		resolver: resolver,
		manager:  manager,
		minScore: minScore,
		logger:   logger,
	}
}

// Health returns health check information
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.resolver.Snapshot()
	lastErr := h.resolver.LastError()

	status := "ok"
	if snap == nil || lastErr != "" {
		status = "degraded"
	}

	resp := domain.HealthResponse{
		Status:          status,
		DirectorySource: h.resolver.Source(),
		LastResolvedAt:  formatTime(h.resolver.LastResolvedAt()),
		LastError:       lastErr,
		Refreshing:      h.manager.IsSyncing(),
		CacheStats:      h.resolver.CacheStats(),
	}
	if snap != nil {
		resp.InstanceCount = len(snap.Public)
		resp.OnlineCount = snap.OnlineCount()
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ping returns a simple pong response
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.PingResponse{Pong: true})
}

// Version returns build version information
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	version := Version
	commit := GitCommit
	buildTime := BuildTime

	// Try to get from build info if not set
	if info, ok := debug.ReadBuildInfo(); ok && version == "dev" {
		version = info.Main.Version
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				buildTime = setting.Value
			}
		}
	}

	writeJSON(w, http.StatusOK, domain.VersionResponse{
		Version:   version,
		GitCommit: commit,
		BuildTime: buildTime,
	})
}

// ListInstances returns the custom instance and the filtered public list
func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	snap := h.resolver.Snapshot()
	if snap == nil {
		writeNotReady(w, h.resolver.LastError())
		return
	}

	query := r.URL.Query()
	public := snap.Public
	if q := query.Get("q"); q != "" {
		public = filter(public, func(s domain.InstanceStatus) bool { return s.Matches(q) })
	}

	if v := query.Get("online"); v != "" {
		online, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Bad Request", "online must be true or false")
			return
		}
		public = filter(public, func(s domain.InstanceStatus) bool { return s.Online == online })
	}

	if service := query.Get("service"); service != "" {
		public = filter(public, func(s domain.InstanceStatus) bool { return s.Services.Has(service) })
	}

	resp := h.listResponse(snap, public)
	if len(public) == 0 && len(snap.Public) > 0 {
		resp.Metadata.Message = "No instances match the given filters."
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetInstance returns one instance by id
func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "Instance id is required")
		return
	}

	decodedID, err := url.PathUnescape(instanceID)
	if err != nil {
		decodedID = instanceID
	}

	snap := h.resolver.Snapshot()
	if snap == nil {
		writeNotReady(w, h.resolver.LastError())
		return
	}

	status, ok := snap.Find(decodedID)
	if !ok {
		h.logger.Debug("instance not found", "id", decodedID)
		writeError(w, http.StatusNotFound, "Not Found", "Instance not found: "+decodedID)
		return
	}

	writeJSON(w, http.StatusOK, domain.NewInstanceResponse(*status, h.minScore))
}

// RefreshInstances runs a forced resolution cycle and returns its snapshot
func (h *Handlers) RefreshInstances(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Refresh(r.Context(), true)
	if err != nil {
		if errors.Is(err, sync.ErrRefreshInProgress) {
			writeError(w, http.StatusConflict, "Conflict", "A refresh is already in progress.")
			return
		}
		h.logger.Error("manual refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "Bad Gateway", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.listResponse(snap, snap.Public))
}

func (h *Handlers) listResponse(snap *domain.Snapshot, public []domain.InstanceStatus) domain.InstanceListResponse {
	resp := domain.InstanceListResponse{
		Public: make([]domain.InstanceResponse, 0, len(public)),
		Metadata: domain.ListMetadata{
			Count:      len(public),
			MinScore:   h.minScore,
			ResolvedAt: formatTime(h.resolver.LastResolvedAt()),
		},
	}

	if snap.Custom != nil {
		custom := domain.NewInstanceResponse(*snap.Custom, h.minScore)
		resp.Custom = &custom
	}
	for _, status := range public {
		if status.Online {
			resp.Metadata.OnlineCount++
		}
		resp.Public = append(resp.Public, domain.NewInstanceResponse(status, h.minScore))
	}
	if len(snap.Public) == 0 {
		resp.Metadata.Message = domain.EmptyPublicMessage
	}

	return resp
}

// Helper functions

func filter(statuses []domain.InstanceStatus, keep func(domain.InstanceStatus) bool) []domain.InstanceStatus {
	var out []domain.InstanceStatus
	for _, s := range statuses {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeNotReady(w http.ResponseWriter, lastErr string) {
	detail := "Instance statuses have not been resolved yet."
	if lastErr != "" {
		detail += " Last error: " + lastErr
	}
	writeError(w, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	resp := domain.ErrorResponse{
		Status: status,
		Title:  title,
		Detail: detail,
	}
	writeJSON(w, status, resp)
}
