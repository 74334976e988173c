package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instancewatch/server/internal/domain"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
}

func descriptor(api string) domain.Instance {
	return domain.Instance{
		ID:       "x",
		API:      api,
		Version:  "9.0.0",
		Services: domain.Services{"declared"},
	}
}

func TestProbe_Online(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{
			"cobalt": {"version": "10.5.1", "services": ["youtube", "tiktok"], "startTime": "1700000000000"},
			"git": {"branch": "main", "commit": "abc123", "remote": "imputnet/cobalt"}
		}`))
	}))
	defer srv.Close()

	p := New(Config{UserAgent: "probe-test", Now: fixedNow})
	inst := descriptor(srv.URL)
	inst.APIKey = "secret"

	status := p.Probe(context.Background(), inst)
	assert.True(t, status.Online)
	assert.Equal(t, "10.5.1", status.Version)
	assert.Equal(t, domain.Services{"youtube", "tiktok"}, status.Services)
	assert.Equal(t, "1700000000000", status.StartTime)
	require.NotNil(t, status.Git)
	assert.Equal(t, "abc123", status.Git.Commit)
	assert.True(t, status.UsesAPIKey)
	assert.Equal(t, fixedNow().Truncate(time.Millisecond), status.CheckedAt)

	require.NotNil(t, got)
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.Equal(t, "no-cache, no-store", got.Header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", got.Header.Get("Pragma"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "probe-test", got.Header.Get("User-Agent"))
}

func TestProbe_KeepsDeclaredServicesWhenAbsent(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"cobalt":{"version":"10.0.0","services":"all"}}`)

	status := New(Config{}).Probe(context.Background(), descriptor(srv.URL))
	assert.True(t, status.Online)
	assert.Equal(t, domain.Services{"declared"}, status.Services)
	assert.Nil(t, status.Git)
}

func TestProbe_Offline(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"cobalt":{"version":"10.0.0"}}`},
		{"not found", http.StatusNotFound, ``},
		{"not json", http.StatusOK, `<html>hello</html>`},
		{"no cobalt", http.StatusOK, `{"status":"ok"}`},
		{"no version", http.StatusOK, `{"cobalt":{"services":["youtube"]}}`},
		{"numeric version", http.StatusOK, `{"cobalt":{"version":10}}`},
		{"null version", http.StatusOK, `{"cobalt":{"version":null}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)

			inst := descriptor(srv.URL)
			status := New(Config{}).Probe(context.Background(), inst)
			assert.False(t, status.Online)
			assert.Equal(t, inst, status.Instance, "descriptor must be preserved")
		})
	}
}

func TestProbe_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	status := New(Config{Timeout: 50 * time.Millisecond}).Probe(context.Background(), descriptor(srv.URL))
	assert.False(t, status.Online)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbe_BadAddresses(t *testing.T) {
	p := New(Config{Timeout: 200 * time.Millisecond})

	for _, api := range []string{"", "::not a url", "http://127.0.0.1:1"} {
		status := p.Probe(context.Background(), descriptor(api))
		assert.False(t, status.Online, api)
	}
}

func TestProbe_UsesProtocol(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"cobalt":{"version":"10.0.0"}}`)

	inst := descriptor(strings.TrimPrefix(srv.URL, "http://"))
	inst.Protocol = "http"

	status := New(Config{}).Probe(context.Background(), inst)
	assert.True(t, status.Online)
	assert.False(t, status.UsesAPIKey)
}
