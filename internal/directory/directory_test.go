package directory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instancewatch/server/internal/domain"
)

const directoryJSON = `[
	{"id":"a","name":"A","api":"a.example.com","protocol":"https","score":90,"services":["youtube"],"version":"10.1.0"},
	{"id":"b","name":"B","api":"b.example.com","protocol":"https","score":40,"services":{"tiktok":true,"vimeo":false}},
	{"id":"bad","name":"no address"},
	{"id":"a","name":"dup","api":"dup.example.com"},
	{"id":"custom","name":"reserved","api":"reserved.example.com"},
	{"name":"keyless","api":"c.example.com"}
]`

func TestSanitize(t *testing.T) {
	instances, err := Decode([]byte(directoryJSON), FormatJSON)
	require.NoError(t, err)
	require.Len(t, instances, 6)

	cleaned := Sanitize(instances, domain.NewValidator(), slog.Default())
	require.Len(t, cleaned, 3)
	assert.Equal(t, "a", cleaned[0].CacheKey())
	assert.Equal(t, "b", cleaned[1].CacheKey())
	assert.Equal(t, "c.example.com", cleaned[2].CacheKey())
	assert.Equal(t, domain.Services{"tiktok"}, cleaned[1].Services)
	require.NotNil(t, cleaned[0].Score)
	assert.Equal(t, 90.0, *cleaned[0].Score)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"id":"a"}`), FormatJSON)
	assert.Error(t, err)

	_, err = Decode([]byte(`<html>`), FormatJSON)
	assert.Error(t, err)

	_, err = Decode([]byte("id: [unclosed"), FormatYAML)
	assert.Error(t, err)

	for _, doc := range []string{"null", " null\n", `"instances"`, `42`} {
		_, err = Decode([]byte(doc), FormatJSON)
		assert.ErrorIs(t, err, ErrNotAList, doc)
	}
	for _, doc := range []string{"", "~", "# nothing here\n", "id: a\napi: a.example.com\n", "just text"} {
		_, err = Decode([]byte(doc), FormatYAML)
		assert.ErrorIs(t, err, ErrNotAList, doc)
	}
}

func TestDecode_EmptyList(t *testing.T) {
	instances, err := Decode([]byte("[]"), FormatJSON)
	require.NoError(t, err)
	assert.Empty(t, instances)

	instances, err = Decode([]byte("[]\n"), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatYAML, formatFor("/instances.yaml", ""))
	assert.Equal(t, FormatYAML, formatFor("/list.YML", "application/json"))
	assert.Equal(t, FormatYAML, formatFor("/api/list", "application/x-yaml"))
	assert.Equal(t, FormatJSON, formatFor("/api/instances.json", "application/json"))
	assert.Equal(t, FormatJSON, formatFor("/api/list", ""))
}

func TestHTTPSource_Fetch(t *testing.T) {
	t.Run("decodes json and sends client header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(directoryJSON))
		}))
		defer srv.Close()

		source := NewHTTPSource(HTTPConfig{URL: srv.URL + "/api/instances.json", UserAgent: "test-agent"})
		assert.Equal(t, srv.URL+"/api/instances.json", source.String())

		instances, err := source.Fetch(context.Background())
		require.NoError(t, err)
		assert.Len(t, instances, 3)
	})

	t.Run("decodes yaml", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("- id: y\n  api: y.example.com\n  score: 75\n"))
		}))
		defer srv.Close()

		source := NewHTTPSource(HTTPConfig{URL: srv.URL + "/instances.yaml"})
		instances, err := source.Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Equal(t, "y.example.com", instances[0].API)
	})

	t.Run("empty list is not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		instances, err := NewHTTPSource(HTTPConfig{URL: srv.URL}).Fetch(context.Background())
		require.NoError(t, err)
		assert.Empty(t, instances)
	})

	t.Run("non-2xx fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`[]`))
		}))
		defer srv.Close()

		_, err := NewHTTPSource(HTTPConfig{URL: srv.URL}).Fetch(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	})

	t.Run("null body fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`null`))
		}))
		defer srv.Close()

		_, err := NewHTTPSource(HTTPConfig{URL: srv.URL}).Fetch(context.Background())
		assert.ErrorIs(t, err, ErrNotAList)
	})

	t.Run("malformed body fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>maintenance</html>`))
		}))
		defer srv.Close()

		_, err := NewHTTPSource(HTTPConfig{URL: srv.URL}).Fetch(context.Background())
		assert.Error(t, err)
	})

	t.Run("timeout fails", func(t *testing.T) {
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
		_, err := NewHTTPSource(HTTPConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}).Fetch(context.Background())
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("unreachable fails", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewHTTPSource(HTTPConfig{URL: url}).Fetch(context.Background())
		assert.Error(t, err)
	})
}

func TestParseGitURL(t *testing.T) {
	repo, path, err := ParseGitURL("git+https://github.com/org/repo.git#/assets/instances.json")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/org/repo.git", repo)
	assert.Equal(t, "assets/instances.json", path)

	_, _, err = ParseGitURL("https://github.com/org/repo.git")
	assert.Error(t, err)

	_, _, err = ParseGitURL("git+https://github.com/org/repo.git")
	assert.Error(t, err)
}

func newMemoryRepo(t *testing.T, files map[string]string) *git.Repository {
	t.Helper()

	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		f, err := fs.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = wt.Add(name)
		require.NoError(t, err)
	}

	_, err = wt.Commit("add directory", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return repo
}

func TestGitSource_Fetch(t *testing.T) {
	repo := newMemoryRepo(t, map[string]string{
		"data/instances.yaml": "- id: g\n  api: g.example.com\n  services: [youtube]\n- id: g\n  api: dup.example.com\n",
		"data/instances.json": `[{"id":"j","api":"j.example.com"}]`,
	})

	var gotOpts *git.CloneOptions
	source, err := NewGitSource(GitConfig{
		RepoURL: "https://example.com/org/directory.git",
		Branch:  "master",
		Path:    "data/instances.yaml",
		Token:   "secret",
		Depth:   1,
	})
	require.NoError(t, err)
	source.clone = func(ctx context.Context, opts *git.CloneOptions) (*git.Repository, error) {
		gotOpts = opts
		return repo, nil
	}
	assert.Equal(t, "git+https://example.com/org/directory.git#data/instances.yaml", source.String())

	instances, err := source.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "g.example.com", instances[0].API)
	assert.Equal(t, domain.Services{"youtube"}, instances[0].Services)

	require.NotNil(t, gotOpts)
	assert.Equal(t, "refs/heads/master", gotOpts.ReferenceName.String())
	assert.Equal(t, 1, gotOpts.Depth)
	assert.True(t, gotOpts.SingleBranch)
	auth, ok := gotOpts.Auth.(*githttp.BasicAuth)
	require.True(t, ok)
	assert.Equal(t, "secret", auth.Password)

	t.Run("json file", func(t *testing.T) {
		jsonSource, err := NewGitSource(GitConfig{RepoURL: "https://example.com/r.git", Path: "data/instances.json"})
		require.NoError(t, err)
		jsonSource.clone = func(context.Context, *git.CloneOptions) (*git.Repository, error) { return repo, nil }

		instances, err := jsonSource.Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Equal(t, "j", instances[0].ID)
	})

	t.Run("missing file fails", func(t *testing.T) {
		missing, err := NewGitSource(GitConfig{RepoURL: "https://example.com/r.git", Path: "nope.json"})
		require.NoError(t, err)
		missing.clone = func(context.Context, *git.CloneOptions) (*git.Repository, error) { return repo, nil }

		_, err = missing.Fetch(context.Background())
		assert.Error(t, err)
	})

	t.Run("clone failure fails", func(t *testing.T) {
		broken, err := NewGitSource(GitConfig{RepoURL: "https://example.com/r.git", Path: "x.json"})
		require.NoError(t, err)
		broken.clone = func(context.Context, *git.CloneOptions) (*git.Repository, error) {
			return nil, errors.New("authentication required")
		}

		_, err = broken.Fetch(context.Background())
		assert.ErrorContains(t, err, "clone failed")
	})
}

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func TestGitSource_TokenSource(t *testing.T) {
	repo := newMemoryRepo(t, map[string]string{
		"instances.json": `[{"id":"j","api":"j.example.com"}]`,
	})

	newSource := func(t *testing.T, tokens TokenSource) (*GitSource, **git.CloneOptions) {
		source, err := NewGitSource(GitConfig{
			RepoURL:     "https://github.com/org/private.git",
			Path:        "instances.json",
			Token:       "static",
			TokenSource: tokens,
		})
		require.NoError(t, err)
		var gotOpts *git.CloneOptions
		source.clone = func(_ context.Context, opts *git.CloneOptions) (*git.Repository, error) {
			gotOpts = opts
			return repo, nil
		}
		return source, &gotOpts
	}

	t.Run("installation token wins over static token", func(t *testing.T) {
		calls := 0
		source, gotOpts := newSource(t, tokenFunc(func(context.Context) (string, error) {
			calls++
			return "ghs_installation", nil
		}))

		_, err := source.Fetch(context.Background())
		require.NoError(t, err)
		_, err = source.Fetch(context.Background())
		require.NoError(t, err)

		auth, ok := (*gotOpts).Auth.(*githttp.BasicAuth)
		require.True(t, ok)
		assert.Equal(t, "x-access-token", auth.Username)
		assert.Equal(t, "ghs_installation", auth.Password)
		assert.Equal(t, 2, calls, "token is requested for every clone")
	})

	t.Run("token error aborts the fetch", func(t *testing.T) {
		source, gotOpts := newSource(t, tokenFunc(func(context.Context) (string, error) {
			return "", errors.New("bad credentials")
		}))

		_, err := source.Fetch(context.Background())
		assert.ErrorContains(t, err, "git access token")
		assert.Nil(t, *gotOpts, "clone must not run without credentials")
	})

	t.Run("anonymous clone without credentials", func(t *testing.T) {
		source, err := NewGitSource(GitConfig{RepoURL: "https://example.com/r.git", Path: "instances.json"})
		require.NoError(t, err)
		var gotOpts *git.CloneOptions
		source.clone = func(_ context.Context, opts *git.CloneOptions) (*git.Repository, error) {
			gotOpts = opts
			return repo, nil
		}

		_, err = source.Fetch(context.Background())
		require.NoError(t, err)
		require.NotNil(t, gotOpts)
		assert.Nil(t, gotOpts.Auth)
	})
}

func TestNewGitSource_Validation(t *testing.T) {
	_, err := NewGitSource(GitConfig{Path: "x.json"})
	assert.Error(t, err)
	_, err = NewGitSource(GitConfig{RepoURL: "https://example.com/r.git"})
	assert.Error(t, err)
}
