package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-playground/validator/v10"

	"github.com/instancewatch/server/internal/domain"
)

// GitScheme prefixes source URLs served from a git repository
const GitScheme = "git+"

// GitSource reads the directory document from a file in a git repository.
// Each fetch clones the branch into memory so nothing touches the disk.
type GitSource struct {
	config   GitConfig
	clone    func(ctx context.Context, opts *git.CloneOptions) (*git.Repository, error)
	validate *validator.Validate
	logger   *slog.Logger
}

// TokenSource mints short-lived access tokens, such as GitHub App
// installation tokens
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// GitConfig holds git source configuration
type GitConfig struct {
	RepoURL string
	Branch  string
	Path    string
	// Token authenticates over HTTPS when set
	Token string
	// TokenSource takes precedence over Token
	TokenSource TokenSource
	// Depth limits history; zero clones everything
	Depth   int
	Timeout time.Duration
	Logger  *slog.Logger
}

// ParseGitURL splits "git+<repo>#<path>" into repository URL and file path
func ParseGitURL(source string) (repoURL, filePath string, err error) {
	if !strings.HasPrefix(source, GitScheme) {
		return "", "", fmt.Errorf("not a git source: %s", source)
	}
	repoURL, filePath, found := strings.Cut(strings.TrimPrefix(source, GitScheme), "#")
	if !found || repoURL == "" || filePath == "" {
		return "", "", fmt.Errorf("git source must look like git+<repo-url>#<path>: %s", source)
	}
	return repoURL, strings.TrimPrefix(filePath, "/"), nil
}

// NewGitSource creates a git directory source
func NewGitSource(cfg GitConfig) (*GitSource, error) {
	if cfg.RepoURL == "" {
		return nil, errors.New("repo URL is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("directory file path is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &GitSource{
		config:   cfg,
		clone:    cloneInMemory,
		validate: domain.NewValidator(),
		logger:   cfg.Logger,
	}, nil
}

// String returns the source in git+<repo>#<path> form
func (s *GitSource) String() string {
	return GitScheme + s.config.RepoURL + "#" + s.config.Path
}

// Fetch clones the configured branch and decodes the directory file at HEAD
func (s *GitSource) Fetch(ctx context.Context) ([]domain.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	cloneOpts := &git.CloneOptions{
		URL:           s.config.RepoURL,
		Depth:         s.config.Depth,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(s.config.Branch),
		Tags:          git.NoTags,
	}
	auth, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		cloneOpts.Auth = auth
	}

	repo, err := s.clone(ctx, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("clone failed: %w", err)
	}

	content, commit, err := readHead(repo, s.config.Path)
	if err != nil {
		return nil, err
	}

	instances, err := Decode([]byte(content), formatFor(s.config.Path, ""))
	if err != nil {
		return nil, err
	}

	s.logger.Debug("directory read from git",
		"repo_url", s.config.RepoURL,
		"branch", s.config.Branch,
		"commit", commit,
		"entries", len(instances),
	)

	return Sanitize(instances, s.validate, s.logger), nil
}

// auth returns nil when the repository is cloned anonymously
func (s *GitSource) auth(ctx context.Context) (*githttp.BasicAuth, error) {
	token := s.config.Token
	if s.config.TokenSource != nil {
		t, err := s.config.TokenSource.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get git access token: %w", err)
		}
		token = t
	}
	if token == "" {
		return nil, nil
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: token,
	}, nil
}

func cloneInMemory(ctx context.Context, opts *git.CloneOptions) (*git.Repository, error) {
	return git.CloneContext(ctx, memory.NewStorage(), nil, opts)
}

func readHead(repo *git.Repository, filePath string) (string, string, error) {
	ref, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("failed to get HEAD: %w", err)
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", "", fmt.Errorf("failed to get commit: %w", err)
	}

	file, err := commit.File(filePath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s at %s: %w", filePath, ref.Hash(), err)
	}

	content, err := file.Contents()
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	return content, ref.Hash().String(), nil
}
