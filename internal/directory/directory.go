// Package directory fetches the list of public instances.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/instancewatch/server/internal/domain"
)

// DefaultSourceURL is the public cobalt instance directory
const DefaultSourceURL = "https://instances.cobalt.best/api/instances.json"

// DefaultUserAgent identifies this client to directories and instances
const DefaultUserAgent = "instancewatch/1.0 (+https://github.com/instancewatch/server)"

// DefaultTimeout bounds a single directory fetch
const DefaultTimeout = 3 * time.Second

// ErrUnexpectedStatus is returned when the directory answers with a non-2xx status
var ErrUnexpectedStatus = errors.New("unexpected directory response status")

// ErrNotAList is returned when the directory document is not a list of instances
var ErrNotAList = errors.New("directory document is not a list")

// Source yields the descriptors of the public instances
type Source interface {
	Fetch(ctx context.Context) ([]domain.Instance, error)
	String() string
}

// Format is the encoding of a directory document
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// formatFor picks YAML for .yaml/.yml paths or YAML content types
func formatFor(name, contentType string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	if strings.Contains(strings.ToLower(contentType), "yaml") {
		return FormatYAML
	}
	return FormatJSON
}

// Decode parses a directory document, which must be a list of instances
func Decode(data []byte, format Format) ([]domain.Instance, error) {
	var instances []domain.Instance
	switch format {
	case FormatYAML:
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse directory yaml: %w", err)
		}
		if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.SequenceNode {
			return nil, ErrNotAList
		}
		if err := doc.Content[0].Decode(&instances); err != nil {
			return nil, fmt.Errorf("failed to parse directory yaml: %w", err)
		}
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, ErrNotAList
		}
		if err := json.Unmarshal(trimmed, &instances); err != nil {
			return nil, fmt.Errorf("failed to parse directory json: %w", err)
		}
	}
	return instances, nil
}

// Sanitize drops entries that fail validation, claim the reserved custom
// id, or repeat the cache key of an earlier entry. Order is preserved.
func Sanitize(instances []domain.Instance, v *validator.Validate, logger *slog.Logger) []domain.Instance {
	seen := make(map[string]struct{}, len(instances))
	cleaned := make([]domain.Instance, 0, len(instances))

	for i := range instances {
		inst := instances[i]
		inst.APIKey = ""

		if err := domain.ValidateInstance(v, &inst); err != nil {
			logger.Warn("dropping invalid directory entry", "index", i, "error", err)
			continue
		}
		if inst.IsCustom() {
			logger.Warn("dropping directory entry with reserved id", "index", i, "id", inst.ID)
			continue
		}

		key := inst.CacheKey()
		if _, dup := seen[key]; dup {
			logger.Warn("dropping duplicate directory entry", "index", i, "key", key)
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, inst)
	}

	return cleaned
}
