// ABOUTME: Configuration store that loads remote config files and serves the current snapshot
// ABOUTME: Falls back to a built-in OpenTelemetry Collector config when no files are configured

package remoteconfig

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/opamp-gateway/internal/config"
)

// DefaultFileName is the name of the built-in collector config.
const DefaultFileName = "otel-collector-config.yaml"

const defaultCollectorConfig = `
receivers:
  otlp:
    protocols:
      grpc:
      http:

processors:
  batch:

exporters:
  logging:
    loglevel: debug

service:
  pipelines:
    traces:
      receivers: [otlp]
      processors: [batch]
      exporters: [logging]
`

// DefaultFiles returns the built-in config used when none is configured.
func DefaultFiles() []File {
	return []File{{
		Name:        DefaultFileName,
		ContentType: "text/yaml",
		Body:        []byte(defaultCollectorConfig),
	}}
}

// Store holds the snapshot offered to agents. The snapshot is created once at
// startup and never replaced, so Current needs no locking.
type Store struct {
	snapshot *Snapshot
}

// NewStore wraps an existing snapshot.
func NewStore(snapshot *Snapshot) *Store {
	return &Store{snapshot: snapshot}
}

// Current returns the snapshot.
func (s *Store) Current() *Snapshot {
	return s.snapshot
}

// Load reads the files listed in cfg and builds the store. Relative paths
// are resolved against baseDir.
func Load(cfg config.RemoteConfigConfig, baseDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	files, err := ReadFiles(cfg, baseDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logger.Info("no remote config files configured, using built-in collector config", "file", DefaultFileName)
		files = DefaultFiles()
	}

	snapshot, err := NewSnapshot(files)
	if err != nil {
		return nil, fmt.Errorf("building remote config: %w", err)
	}

	logger.Info("remote configuration loaded",
		"files", snapshot.FileNames(),
		"config_hash", snapshot.HashBase64(),
	)
	return NewStore(snapshot), nil
}

// ReadFiles loads every configured file from disk.
func ReadFiles(cfg config.RemoteConfigConfig, baseDir string) ([]File, error) {
	files := make([]File, 0, len(cfg.Files))
	for _, fc := range cfg.Files {
		path := fc.Path
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}

		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading remote config file %q: %w", fc.Path, err)
		}

		name := fc.Name
		if name == "" {
			name = filepath.Base(fc.Path)
		}
		contentType := fc.ContentType
		if contentType == "" {
			contentType = guessContentType(name)
		}

		files = append(files, File{Name: name, ContentType: contentType, Body: body})
	}
	return files, nil
}

// guessContentType picks a content type from the file extension.
func guessContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "text/yaml"
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
