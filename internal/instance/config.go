package instance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/dagrun/internal/ctxlog"
	"github.com/vk/dagrun/internal/storage"
)

// FileConfig is the decoded shape of an instance config file
// (dagrun.hcl). All blocks are optional; an empty file yields a fully
// in-memory instance.
type FileConfig struct {
	ArtifactRoot string        `hcl:"artifact_root,optional"`
	Storage      *storageBlock `hcl:"storage,block"`
}

type storageBlock struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string `hcl:"backend,optional"`
	// Path is the sqlite database file; required for the sqlite backend.
	Path string `hcl:"path,optional"`
}

// LoadFileConfig parses an instance config file.
func LoadFileConfig(ctx context.Context, path string) (*FileConfig, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("loading instance config", "path", path)

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse instance config %s: %w", path, diags)
	}

	var cfg FileConfig
	diags = gohcl.DecodeBody(hclFile.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode instance config %s: %w", path, diags)
	}
	return &cfg, nil
}

// FromFileConfig builds an instance from a decoded config file.
func FromFileConfig(cfg *FileConfig) (*Instance, error) {
	opts := Options{ArtifactRoot: cfg.ArtifactRoot}
	if cfg.Storage != nil {
		switch cfg.Storage.Backend {
		case "", "memory":
		case "sqlite":
			if cfg.Storage.Path == "" {
				return nil, fmt.Errorf("sqlite storage backend requires a path")
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating storage directory: %w", err)
			}
			s := storage.NewSQLiteStorage(cfg.Storage.Path, clock.New())
			opts.Runs = s
			opts.Events = s
		default:
			return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
		}
	}
	return New(opts), nil
}

// FromFile loads an instance config file and builds the instance.
func FromFile(ctx context.Context, path string) (*Instance, error) {
	cfg, err := LoadFileConfig(ctx, path)
	if err != nil {
		return nil, err
	}
	return FromFileConfig(cfg)
}
