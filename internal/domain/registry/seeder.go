package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// manifestPattern matches install manifests anywhere under the apps directory
const manifestPattern = "**/*.{yaml,yml,toml}"

// Seeder loads install manifests from disk into the registry
type Seeder struct {
	manager *Manager
	appsDir string
	logger  *zap.Logger
}

// NewSeeder creates a new app seeder
func NewSeeder(manager *Manager, appsDir string, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		manager: manager,
		appsDir: appsDir,
		logger:  logger,
	}
}

// SeedResult counts seeded manifests
type SeedResult struct {
	Loaded int
	Failed int
}

// SeedApps loads every manifest under the apps directory. A bad manifest is
// logged and skipped; only a failure to walk the directory is returned.
func (s *Seeder) SeedApps(ctx context.Context) (SeedResult, error) {
	var result SeedResult
	s.logger.Info("seeding installs", zap.String("dir", s.appsDir))

	if _, err := os.Stat(s.appsDir); errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("apps directory not found", zap.String("dir", s.appsDir))
		return result, nil
	}

	matches, err := doublestar.Glob(os.DirFS(s.appsDir), manifestPattern)
	if err != nil {
		return result, fmt.Errorf("failed to scan %s: %w", s.appsDir, err)
	}

	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		path := filepath.Join(s.appsDir, filepath.FromSlash(match))
		entry, err := ParseManifest(path)
		if err != nil {
			s.logger.Warn("failed to load manifest", zap.String("path", match), zap.Error(err))
			result.Failed++
			continue
		}
		if _, err := s.manager.Save(ctx, entry); err != nil {
			s.logger.Warn("failed to register install", zap.String("path", match), zap.Error(err))
			result.Failed++
			continue
		}
		result.Loaded++
	}

	s.logger.Info("seeding complete", zap.Int("loaded", result.Loaded), zap.Int("failed", result.Failed))
	return result, nil
}

// ParseManifest reads a YAML or TOML install manifest. Binary and resource
// paths are resolved relative to the manifest's directory.
func ParseManifest(path string) (types.InstallEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.InstallEntry{}, err
	}

	var entry types.InstallEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &entry)
	default:
		err = yaml.Unmarshal(data, &entry)
	}
	if err != nil {
		return types.InstallEntry{}, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	if entry.UUID == "" || entry.Name == "" {
		return types.InstallEntry{}, fmt.Errorf("%w: manifest missing required fields (uuid, name)", ErrInvalidEntry)
	}

	// An unknown SDK is kept; launching it fails as incompatible.
	entry.SDK = types.ParseSDKGeneration(entry.SDKName)

	dir := filepath.Dir(path)
	entry.Binary = resolve(dir, entry.Binary)
	entry.Resources = resolve(dir, entry.Resources)
	return entry, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
