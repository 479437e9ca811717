package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest records what StagingInstaller staged for one package.
type Manifest struct {
	Package  string    `yaml:"package"`
	Version  string    `yaml:"version"`
	Checksum string    `yaml:"checksum"`
	Artifact string    `yaml:"artifact"`
	TargetID string    `yaml:"target_id"`
	StagedAt time.Time `yaml:"staged_at"`
}

// StagingInstaller leaves verified artifacts in place and records a manifest
// per package for the platform installer to pick up.
type StagingInstaller struct {
	Dir string
	Now func() time.Time
}

func (s StagingInstaller) Apply(_ context.Context, a Artifact) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	path := s.manifestPath(a.Notification.Package)
	if a.Notification.action() == ActionRemove {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove manifest: %w", err)
		}
		return nil
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	body, err := yaml.Marshal(Manifest{
		Package:  a.Notification.Package,
		Version:  a.Notification.Version,
		Checksum: normalizeChecksum(a.Notification.Checksum),
		Artifact: a.Path,
		TargetID: a.Notification.TargetID,
		StagedAt: now,
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

// ReadManifest returns the staged manifest for pkg.
func (s StagingInstaller) ReadManifest(pkg string) (Manifest, error) {
	body, err := os.ReadFile(s.manifestPath(pkg))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", pkg, err)
	}
	return m, nil
}

func (s StagingInstaller) manifestPath(pkg string) string {
	return filepath.Join(s.Dir, cleanName(pkg)+".yaml")
}
