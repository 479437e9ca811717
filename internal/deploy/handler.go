package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/transport"
)

// Artifact is a verified download ready to be applied. Path is empty for
// removals.
type Artifact struct {
	Notification Notification
	Path         string
}

// Installer applies a verified artifact.
type Installer interface {
	Apply(ctx context.Context, a Artifact) error
}

// DefaultDownloadTimeout bounds one download attempt, body included.
const DefaultDownloadTimeout = 5 * time.Minute

// Handler is the sync-worker handler for deployment targets: fetch, verify,
// apply.
type Handler struct {
	client    *http.Client
	dir       string
	installer Installer
	timeout   time.Duration
	log       *slog.Logger
}

func NewHandler(client *http.Client, dir string, installer Installer, logger *slog.Logger) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{
		client:    client,
		dir:       dir,
		installer: installer,
		timeout:   DefaultDownloadTimeout,
		log:       logging.OrDefault(logger).With("component", "deploy_handler"),
	}
}

// WithDownloadTimeout replaces the per-attempt download deadline. A stalled
// server then fails the attempt as transient and the target is retried.
func (h *Handler) WithDownloadTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, target model.SyncTarget) error {
	if h.installer == nil {
		return errNoInstaller
	}
	n, err := ParseNotification(target.Payload)
	if err != nil {
		return err
	}
	if n.action() == ActionRemove {
		return h.installer.Apply(ctx, Artifact{Notification: n})
	}

	path, err := h.fetch(ctx, n)
	if err != nil {
		return err
	}
	if err := h.installer.Apply(ctx, Artifact{Notification: n, Path: path}); err != nil {
		return fmt.Errorf("apply %s %s: %w", n.Package, n.Version, err)
	}
	h.log.Info("deployment applied", "target_id", n.TargetID, "package", n.Package, "version", n.Version)
	return nil
}

// fetch downloads the artifact next to its final name and renames it only
// after the checksum matched.
func (h *Handler) fetch(ctx context.Context, n Notification) (string, error) {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: download url: %v", model.ErrInvalid, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", n.DownloadURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return "", &transport.RequestError{StatusCode: resp.StatusCode, Message: "download " + n.DownloadURL}
	}

	tmp, err := os.CreateTemp(h.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	sum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, sum), resp.Body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("download %s: %w", n.DownloadURL, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close download: %w", err)
	}

	got := hex.EncodeToString(sum.Sum(nil))
	if want := normalizeChecksum(n.Checksum); got != want {
		return "", fmt.Errorf("%w: checksum mismatch for %s %s: got %s want %s", model.ErrInvalid, n.Package, n.Version, got, want)
	}

	final := filepath.Join(h.dir, artifactName(n))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return final, nil
}

func normalizeChecksum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "sha256:")
}

func artifactName(n Notification) string {
	return cleanName(n.Package) + "-" + cleanName(n.Version) + ".pkg"
}

// cleanName keeps a name safe to use as a single path element.
func cleanName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

var errNoInstaller = errors.New("deploy: installer is required")
