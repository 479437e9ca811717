package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/syncworker"
	"github.com/g960059/posrelay/internal/testutil"
)

type recordingInstaller struct {
	mu      sync.Mutex
	applied []Artifact
}

func (r *recordingInstaller) Apply(_ context.Context, a Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, a)
	return nil
}

func (r *recordingInstaller) snapshot() []Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Artifact(nil), r.applied...)
}

// artifactServer serves body at /pkg and counts downloads.
func artifactServer(t *testing.T, body string, status int) (string, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != http.StatusOK {
			http.Error(w, "unavailable", status)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/pkg", &hits
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func notificationTarget(t *testing.T, n Notification) model.SyncTarget {
	t.Helper()
	target, err := n.Target()
	require.NoError(t, err)
	return target
}

func TestHandlerVerifiesAndApplies(t *testing.T) {
	url, _ := artifactServer(t, "menu-board v2", http.StatusOK)
	dir := t.TempDir()
	inst := &recordingInstaller{}
	h := NewHandler(nil, dir, inst, nil)

	n := Notification{TargetID: "dep-1", Package: "menu-board", Version: "2.0.0", DownloadURL: url, Checksum: "SHA256:" + strings.ToUpper(checksum("menu-board v2"))}
	require.NoError(t, h.Handle(context.Background(), notificationTarget(t, n)))

	applied := inst.snapshot()
	require.Len(t, applied, 1)
	assert.Equal(t, filepath.Join(dir, "menu-board-2.0.0.pkg"), applied[0].Path)
	content, err := os.ReadFile(applied[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "menu-board v2", string(content))
}

func TestHandlerRejectsChecksumMismatch(t *testing.T) {
	url, _ := artifactServer(t, "tampered", http.StatusOK)
	dir := t.TempDir()
	inst := &recordingInstaller{}
	h := NewHandler(nil, dir, inst, nil)

	n := Notification{TargetID: "dep-1", Package: "menu-board", Version: "2.0.0", DownloadURL: url, Checksum: checksum("original")}
	err := h.Handle(context.Background(), notificationTarget(t, n))
	require.ErrorIs(t, err, model.ErrInvalid)
	assert.Equal(t, model.ClassValidation, model.Classify(err))
	assert.Empty(t, inst.snapshot())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp download must be cleaned up")
}

func TestHandlerDownloadOutageIsTransient(t *testing.T) {
	url, _ := artifactServer(t, "", http.StatusServiceUnavailable)
	h := NewHandler(nil, t.TempDir(), &recordingInstaller{}, nil)

	n := Notification{TargetID: "dep-1", Package: "kds", Version: "1.1", DownloadURL: url, Checksum: checksum("x")}
	err := h.Handle(context.Background(), notificationTarget(t, n))
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

func TestHandlerStalledDownloadTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	dir := t.TempDir()
	inst := &recordingInstaller{}
	h := NewHandler(nil, dir, inst, nil).WithDownloadTimeout(100 * time.Millisecond)

	n := Notification{TargetID: "dep-3", Package: "kds", Version: "1.2", DownloadURL: srv.URL + "/pkg", Checksum: checksum("whole build")}
	start := time.Now()
	err := h.Handle(context.Background(), notificationTarget(t, n))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, model.IsTransient(err))
	assert.Empty(t, inst.snapshot())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp download must be cleaned up")
}

func TestHandlerRemoveSkipsDownload(t *testing.T) {
	inst := &recordingInstaller{}
	h := NewHandler(nil, t.TempDir(), inst, nil)

	n := Notification{TargetID: "dep-9", Package: "kds", Version: "1.1", Action: ActionRemove}
	require.NoError(t, h.Handle(context.Background(), notificationTarget(t, n)))
	applied := inst.snapshot()
	require.Len(t, applied, 1)
	assert.Empty(t, applied[0].Path)
}

func TestNotificationValidation(t *testing.T) {
	cases := []struct {
		name string
		n    Notification
	}{
		{"missing target", Notification{Package: "kds", DownloadURL: "http://x", Checksum: "ab"}},
		{"missing package", Notification{TargetID: "d", DownloadURL: "http://x", Checksum: "ab"}},
		{"install without checksum", Notification{TargetID: "d", Package: "kds", DownloadURL: "http://x"}},
		{"unknown action", Notification{TargetID: "d", Package: "kds", Action: "reboot"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.n.Target()
			assert.ErrorIs(t, err, model.ErrInvalid)
		})
	}
}

func TestStagingInstallerManifest(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	inst := StagingInstaller{Dir: dir, Now: func() time.Time { return at }}
	n := Notification{TargetID: "dep-1", Package: "menu-board", Version: "2.0.0", DownloadURL: "http://x", Checksum: "sha256:AB"}

	require.NoError(t, inst.Apply(context.Background(), Artifact{Notification: n, Path: "/var/pkg/menu-board-2.0.0.pkg"}))
	m, err := inst.ReadManifest("menu-board")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version)
	assert.Equal(t, "ab", m.Checksum)
	assert.Equal(t, "dep-1", m.TargetID)
	assert.True(t, at.Equal(m.StagedAt))

	n.Action = ActionRemove
	require.NoError(t, inst.Apply(context.Background(), Artifact{Notification: n}))
	_, err = inst.ReadManifest("menu-board")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDuplicateDeploymentsDownloadOnce(t *testing.T) {
	url, hits := artifactServer(t, "kds build 7", http.StatusOK)
	store, ctx := testutil.NewStore(t)
	inst := &recordingInstaller{}
	h := NewHandler(nil, t.TempDir(), inst, nil)

	w, err := syncworker.New(store, h.Handle, syncworker.Options{Name: "deploy"})
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	n := Notification{TargetID: "dep-7", Package: "kds", Version: "7", DownloadURL: url, Checksum: checksum("kds build 7")}
	for i := 0; i < 2; i++ {
		_, err := w.Notify(ctx, notificationTarget(t, n))
		require.NoError(t, err)
	}
	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool { return w.Pending() == 0 }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), hits.Load())
	assert.Len(t, inst.snapshot(), 1)

	out, err := w.Notify(ctx, notificationTarget(t, n))
	require.NoError(t, err)
	assert.Equal(t, syncworker.NotifyCompleted, out)
}
