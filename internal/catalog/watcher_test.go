package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string) (*IngestWatcher, context.CancelFunc) {
	t.Helper()

	in := NewIntake(discardLogger())
	prober := NewProber(nil, discardLogger())
	w := NewIngestWatcher(dir, in, prober, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop after cancel")
		}
	})

	// Let the fsnotify watch register before the test writes files.
	time.Sleep(100 * time.Millisecond)

	return w, cancel
}

func TestWatch_EmitsDraftForSettledFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	writeFile(t, dir, "drop.jpg", gifBytes(32, 16))

	select {
	case d := <-w.Drafts:
		assert.Equal(t, "drop.jpg", d.Name)
		assert.Equal(t, 32, d.Width)
		assert.Equal(t, 16, d.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("no draft emitted for settled file")
	}
}

func TestWatch_RemovedFileNeverEmitted(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	path := writeFile(t, dir, "gone.jpg", gifBytes(1, 1))
	require.NoError(t, os.Remove(path))

	select {
	case d := <-w.Drafts:
		t.Fatalf("unexpected draft %q for a removed file", d.Name)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestWatch_SkipsHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	writeFile(t, dir, ".partial.jpg", gifBytes(1, 1))

	select {
	case d := <-w.Drafts:
		t.Fatalf("unexpected draft %q for a hidden file", d.Name)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestWatch_SidecarAppliedToDroppedFile(t *testing.T) {
	dir := t.TempDir()

	// Sidecar first so it is in place when the image settles.
	writeFile(t, dir, "raw.jpg.meta.yaml", []byte("name: named.jpg\n"))

	w, _ := startWatcher(t, dir)
	writeFile(t, dir, "raw.jpg", gifBytes(1, 1))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-w.Drafts:
			if d.Name == "named.jpg" {
				return
			}
			t.Fatalf("unexpected draft name %q", d.Name)
		case <-deadline:
			t.Fatal("no draft emitted")
		}
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	in := NewIntake(discardLogger())
	prober := NewProber(nil, discardLogger())
	w := NewIngestWatcher(filepath.Join(t.TempDir(), "does-not-exist"), in, prober, discardLogger())

	err := w.Watch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drop folder")
}
