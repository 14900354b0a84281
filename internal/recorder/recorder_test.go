package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
	"github.com/lucasbenitezc/servidor-scraping/internal/browser/browsertest"
)

func newPage(t *testing.T, script *browsertest.Script) browser.Page {
	t.Helper()
	l := browsertest.NewLauncher()
	l.Script = script
	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	p, err := h.NewPage(context.Background())
	require.NoError(t, err)
	return p
}

func TestSaveNamesFileWithTimestamp(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 10, 12, 30, 45, 123_000_000, time.UTC))
	r, err := New(dir, 10, zerolog.Nop(), WithClock(clock))
	require.NoError(t, err)

	path, err := r.Save(context.Background(), newPage(t, browsertest.NewScript()), "pjn-login-page")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pjn-login-page-2024-05-10T12-30-45-123Z.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))
}

func TestRotationKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	r, err := New(dir, 3, zerolog.Nop(), WithClock(clock))
	require.NoError(t, err)
	page := newPage(t, browsertest.NewScript())

	var paths []string
	for i := 0; i < 5; i++ {
		p, err := r.Save(context.Background(), page, "shot")
		require.NoError(t, err)
		paths = append(paths, p)
		// Distinct modification times regardless of filesystem resolution.
		mod := time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(p, mod, mod))
		clock.Advance(time.Second)
	}

	files, err := r.Files()
	require.NoError(t, err)
	assert.Equal(t, paths[2:], files)
}

func TestRotationIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	r, err := New(dir, 1, zerolog.Nop())
	require.NoError(t, err)

	page := newPage(t, browsertest.NewScript())
	_, err = r.Save(context.Background(), page, "first")
	require.NoError(t, err)
	last, err := r.Save(context.Background(), page, "second")
	require.NoError(t, err)

	files, err := r.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{last}, files)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestCaptureSwallowsFailures(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 5, zerolog.Nop())
	require.NoError(t, err)

	script := browsertest.NewScript().Fail("screenshot", errors.New("target closed"))
	r.Capture(context.Background(), newPage(t, script), "afip-popup-error")

	files, err := r.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "screenshots")
	_, err := New(dir, 0, zerolog.Nop())
	require.NoError(t, err)
	assert.DirExists(t, dir)
}
