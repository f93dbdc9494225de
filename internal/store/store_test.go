package store

import (
	"os"
	"path/filepath"
	"testing"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "cache.json"))
	assert.Equal(t, core.DefaultAppState(), s.Load())
}

func TestLoadCorruptFileReturnsDefault(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Equal(t, core.DefaultAppState(), New(path).Load())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.json")
	s := New(path)

	for _, state := range []core.AppState{
		{Color: colormath.Color{R: 12, G: 0, B: 255}, Brightness: 37, On: false},
		{Color: colormath.Color{R: 255, G: 255, B: 255}, Brightness: 0, On: true},
		{Color: colormath.ApplyBrightness(colormath.Color{R: 201, G: 99, B: 3}, 55), Brightness: 55, On: true},
	} {
		require.NoError(t, s.Save(state))
		assert.Equal(t, state, New(path).Load())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLoadColorOnlyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"r":10,"g":20,"b":30}`), 0o644))

	got := New(path).Load()
	assert.Equal(t, colormath.Color{R: 10, G: 20, B: 30}, got.Color)
	assert.Equal(t, 100, got.Brightness)
	assert.True(t, got.On)
}

func TestLoadIgnoresOutOfRangeBrightness(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"color":{"r":1,"g":2,"b":3},"brightness":400,"on":false}`), 0o644))

	got := New(path).Load()
	assert.Equal(t, 100, got.Brightness)
	assert.False(t, got.On)
	assert.Equal(t, colormath.Color{R: 1, G: 2, B: 3}, got.Color)
}

func TestSaveCreatesReadableFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, New(path).Save(core.DefaultAppState()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestSaveKeepsExistingFileMode(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	require.NoError(t, os.Chmod(path, 0o640))

	require.NoError(t, New(path).Save(core.DefaultAppState()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestSaveFailsForMissingDirectory(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "nope", "cache.json"))
	assert.Error(t, s.Save(core.DefaultAppState()))
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, DefaultFile, New("").Path())
}
