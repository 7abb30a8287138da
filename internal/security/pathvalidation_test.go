package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", "unknown"},
		{"4f1c-0001.jpg", "4f1c-0001.jpg"},
		{"../../etc/passwd", "etc_passwd"},
		{"a b  c", "a_b_c"},
		{"Tour Eiffel!", "Tour_Eiffel"},
		{"...", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 500)), maxNameLen)
}

func TestValidatePathWithinDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "img"), 0o755))

	assert.NoError(t, ValidatePathWithinDirectory(filepath.Join(dir, "img", "a.jpg"), dir))
	assert.NoError(t, ValidatePathWithinDirectory(filepath.Join(dir, "new", "b.jpg"), dir))
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(dir, "..", "a.jpg"), dir))
	assert.Error(t, ValidatePathWithinDirectory("/etc/passwd", dir))
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(dir, "a.jpg"), filepath.Join(dir, "missing")))
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	dir, outside := t.TempDir(), t.TempDir()
	link := filepath.Join(dir, "out")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(link, "a.jpg"), dir))
}

func TestSnapshotImagePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, err := SnapshotImagePath(dir, "sess/../1", 42)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sess_.._1-000042.jpg"), p)
}

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, EnsureDir(file))
}
