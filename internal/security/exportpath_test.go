package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(safe, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(safe, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(safe, "race.rtra"), false},
		{"nested new dir", filepath.Join(safe, "2024", "leg2", "race.png"), false},
		{"dot dot", filepath.Join(safe, "..", "race.rtra"), true},
		{"sibling", filepath.Join(outside, "race.rtra"), true},
		{"through symlink", filepath.Join(safe, "link", "race.rtra"), true},
		{"new file under symlink", filepath.Join(safe, "link", "new", "race.rtra"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	t.Parallel()
	a, b := t.TempDir(), t.TempDir()

	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "x.html"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs("/etc/passwd", []string{a, b}))
	assert.ErrorContains(t, ValidatePathWithinAllowedDirs(filepath.Join(a, "x"), nil), "no allowed directories")
}

func TestValidateExportPath(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateExportPath(filepath.Join(t.TempDir(), "race.rtra")))
	assert.NoError(t, ValidateExportPath("race.html"))
	assert.Error(t, ValidateExportPath("/etc/racetrail.rtra"))
}
