package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Contains(t, rootCmd.Version, tt.version)
		})
	}
}

func TestResolveConfigDir(t *testing.T) {
	t.Run("ExistingDir", func(t *testing.T) {
		dir := t.TempDir()
		got, err := resolveConfigDir(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("DefaultsToWorkingDir", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		got, err := resolveConfigDir("")
		require.NoError(t, err)
		assert.Equal(t, wd, got)
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := resolveConfigDir(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})

	t.Run("NotADir", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
		_, err := resolveConfigDir(f)
		assert.Error(t, err)
	})
}
