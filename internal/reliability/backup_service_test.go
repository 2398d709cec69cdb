package reliability

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackupTime(t *testing.T) {
	ts, ok := parseBackupTime("caldr-backup-2026-01-08-143022.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 8, 14, 30, 22, 0, time.UTC), ts)

	_, ok = parseBackupTime("caldr-backup-garbage.tar.gz")
	assert.False(t, ok)

	_, ok = parseBackupTime("other-backup-2026-01-08-143022.tar.gz")
	assert.False(t, ok)

	_, ok = parseBackupTime("caldr-backup-2026-01-08-143022.zip")
	assert.False(t, ok)
}

func TestExpiredBackups(t *testing.T) {
	mk := func(n int) []BackupInfo {
		backups := make([]BackupInfo, n)
		for i := range backups {
			// Newest first, one day apart.
			backups[i] = BackupInfo{
				Filename:  fmt.Sprintf("caldr-backup-%d.tar.gz", i),
				Timestamp: time.Now().AddDate(0, 0, -i),
			}
		}
		return backups
	}

	t.Run("keeps everything under the limit", func(t *testing.T) {
		assert.Empty(t, expiredBackups(mk(3), 5))
		assert.Empty(t, expiredBackups(mk(5), 5))
		assert.Empty(t, expiredBackups(nil, 5))
	})

	t.Run("deletes the oldest beyond keep", func(t *testing.T) {
		expired := expiredBackups(mk(7), 5)
		require.Len(t, expired, 2)
		assert.Equal(t, "caldr-backup-5.tar.gz", expired[0].Filename)
		assert.Equal(t, "caldr-backup-6.tar.gz", expired[1].Filename)
	})

	t.Run("never goes below the minimum", func(t *testing.T) {
		expired := expiredBackups(mk(5), 0)
		require.Len(t, expired, 2)
		assert.Equal(t, "caldr-backup-3.tar.gz", expired[0].Filename)

		expired = expiredBackups(mk(5), 1)
		assert.Len(t, expired, 2)

		assert.Empty(t, expiredBackups(mk(3), 0))
	})
}

func TestCalculateChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello backup")
	require.NoError(t, os.WriteFile(path, content, 0644))

	s := &BackupService{log: zerolog.Nop()}
	checksum, err := s.calculateChecksum(path)
	require.NoError(t, err)

	want := fmt.Sprintf("sha256:%x", sha256.Sum256(content))
	assert.Equal(t, want, checksum)
}

func TestCreateArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "ratings.sqlite")
	require.NoError(t, os.WriteFile(dbPath, []byte("sqlite bytes"), 0644))

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "test",
		Databases: []DatabaseMetadata{{
			Name:      "ratings",
			Filename:  "ratings.sqlite",
			SizeBytes: 12,
			Checksum:  "sha256:abc",
		}},
	}
	metadataPath := filepath.Join(dir, "backup-metadata.json")
	s := &BackupService{log: zerolog.Nop()}
	require.NoError(t, s.writeMetadata(metadataPath, metadata))

	archivePath := filepath.Join(dir, "caldr-backup-2026-01-01-000000.tar.gz")
	require.NoError(t, s.createArchive(archivePath, []string{dbPath, metadataPath}))

	// Read the archive back and verify both members.
	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	members := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		members[hdr.Name] = data
	}

	require.Len(t, members, 2)
	assert.Equal(t, []byte("sqlite bytes"), members["ratings.sqlite"])

	var got BackupMetadata
	require.NoError(t, json.Unmarshal(members["backup-metadata.json"], &got))
	assert.Equal(t, "test", got.Version)
	require.Len(t, got.Databases, 1)
	assert.Equal(t, "ratings", got.Databases[0].Name)
	assert.Equal(t, "sha256:abc", got.Databases[0].Checksum)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	require.NoError(t, copyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	err = copyFile(filepath.Join(dir, "missing.db"), dst)
	assert.Error(t, err)
}
