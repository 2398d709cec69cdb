// Package reliability ships database backups to an S3-compatible bucket
// and keeps the SQLite WAL in check between backups.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/events"
	"github.com/imposzible9/Cal-DR-Project/internal/version"
	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "caldr-backup-"
	backupTimeLayout = "2006-01-02-150405"

	// Rotation never deletes below this count, whatever BACKUP_KEEP says.
	minBackupsToKeep = 3
)

// BackupService archives the ratings database and uploads the archive to
// an S3-compatible bucket.
type BackupService struct {
	db      *database.DB
	dbPath  string
	dataDir string
	keep    int
	s3      *S3Client
	bus     *events.Bus
	log     zerolog.Logger
}

// BackupMetadata describes the contents of a backup archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database file inside the archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one archive stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewBackupService creates a backup service for the given database file.
// keep is the number of remote archives rotation preserves.
func NewBackupService(
	db *database.DB,
	dbPath string,
	dataDir string,
	keep int,
	s3 *S3Client,
	bus *events.Bus,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		db:      db,
		dbPath:  dbPath,
		dataDir: dataDir,
		keep:    keep,
		s3:      s3,
		bus:     bus,
		log:     log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload creates a backup archive and uploads it to the bucket,
// then rotates old remote archives.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	// Checkpoint the WAL so the base file carries every committed write.
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint before backup failed")
	}

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	filename := filepath.Base(s.dbPath)
	stagedPath := filepath.Join(stagingDir, filename)
	if err := copyFile(s.dbPath, stagedPath); err != nil {
		return fmt.Errorf("failed to stage database: %w", err)
	}

	info, err := os.Stat(stagedPath)
	if err != nil {
		return fmt.Errorf("failed to stat staged database: %w", err)
	}

	checksum, err := s.calculateChecksum(stagedPath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
		Databases: []DatabaseMetadata{{
			Name:      strings.TrimSuffix(filename, filepath.Ext(filename)),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		}},
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := s.writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s%s.tar.gz", backupPrefix, time.Now().Format(backupTimeLayout))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := s.createArchive(archivePath, []string{stagedPath, metadataPath}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.s3.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	if err := s.Rotate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	duration := time.Since(startTime)
	s.log.Info().
		Dur("duration_ms", duration).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Backup completed successfully")

	s.bus.Emit(events.BackupCompleted, "reliability", map[string]interface{}{
		"archive":    archiveName,
		"size_bytes": archiveInfo.Size(),
		"checksum":   checksum,
	})

	return nil
}

// ListBackups lists all archives stored in the bucket, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.s3.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}

		timestamp, ok := parseBackupTime(*obj.Key)
		if !ok {
			s.log.Warn().Str("key", *obj.Key).Msg("Skipping object with unparseable name")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		backups = append(backups, BackupInfo{
			Filename:  *obj.Key,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// Rotate deletes remote archives beyond the configured keep count.
func (s *BackupService) Rotate(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}

	expired := expiredBackups(backups, s.keep)
	if len(expired) == 0 {
		s.log.Debug().Int("count", len(backups)).Msg("No backups to rotate")
		return nil
	}

	deleted := 0
	for _, backup := range expired {
		if err := s.s3.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")

	return nil
}

// parseBackupTime extracts the timestamp embedded in an archive name
// like caldr-backup-2026-01-08-143022.tar.gz.
func parseBackupTime(filename string) (time.Time, bool) {
	if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), ".tar.gz")
	t, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// expiredBackups returns the archives rotation should delete: everything
// beyond the newest keep entries. backups must be sorted newest first.
func expiredBackups(backups []BackupInfo, keep int) []BackupInfo {
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}
	if len(backups) <= keep {
		return nil
	}
	return backups[keep:]
}

// calculateChecksum calculates the SHA256 checksum of a file.
func (s *BackupService) calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes backup metadata to a JSON file.
func (s *BackupService) writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive packs the given files into a tar.gz archive. Members are
// stored under their basenames.
func (s *BackupService) createArchive(archivePath string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := s.addFileToArchive(tarWriter, path, filepath.Base(path)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}

	return nil
}

// addFileToArchive adds a single file to a tar archive.
func (s *BackupService) addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}

// copyFile copies src to dst, truncating dst if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
