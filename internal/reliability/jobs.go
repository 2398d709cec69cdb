package reliability

import (
	"context"
	"time"

	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/rs/zerolog"
)

// backupTimeout bounds one scheduled backup run, upload included.
const backupTimeout = 10 * time.Minute

// BackupJob runs the backup service on a cron schedule.
type BackupJob struct {
	service *BackupService
}

// NewBackupJob creates a scheduled backup job.
func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

// Run executes one backup cycle.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()
	return j.service.CreateAndUpload(ctx)
}

// Name returns the job name for the scheduler.
func (j *BackupJob) Name() string {
	return "backup"
}

// WALCheckpointJob truncates the write-ahead log on a schedule so the
// sidecar file cannot grow unbounded between backups.
type WALCheckpointJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewWALCheckpointJob creates a scheduled WAL checkpoint job.
func NewWALCheckpointJob(db *database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		db:  db,
		log: log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Run forces a TRUNCATE checkpoint on the writer connection.
func (j *WALCheckpointJob) Run() error {
	startTime := time.Now()

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}

	stats, err := j.db.GetStats()
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read database stats after checkpoint")
		return nil
	}

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Int64("db_size_bytes", stats.SizeBytes).
		Int64("wal_size_bytes", stats.WALSizeBytes).
		Msg("WAL checkpoint completed")

	return nil
}

// Name returns the job name for the scheduler.
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}
