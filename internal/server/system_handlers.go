// Package server provides the HTTP server and routing for the Cal-DR
// ratings backend.
package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/imposzible9/Cal-DR-Project/internal/database"
	"github.com/imposzible9/Cal-DR-Project/internal/scheduler"
	"github.com/imposzible9/Cal-DR-Project/internal/version"
)

// ratingTables are the tables reported by the status endpoint, in
// display order.
var ratingTables = []string{
	"rating_stats",
	"rating_main",
	"rating_history",
	"rating_accuracy",
	"tracking",
}

// SystemHandlers serves the ops surface: system status and manual job
// triggers.
type SystemHandlers struct {
	db          *database.DB
	scheduler   *scheduler.Scheduler
	log         zerolog.Logger
	startupTime time.Time

	// Jobs are set after registration in main; nil means the job is not
	// configured (e.g. backups disabled).
	earningsRefreshJob scheduler.Job
	backupJob          scheduler.Job
	walCheckpointJob   scheduler.Job
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(db *database.DB, sched *scheduler.Scheduler, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:          db,
		scheduler:   sched,
		log:         log.With().Str("component", "system_handlers").Logger(),
		startupTime: time.Now(),
	}
}

// SetJobs registers job references for manual triggering.
// Called after jobs are registered in main.
func (h *SystemHandlers) SetJobs(earningsRefresh, backup, walCheckpoint scheduler.Job) {
	h.earningsRefreshJob = earningsRefresh
	h.backupJob = backup
	h.walCheckpointJob = walCheckpoint
}

// DatabaseStatus is the database block of the status response.
type DatabaseStatus struct {
	SizeMB    float64          `json:"size_mb"`
	WALSizeMB float64          `json:"wal_size_mb"`
	Tables    map[string]int64 `json:"tables"`
}

// SystemStatusResponse is the full status payload.
type SystemStatusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryPercent float64        `json:"memory_percent"`
	Database      DatabaseStatus `json:"database"`
	LastSweep     *string        `json:"last_sweep"`
	LastSnapshot  *string        `json:"last_snapshot"`
}

// HandleSystemStatus handles GET /api/system/status
// Collection failures degrade to zeros with a warning log; the dashboard
// polls this endpoint and must keep rendering.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Database: DatabaseStatus{
			Tables: make(map[string]int64, len(ratingTables)),
		},
		LastSweep:    h.latestTimestamp("rating_main"),
		LastSnapshot: h.latestTimestamp("rating_history"),
	}

	if stats, err := h.db.GetStats(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read database stats")
	} else {
		response.Database.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
		response.Database.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
	}

	for _, table := range ratingTables {
		var count int64
		if err := h.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			h.log.Warn().Err(err).Str("table", table).Msg("Failed to count rows")
			continue
		}
		response.Database.Tables[table] = count
	}

	h.writeJSON(w, http.StatusOK, response)
}

// latestTimestamp returns MAX(timestamp) of a table, nil when the table
// is empty or unreadable.
func (h *SystemHandlers) latestTimestamp(table string) *string {
	var ts sql.NullString
	err := h.db.QueryRow(fmt.Sprintf("SELECT MAX(timestamp) FROM %s", table)).Scan(&ts)
	if err != nil && err != sql.ErrNoRows {
		h.log.Warn().Err(err).Str("table", table).Msg("Failed to read latest timestamp")
		return nil
	}
	if !ts.Valid || ts.String == "" {
		return nil
	}
	return &ts.String
}

// getSystemStats calculates CPU and RAM usage percentages.
// 100ms sampling keeps the endpoint fast enough for dashboard polling.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// HandleTriggerEarningsRefresh triggers the earnings refresh job immediately
// POST /api/jobs/earnings-refresh
func (h *SystemHandlers) HandleTriggerEarningsRefresh(w http.ResponseWriter, r *http.Request) {
	h.triggerJob(w, h.earningsRefreshJob, "earnings refresh")
}

// HandleTriggerBackup triggers the database backup job immediately
// POST /api/jobs/backup
func (h *SystemHandlers) HandleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	h.triggerJob(w, h.backupJob, "backup")
}

// HandleTriggerWALCheckpoint triggers the WAL checkpoint job immediately
// POST /api/jobs/wal-checkpoint
func (h *SystemHandlers) HandleTriggerWALCheckpoint(w http.ResponseWriter, r *http.Request) {
	h.triggerJob(w, h.walCheckpointJob, "WAL checkpoint")
}

// triggerJob runs a job off-schedule on its own goroutine; failures land
// in the log, the HTTP response only acknowledges the trigger.
func (h *SystemHandlers) triggerJob(w http.ResponseWriter, job scheduler.Job, label string) {
	if job == nil {
		h.log.Warn().Str("job", label).Msg("Job not registered")
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"status":  "error",
			"message": fmt.Sprintf("%s job not registered", label),
		})
		return
	}

	h.log.Info().Str("job", job.Name()).Msg("Manual job trigger")

	go func() {
		if err := h.scheduler.RunNow(job); err != nil {
			h.log.Error().Err(err).Str("job", job.Name()).Msg("Manually triggered job failed")
		}
	}()

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("%s triggered", label),
	})
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
