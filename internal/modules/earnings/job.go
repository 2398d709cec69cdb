package earnings

import "context"

// RefreshJob adapts the service to the cron scheduler.
type RefreshJob struct {
	service *Service
}

// NewRefreshJob creates the hourly refresh job.
func NewRefreshJob(service *Service) *RefreshJob {
	return &RefreshJob{service: service}
}

// Name returns the job name
func (j *RefreshJob) Name() string {
	return "earnings_refresh"
}

// Run refreshes the calendar once.
func (j *RefreshJob) Run() error {
	_, err := j.service.Refresh(context.Background())
	return err
}
