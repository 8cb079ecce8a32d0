package core

import (
	"fmt"
	"math"
	"time"
)

// StatusNotFound is reported for unknown jobs instead of an error.
const StatusNotFound = "not_found"

// JobStatusView is the read model returned by status queries.
type JobStatusView struct {
	JobID                  string     `json:"jobId"`
	Status                 string     `json:"status"`
	TotalRecords           *int       `json:"totalRecords,omitempty"`
	ProcessedCount         *int       `json:"processedCount,omitempty"`
	RecordsPerMinute       *int       `json:"recordsPerMinute,omitempty"`
	ProgressPercentage     *int       `json:"progressPercentage,omitempty"`
	RemainingRecords       *int       `json:"remainingRecords,omitempty"`
	EstimatedTimeRemaining string     `json:"estimatedTimeRemaining,omitempty"`
	CreatedAt              *time.Time `json:"createdAt,omitempty"`
	UpdatedAt              *time.Time `json:"updatedAt,omitempty"`
}

// NotFoundStatus is the view of a job that does not exist.
func NotFoundStatus(jobID string) *JobStatusView {
	return &JobStatusView{JobID: jobID, Status: StatusNotFound}
}

// BuildStatus derives the status view from a job config.
func BuildStatus(cfg *JobConfig) *JobStatusView {
	progress := ProgressPercentage(cfg.ProcessedCount, cfg.TotalRecords)
	remaining := cfg.TotalRecords - cfg.ProcessedCount
	if remaining < 0 {
		remaining = 0
	}

	eta := "N/A"
	switch {
	case cfg.Status == JobProcessing && remaining > 0 && cfg.RecordsPerMinute > 0:
		eta = FormatTimeRemaining(float64(remaining) / float64(cfg.RecordsPerMinute))
	case cfg.Status == JobCompleted:
		eta = "Completed"
	}

	total, processed, rate := cfg.TotalRecords, cfg.ProcessedCount, cfg.RecordsPerMinute
	createdAt, updatedAt := cfg.CreatedAt, cfg.UpdatedAt
	return &JobStatusView{
		JobID:                  cfg.JobID,
		Status:                 string(cfg.Status),
		TotalRecords:           &total,
		ProcessedCount:         &processed,
		RecordsPerMinute:       &rate,
		ProgressPercentage:     &progress,
		RemainingRecords:       &remaining,
		EstimatedTimeRemaining: eta,
		CreatedAt:              &createdAt,
		UpdatedAt:              &updatedAt,
	}
}

// ProgressPercentage returns processed/total as a rounded percentage.
func ProgressPercentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// FormatTimeRemaining renders a duration given in minutes for humans.
func FormatTimeRemaining(minutes float64) string {
	switch {
	case minutes < 1:
		seconds := int(math.Ceil(minutes * 60))
		return fmt.Sprintf("%d %s", seconds, plural(seconds, "second"))
	case minutes < 60:
		mins := int(math.Ceil(minutes))
		return fmt.Sprintf("%d %s", mins, plural(mins, "minute"))
	default:
		hours := int(math.Floor(minutes / 60))
		mins := int(math.Ceil(math.Mod(minutes, 60)))
		return fmt.Sprintf("%d %s %d %s", hours, plural(hours, "hour"), mins, plural(mins, "minute"))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
