package core

// MaxTotalRecords bounds a single job so one request cannot exhaust the store.
const MaxTotalRecords = 1_000_000

// MaxRecordsPerMinute is the fastest supported rate (one record per millisecond).
const MaxRecordsPerMinute = 60_000

// CreateJobRequest is the body of a job creation request.
type CreateJobRequest struct {
	TotalRecords     int `json:"totalRecords"`
	RecordsPerMinute int `json:"recordsPerMinute"`
}

// UpdateRateRequest is the body of a rate update request.
type UpdateRateRequest struct {
	RecordsPerMinute int `json:"recordsPerMinute"`
}

// ValidateCreateJob checks a creation request.
func ValidateCreateJob(totalRecords, recordsPerMinute int) *Error {
	if totalRecords < 1 {
		return NewValidationError("totalRecords must be a positive integer", map[string]any{
			"field": "totalRecords",
			"value": totalRecords,
		})
	}
	if totalRecords > MaxTotalRecords {
		return NewValidationError("totalRecords exceeds the per-job limit", map[string]any{
			"field": "totalRecords",
			"value": totalRecords,
			"max":   MaxTotalRecords,
		})
	}
	return ValidateRate(recordsPerMinute)
}

// ValidateRate checks a records-per-minute value.
func ValidateRate(recordsPerMinute int) *Error {
	if recordsPerMinute < 1 {
		return NewValidationError("recordsPerMinute must be a positive integer", map[string]any{
			"field": "recordsPerMinute",
			"value": recordsPerMinute,
		})
	}
	if recordsPerMinute > MaxRecordsPerMinute {
		return NewValidationError("recordsPerMinute exceeds the supported maximum", map[string]any{
			"field": "recordsPerMinute",
			"value": recordsPerMinute,
			"max":   MaxRecordsPerMinute,
		})
	}
	return nil
}
