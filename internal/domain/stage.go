package domain

// Stage names reported in stage payloads.
const (
	StageCourses    = "courses"
	StageFiles      = "files"
	StageIngestion  = "ingestion"
	StageEstimation = "estimation"
	StagePlanning   = "planning"
	StageReview     = "review"
	StageExport     = "export"
)

// StageStatus is the outcome of one stage invocation.
type StageStatus string

const (
	StageComplete StageStatus = "complete"
	StagePartial  StageStatus = "partial"
	StageFailed   StageStatus = "failed"
)

// StageResult is the common status payload every stage returns instead of
// raising an unhandled fault.
type StageResult struct {
	SessionID string      `json:"session_id"`
	Stage     string      `json:"stage"`
	Status    StageStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable"`
	Warnings  []string    `json:"warnings,omitempty"`
	Reused    bool        `json:"reused_existing,omitempty"`
}

// StageOK builds a complete or partial result depending on warnings.
func StageOK(sessionID, stage string, warnings []string) StageResult {
	status := StageComplete
	if len(warnings) > 0 {
		status = StagePartial
	}
	return StageResult{SessionID: sessionID, Stage: stage, Status: status, Warnings: warnings}
}

// StageError builds a failed result from err.
func StageError(sessionID, stage string, err error) StageResult {
	return StageResult{
		SessionID: sessionID,
		Stage:     stage,
		Status:    StageFailed,
		Error:     err.Error(),
		Retryable: IsRetryable(err),
	}
}
