package domain

import (
	"slices"
	"time"
)

// UploadStatus tracks registration of an uploaded file.
type UploadStatus string

const (
	UploadStatusPending  UploadStatus = "pending"
	UploadStatusUploaded UploadStatus = "uploaded"
)

// UploadedFile is a registered source document. The fingerprint
// (SHA256, SizeBytes) is unique within a session.
type UploadedFile struct {
	ID           string       `json:"file_id"`
	Filename     string       `json:"filename"`
	ContentType  string       `json:"content_type"`
	SHA256       string       `json:"sha256"`
	SizeBytes    int64        `json:"size_bytes"`
	CourseIDs    []string     `json:"course_ids"`
	IsShared     bool         `json:"is_shared"`
	Required     bool         `json:"required"`
	UploadStatus UploadStatus `json:"upload_status"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// ProgressStatus is the per-file ingestion status.
type ProgressStatus string

const (
	ProgressPending  ProgressStatus = "pending"
	ProgressPartial  ProgressStatus = "partial"
	ProgressComplete ProgressStatus = "complete"
	ProgressFailed   ProgressStatus = "failed"
)

// ChunkStatus is the outcome of one chunk attempt.
type ChunkStatus string

const (
	ChunkComplete ChunkStatus = "complete"
	ChunkEmpty    ChunkStatus = "empty"
	ChunkFailed   ChunkStatus = "failed"
)

// ChunkProgress is the ingestion progress of one file.
type ChunkProgress struct {
	FileID      string              `json:"file_id"`
	TotalChunks int                 `json:"total_chunks"`
	Processed   []int               `json:"processed_chunks"`
	Failed      []int               `json:"failed_chunks"`
	Results     map[int]ChunkResult `json:"chunk_results,omitempty"`
	Status      ProgressStatus      `json:"status"`
	LastError   string              `json:"last_error,omitempty"`
	// Warning is set when a partial file is explicitly accepted for estimation.
	Warning   string    `json:"warning,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChunkResult is the stored output for one chunk key. Reprocessing the same
// key replaces it.
type ChunkResult struct {
	Key       string           `json:"chunk_id"`
	Index     int              `json:"chunk_index"`
	Status    ChunkStatus      `json:"status"`
	Topics    []TopicCandidate `json:"topics"`
	Attempts  int              `json:"attempts"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TopicCandidate is one topic reported by the extraction collaborator.
type TopicCandidate struct {
	Topic           string `json:"topic"`
	EvidenceSummary string `json:"evidence_summary"`
}

// IsProcessed reports whether chunk idx has a successful result.
func (p ChunkProgress) IsProcessed(idx int) bool {
	_, ok := slices.BinarySearch(p.Processed, idx)
	return ok
}

// IsFailed reports whether chunk idx is in the failed set.
func (p ChunkProgress) IsFailed(idx int) bool {
	_, ok := slices.BinarySearch(p.Failed, idx)
	return ok
}

// InBounds reports whether processed ∪ failed ⊆ [0, total).
func (p ChunkProgress) InBounds() bool {
	for _, set := range [][]int{p.Processed, p.Failed} {
		for _, idx := range set {
			if idx < 0 || idx >= p.TotalChunks {
				return false
			}
		}
	}
	return true
}

// ReadyForEstimation reports whether the file satisfies the ingesting →
// estimating guard: complete, or partial with an explicit warning.
func (p ChunkProgress) ReadyForEstimation() bool {
	switch p.Status {
	case ProgressComplete:
		return true
	case ProgressPartial:
		return p.Warning != ""
	}
	return false
}

// Clone returns a deep copy.
func (p ChunkProgress) Clone() ChunkProgress {
	out := p
	out.Processed = slices.Clone(p.Processed)
	out.Failed = slices.Clone(p.Failed)
	if p.Results != nil {
		out.Results = make(map[int]ChunkResult, len(p.Results))
		for k, v := range p.Results {
			v.Topics = slices.Clone(v.Topics)
			out.Results[k] = v
		}
	}
	return out
}
