// Package idempotency derives stable keys for uploads and chunks and keeps
// per-file chunk progress so that retries and resumptions never duplicate
// work.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/store"
)

// Fingerprint returns the hex SHA-256 of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FileID derives the file id from a content fingerprint.
func FileID(sha string, size int64) string {
	sum := sha256.Sum256([]byte(sha + ":" + strconv.FormatInt(size, 10)))
	return "file_" + hex.EncodeToString(sum[:])[:16]
}

// ChunkKey is the idempotency key of one chunk.
func ChunkKey(fileID string, index int) string {
	return fileID + ":" + strconv.Itoa(index)
}

// Upload describes a file being registered.
type Upload struct {
	Filename    string
	ContentType string
	SHA256      string
	SizeBytes   int64
	CourseIDs   []string
	IsShared    bool
	Required    bool
}

// ChunkOutcome is the result of processing one chunk.
type ChunkOutcome struct {
	Index    int
	Topics   []domain.TopicCandidate
	Attempts int
	// Err marks the chunk failed.
	Err error
}

// Tracker records upload registrations and chunk progress through the
// state store. All writes go to ingestion-owned sub-records.
type Tracker struct {
	repo store.Repository
	now  func() time.Time
}

// New creates a tracker over repo.
func New(repo store.Repository) *Tracker {
	return &Tracker{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// RegisterUpload registers u unless a file with the same fingerprint is
// already registered, in which case the existing record is returned
// unchanged with reused set.
func (t *Tracker) RegisterUpload(ctx context.Context, sessionID string, u Upload) (domain.UploadedFile, bool, error) {
	if u.SHA256 == "" {
		return domain.UploadedFile{}, false, fmt.Errorf("%w: missing sha256 for %s", domain.ErrInvalidInput, u.Filename)
	}
	id := FileID(u.SHA256, u.SizeBytes)
	var out domain.UploadedFile
	reused := false
	_, err := store.Update(ctx, t.repo, sessionID, store.OwnerIngestion, store.SectionFiles, id, func(f *domain.UploadedFile) error {
		if f.ID != "" {
			out = *f
			reused = true
			return store.ErrNoChange
		}
		*f = domain.UploadedFile{
			ID:           id,
			Filename:     u.Filename,
			ContentType:  u.ContentType,
			SHA256:       u.SHA256,
			SizeBytes:    u.SizeBytes,
			CourseIDs:    slices.Clone(u.CourseIDs),
			IsShared:     u.IsShared,
			Required:     u.Required,
			UploadStatus: domain.UploadStatusUploaded,
			RegisteredAt: t.now(),
		}
		out = *f
		return nil
	})
	if err != nil {
		return domain.UploadedFile{}, false, err
	}
	return out, reused, nil
}

// BeginFile prepares progress for a processing run over total chunks.
// A complete file is left untouched unless force is set; force or a changed
// chunk count resets results and the failed set.
func (t *Tracker) BeginFile(ctx context.Context, sessionID, fileID string, total int, force bool) (domain.ChunkProgress, error) {
	if total < 0 {
		return domain.ChunkProgress{}, fmt.Errorf("%w: negative chunk count", domain.ErrInvalidInput)
	}
	var out domain.ChunkProgress
	_, err := store.Update(ctx, t.repo, sessionID, store.OwnerIngestion, store.SectionProgress, fileID, func(p *domain.ChunkProgress) error {
		fresh := p.FileID == "" || p.TotalChunks != total
		if !force && !fresh {
			if !p.InBounds() {
				return domain.Corrupt("progress of %s out of bounds", fileID)
			}
			out = p.Clone()
			if p.Status == domain.ProgressComplete {
				return store.ErrNoChange
			}
			p.Status = domain.ProgressPending
			p.UpdatedAt = t.now()
			out = p.Clone()
			return nil
		}
		*p = domain.ChunkProgress{
			FileID:      fileID,
			TotalChunks: total,
			Processed:   []int{},
			Failed:      []int{},
			Status:      domain.ProgressPending,
			UpdatedAt:   t.now(),
		}
		if total == 0 {
			p.Status = domain.ProgressComplete
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// Pending lists chunk indices still to process.
func Pending(p domain.ChunkProgress, force bool) []int {
	out := make([]int, 0, p.TotalChunks)
	for i := 0; i < p.TotalChunks; i++ {
		if force || !p.IsProcessed(i) {
			out = append(out, i)
		}
	}
	return out
}

// RecordChunk merges one chunk outcome into the file progress. Success
// replaces any earlier result for the chunk key and clears it from the
// failed set.
func (t *Tracker) RecordChunk(ctx context.Context, sessionID, fileID string, o ChunkOutcome) (domain.ChunkProgress, error) {
	var out domain.ChunkProgress
	_, err := store.Update(ctx, t.repo, sessionID, store.OwnerIngestion, store.SectionProgress, fileID, func(p *domain.ChunkProgress) error {
		if p.FileID == "" {
			return domain.Corrupt("chunk recorded for %s before processing began", fileID)
		}
		if o.Index < 0 || o.Index >= p.TotalChunks {
			return domain.Corrupt("chunk %d outside [0,%d) for %s", o.Index, p.TotalChunks, fileID)
		}
		now := t.now()
		if p.Results == nil {
			p.Results = make(map[int]domain.ChunkResult)
		}
		result := domain.ChunkResult{
			Key:       ChunkKey(fileID, o.Index),
			Index:     o.Index,
			Topics:    slices.Clone(o.Topics),
			Attempts:  o.Attempts,
			UpdatedAt: now,
		}
		if o.Err != nil {
			result.Status = domain.ChunkFailed
			result.Topics = nil
			p.Failed = insertSorted(p.Failed, o.Index)
			p.Processed = removeSorted(p.Processed, o.Index)
			p.LastError = o.Err.Error()
		} else {
			result.Status = domain.ChunkComplete
			if len(o.Topics) == 0 {
				result.Status = domain.ChunkEmpty
			}
			p.Processed = insertSorted(p.Processed, o.Index)
			p.Failed = removeSorted(p.Failed, o.Index)
		}
		p.Results[o.Index] = result
		p.Status = deriveStatus(*p)
		p.UpdatedAt = now
		if !p.InBounds() {
			return domain.Corrupt("progress of %s out of bounds", fileID)
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// AcceptPartial records the warning that lets a partially ingested file pass
// the estimation guard.
func (t *Tracker) AcceptPartial(ctx context.Context, sessionID, fileID, warning string) error {
	_, err := store.Update(ctx, t.repo, sessionID, store.OwnerIngestion, store.SectionProgress, fileID, func(p *domain.ChunkProgress) error {
		if p.Status != domain.ProgressPartial {
			return store.ErrNoChange
		}
		p.Warning = warning
		return nil
	})
	return err
}

func deriveStatus(p domain.ChunkProgress) domain.ProgressStatus {
	switch {
	case len(p.Processed) == p.TotalChunks:
		return domain.ProgressComplete
	case len(p.Processed)+len(p.Failed) < p.TotalChunks:
		return domain.ProgressPending
	case len(p.Processed) > 0:
		return domain.ProgressPartial
	default:
		return domain.ProgressFailed
	}
}

func insertSorted(set []int, v int) []int {
	i, found := slices.BinarySearch(set, v)
	if found {
		return set
	}
	return slices.Insert(set, i, v)
}

func removeSorted(set []int, v int) []int {
	i, found := slices.BinarySearch(set, v)
	if !found {
		return set
	}
	return slices.Delete(set, i, i+1)
}
