package ingestion

import (
	"cmp"
	"maps"
	"slices"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/idempotency"
)

// SharedCourse collects evidence from files linked to no course.
const SharedCourse = "shared"

// TargetCourseIDs returns the courses a file's topics count toward: its own
// links, every course when it is shared, or the shared bucket.
func TargetCourseIDs(f domain.UploadedFile, courses []domain.Course) []string {
	if len(f.CourseIDs) > 0 {
		return sortedUnique(f.CourseIDs)
	}
	if f.IsShared {
		ids := make([]string, 0, len(courses))
		for _, c := range courses {
			if c.ID != "" {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) > 0 {
			return sortedUnique(ids)
		}
	}
	return []string{SharedCourse}
}

type evidenceKey struct {
	courseID string
	topic    string
}

// MergeEvidence folds every stored chunk result into one evidence row per
// (course, normalized topic). The longest label wins; provenance is the
// union of contributing files and chunks.
func MergeEvidence(files map[string]domain.UploadedFile, progress map[string]domain.ChunkProgress, courses []domain.Course) []domain.TopicEvidence {
	merged := make(map[evidenceKey]*domain.TopicEvidence)
	for _, fileID := range slices.Sorted(maps.Keys(files)) {
		p, ok := progress[fileID]
		if !ok {
			continue
		}
		targets := TargetCourseIDs(files[fileID], courses)
		for _, idx := range slices.Sorted(maps.Keys(p.Results)) {
			res := p.Results[idx]
			if res.Status != domain.ChunkComplete {
				continue
			}
			chunkKey := res.Key
			if chunkKey == "" {
				chunkKey = idempotency.ChunkKey(fileID, idx)
			}
			for _, cand := range res.Topics {
				norm := domain.NormalizeTopic(cand.Topic)
				if norm == "" {
					continue
				}
				for _, courseID := range targets {
					k := evidenceKey{courseID: courseID, topic: norm}
					ev, ok := merged[k]
					if !ok {
						ev = &domain.TopicEvidence{
							CourseID:        courseID,
							Topic:           cand.Topic,
							NormalizedTopic: norm,
							EvidenceSummary: cand.EvidenceSummary,
						}
						merged[k] = ev
					}
					ev.SourceFiles = appendUnique(ev.SourceFiles, fileID)
					ev.SourceChunks = appendUnique(ev.SourceChunks, chunkKey)
					if len(cand.Topic) > len(ev.Topic) {
						ev.Topic = cand.Topic
					}
				}
			}
		}
	}

	out := make([]domain.TopicEvidence, 0, len(merged))
	for _, ev := range merged {
		out = append(out, *ev)
	}
	slices.SortFunc(out, func(a, b domain.TopicEvidence) int {
		if c := cmp.Compare(a.CourseID, b.CourseID); c != 0 {
			return c
		}
		return cmp.Compare(a.NormalizedTopic, b.NormalizedTopic)
	})
	return out
}

func appendUnique(set []string, v string) []string {
	i, found := slices.BinarySearch(set, v)
	if found {
		return set
	}
	return slices.Insert(set, i, v)
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
