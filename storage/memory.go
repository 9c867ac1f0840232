package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"videosearch/core"
)

// MemoryStore keeps points in process memory. Used as the default backend
// when no database is configured, and by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string][]core.IndexedPoint // videoID -> points
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: map[string][]core.IndexedPoint{}}
}

func (s *MemoryStore) Upsert(_ context.Context, point core.IndexedPoint) (string, error) {
	if point.ID == "" {
		point.ID = core.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[point.VideoID] = append(s.points[point.VideoID], point)
	return point.ID, nil
}

func (s *MemoryStore) Query(_ context.Context, vector []float32, filter Filter, limit int, scoreFloor float64) ([]RawHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.points[filter.VideoID]
	hits := make([]RawHit, 0, len(candidates))
	for _, p := range candidates {
		if filter.Type != "" && p.Type != filter.Type {
			continue
		}
		score := cosineSimilarity(vector, p.Embedding)
		if score < scoreFloor {
			continue
		}
		hits = append(hits, RawHit{
			Score:         score,
			VideoID:       p.VideoID,
			Type:          p.Type,
			Timestamp:     p.Timestamp,
			EndTime:       p.EndTime,
			Text:          p.Text,
			ThumbnailPath: p.ThumbnailPath,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteByVideo(_ context.Context, videoID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.points[videoID])
	delete(s.points, videoID)
	return count, nil
}

func (s *MemoryStore) CountByVideoAndType(_ context.Context, videoID string, t core.ResultType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.points[videoID] {
		if p.Type == t {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
