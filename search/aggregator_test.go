package search

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
	"videosearch/metrics"
	"videosearch/storage"
)

type fakeEmbedder struct {
	queries int
}

func (f *fakeEmbedder) EmbedImage(context.Context, string) ([]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	f.queries++
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) Transcribe(context.Context, string) ([]core.TranscriptSegment, error) {
	return nil, errors.New("not used")
}

// cannedStore returns preset hits and records what it was asked for.
type cannedStore struct {
	storage.VectorStore
	hits       []storage.RawHit
	lastFilter storage.Filter
	lastLimit  int
	lastFloor  float64
	queries    int
}

func (s *cannedStore) Query(_ context.Context, _ []float32, filter storage.Filter, limit int, floor float64) ([]storage.RawHit, error) {
	s.queries++
	s.lastFilter = filter
	s.lastLimit = limit
	s.lastFloor = floor
	return s.hits, nil
}

func newTestAggregator(store *cannedStore, emb *fakeEmbedder) *Aggregator {
	cfg := &config.Config{MinSearchScore: 0.15, DedupWindowSec: 2.0}
	return NewAggregator(cfg, emb, store, metrics.New(prometheus.NewRegistry()), logging.New("test", logging.ERROR))
}

func TestSearchRejectsEmptyQueryBeforeAnyCall(t *testing.T) {
	emb := &fakeEmbedder{}
	store := &cannedStore{}
	agg := newTestAggregator(store, emb)

	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := agg.Search(context.Background(), Request{VideoID: "v1", Query: q, TopK: 5})
		if !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("Search(%q) = %v, want ErrEmptyQuery", q, err)
		}
	}
	if emb.queries != 0 || store.queries != 0 {
		t.Errorf("collaborators called for empty query: embedder=%d store=%d", emb.queries, store.queries)
	}
}

func TestSearchDeduplicatesByTemporalBucket(t *testing.T) {
	store := &cannedStore{hits: []storage.RawHit{
		{Score: 0.9, VideoID: "v1", Type: core.TypeVisual, Timestamp: 10.4, ThumbnailPath: "v1_10.4.jpg"},
		{Score: 0.8, VideoID: "v1", Type: core.TypeVisual, Timestamp: 10.9, ThumbnailPath: "v1_10.9.jpg"},
		{Score: 0.7, VideoID: "v1", Type: core.TypeAudio, Timestamp: 14.0, Text: "hello"},
	}}
	agg := newTestAggregator(store, &fakeEmbedder{})

	hits, err := agg.Search(context.Background(), Request{VideoID: "v1", Query: "greeting", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// 10.4 and 10.9 share bucket 10; the higher-scored hit wins.
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Timestamp != 10.4 || hits[1].Timestamp != 14.0 {
		t.Errorf("timestamps = [%v, %v], want [10.4, 14.0]", hits[0].Timestamp, hits[1].Timestamp)
	}
	if hits[0].Score < hits[1].Score {
		t.Error("score order broken by dedup")
	}
}

func TestSearchOverFetchesAndTruncates(t *testing.T) {
	hits := make([]storage.RawHit, 0, 8)
	for i := 0; i < 8; i++ {
		hits = append(hits, storage.RawHit{
			Score:     0.9 - float64(i)*0.05,
			VideoID:   "v1",
			Type:      core.TypeVisual,
			Timestamp: float64(i * 10), // distinct buckets
		})
	}
	store := &cannedStore{hits: hits}
	agg := newTestAggregator(store, &fakeEmbedder{})

	got, err := agg.Search(context.Background(), Request{VideoID: "v1", Query: "anything", TopK: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if store.lastLimit != 6 {
		t.Errorf("store asked for %d candidates, want 2*topK = 6", store.lastLimit)
	}
	if store.lastFloor != 0.15 {
		t.Errorf("score floor = %v, want 0.15", store.lastFloor)
	}
	if len(got) != 3 {
		t.Fatalf("got %d hits, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatal("results not in descending score order")
		}
	}
}

func TestSearchReturnsFewerThanTopK(t *testing.T) {
	store := &cannedStore{hits: []storage.RawHit{
		{Score: 0.5, VideoID: "v1", Type: core.TypeVisual, Timestamp: 4.0},
	}}
	agg := newTestAggregator(store, &fakeEmbedder{})

	got, err := agg.Search(context.Background(), Request{VideoID: "v1", Query: "rare thing", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d hits, want 1", len(got))
	}
}

func TestSearchDefaultsTopK(t *testing.T) {
	store := &cannedStore{}
	agg := newTestAggregator(store, &fakeEmbedder{})

	if _, err := agg.Search(context.Background(), Request{VideoID: "v1", Query: "anything"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if store.lastLimit != 2*defaultTopK {
		t.Errorf("store asked for %d candidates, want %d", store.lastLimit, 2*defaultTopK)
	}
}

func TestSearchPassesFilterAndFloorOverrides(t *testing.T) {
	store := &cannedStore{}
	agg := newTestAggregator(store, &fakeEmbedder{})

	req := Request{VideoID: "v1", Query: "anything", TopK: 5, ResultType: core.TypeAudio, MinScore: 0.4}
	if _, err := agg.Search(context.Background(), req); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if store.lastFilter.VideoID != "v1" || store.lastFilter.Type != core.TypeAudio {
		t.Errorf("filter = %+v, want video v1 audio only", store.lastFilter)
	}
	if store.lastFloor != 0.4 {
		t.Errorf("score floor = %v, want caller override 0.4", store.lastFloor)
	}
}

func TestSearchShapesHitsByType(t *testing.T) {
	store := &cannedStore{hits: []storage.RawHit{
		{Score: 0.9, VideoID: "v1", Type: core.TypeVisual, Timestamp: 2.0, ThumbnailPath: "v1_2.0.jpg"},
		{Score: 0.8, VideoID: "v1", Type: core.TypeAudio, Timestamp: 30.0, EndTime: 33.5, Text: "a dog barks"},
	}}
	agg := newTestAggregator(store, &fakeEmbedder{})

	got, err := agg.Search(context.Background(), Request{VideoID: "v1", Query: "dog", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got[0].ThumbnailURL != "/thumbnails/v1_2.0.jpg" {
		t.Errorf("visual hit URL = %q", got[0].ThumbnailURL)
	}
	if got[0].TranscriptSnippet != "" {
		t.Error("visual hit carries transcript text")
	}
	if got[1].TranscriptSnippet != "a dog barks" {
		t.Errorf("audio hit snippet = %q", got[1].TranscriptSnippet)
	}
	if got[1].ThumbnailURL != "" {
		t.Error("audio hit carries thumbnail URL")
	}
}
