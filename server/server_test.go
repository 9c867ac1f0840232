package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"videosearch/config"
	"videosearch/core"
	"videosearch/jobs"
	"videosearch/logging"
	"videosearch/metrics"
	"videosearch/search"
	"videosearch/storage"
)

type fakeAI struct {
	embedQueryCalls int
}

func (f *fakeAI) EmbedImage(context.Context, string) ([]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeAI) EmbedText(context.Context, string) ([]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeAI) EmbedQuery(context.Context, string) ([]float32, error) {
	f.embedQueryCalls++
	return []float32{1, 0}, nil
}

func (f *fakeAI) Transcribe(context.Context, string) ([]core.TranscriptSegment, error) {
	return nil, errors.New("not used")
}

type acceptQueue struct{}

func (acceptQueue) Submit(string, jobs.Task) error { return nil }
func (acceptQueue) State(string) jobs.TaskState    { return jobs.TaskUnknown }

type testEnv struct {
	server   *Server
	store    *storage.MemoryStore
	jobStore jobs.JobStore
	ai       *fakeAI
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		UploadDir:      t.TempDir(),
		ThumbnailsDir:  t.TempDir(),
		MaxVideoSizeMB: 500,
		MinSearchScore: 0.15,
		DedupWindowSec: 2.0,
	}
	log := logging.New("test", logging.ERROR)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := storage.NewMemoryStore()
	jobStore := jobs.NewMemoryJobStore(time.Hour)
	t.Cleanup(func() { jobStore.Close(context.Background()) })

	orch := jobs.NewOrchestrator(jobStore, acceptQueue{}, m, log)
	orch.SetRunner(func(ctx context.Context, videoID, path string) error { return nil })

	svc := &fakeAI{}
	agg := search.NewAggregator(cfg, svc, store, m, log)
	return &testEnv{
		server:   New(cfg, orch, jobStore, store, agg, reg, log),
		store:    store,
		jobStore: jobStore,
		ai:       svc,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSearchRejectsEmptyQueryWithoutCallingEmbedder(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Routes()

	w := doJSON(t, router, http.MethodPost, "/search", map[string]any{
		"video_id": "v1",
		"query":    "   ",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.ai.embedQueryCalls != 0 {
		t.Errorf("embedder called %d times for an empty query", env.ai.embedQueryCalls)
	}
}

func TestSearchRequiresVideoID(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Routes(), http.MethodPost, "/search", map[string]any{
		"query": "a dog",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSearchReturnsRankedResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, p := range []core.IndexedPoint{
		{ID: "p1", VideoID: "v1", Type: core.TypeVisual, Timestamp: 10, ThumbnailPath: "v1_10.0.jpg", Embedding: []float32{1, 0}},
		{ID: "p2", VideoID: "v1", Type: core.TypeAudio, Timestamp: 42, EndTime: 45, Text: "a dog barks", Embedding: []float32{1, 0.2}},
	} {
		if _, err := env.store.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	w := doJSON(t, env.server.Routes(), http.MethodPost, "/search", map[string]any{
		"video_id": "v1",
		"query":    "dog",
		"top_k":    5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []struct {
			Timestamp     float64 `json:"timestamp"`
			FormattedTime string  `json:"formatted_time"`
			Type          string  `json:"type"`
			ThumbnailURL  string  `json:"thumbnail_url"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].ThumbnailURL != "/thumbnails/v1_10.0.jpg" {
		t.Errorf("thumbnail url = %q", resp.Results[0].ThumbnailURL)
	}
	if resp.Results[0].FormattedTime != "00:10" {
		t.Errorf("formatted time = %q, want 00:10", resp.Results[0].FormattedTime)
	}
}

func TestStatusUnknownVideoIs404(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/status/never-seen", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if strings.Contains(strings.ToLower(w.Body.String()), "failed") {
		t.Error("unknown video must not be reported as failed")
	}
}

func TestStatusReturnsJobRecord(t *testing.T) {
	env := newTestEnv(t)
	job := core.NewJob("j1", "v1", "/tmp/v1.mp4").WithProgress(0.45, 5, 10, core.StatusProcessing)
	if err := env.jobStore.Put(context.Background(), job); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status/v1", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Status          string  `json:"status"`
		Progress        float64 `json:"progress"`
		FramesProcessed int     `json:"frames_processed"`
		TotalFrames     int     `json:"total_frames"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "processing" || resp.Progress != 0.45 || resp.FramesProcessed != 5 || resp.TotalFrames != 10 {
		t.Errorf("response = %+v", resp)
	}
}

func TestStreamServesStoredVideo(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("not a real mp4 but good enough to stream")
	path := filepath.Join(env.server.cfg.UploadDir, "v1.mp4")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/videos/v1", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), content) {
		t.Errorf("body = %q, want stored file content", w.Body.String())
	}
}

func TestStreamHonorsRangeRequests(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.server.cfg.UploadDir, "v1.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/videos/v1", nil)
	req.Header.Set("Range", "bytes=0-3")
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}
	if w.Body.String() != "0123" {
		t.Errorf("body = %q, want %q", w.Body.String(), "0123")
	}
}

func TestStreamUnknownVideoIs404(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/videos/never-seen", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDeleteUnknownVideoIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodDelete, "/videos/never-seen", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		PointsRemoved int `json:"points_removed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PointsRemoved != 0 {
		t.Errorf("points_removed = %d, want 0", resp.PointsRemoved)
	}
}

func TestDeleteRemovesIndexedPoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := core.IndexedPoint{VideoID: "v1", Type: core.TypeVisual, Timestamp: float64(i), Embedding: []float32{1, 0}}
		if _, err := env.store.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodDelete, "/videos/v1", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		PointsRemoved int `json:"points_removed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PointsRemoved != 3 {
		t.Errorf("points_removed = %d, want 3", resp.PointsRemoved)
	}

	n, _ := env.store.CountByVideoAndType(ctx, "v1", core.TypeVisual)
	if n != 0 {
		t.Errorf("%d points left after delete", n)
	}
}

func TestStatsCountsByType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	points := []core.IndexedPoint{
		{VideoID: "v1", Type: core.TypeVisual, Timestamp: 1, Embedding: []float32{1, 0}},
		{VideoID: "v1", Type: core.TypeVisual, Timestamp: 2, Embedding: []float32{1, 0}},
		{VideoID: "v1", Type: core.TypeAudio, Timestamp: 3, Embedding: []float32{0, 1}},
	}
	for _, p := range points {
		if _, err := env.store.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/videos/v1/stats", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Visual int `json:"visual_points"`
		Audio  int `json:"audio_points"`
		Total  int `json:"total_points"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Visual != 2 || resp.Audio != 1 || resp.Total != 3 {
		t.Errorf("stats = %+v, want 2/1/3", resp)
	}
}

func TestUploadAcceptsVideoAndCreatesJob(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "clip.mp4")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("not really mpeg4 but good enough"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/videos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp struct {
		VideoID string `json:"video_id"`
		JobID   string `json:"job_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.VideoID == "" || resp.JobID == "" || resp.Status != "pending" {
		t.Errorf("response = %+v", resp)
	}

	job, err := env.jobStore.Get(context.Background(), resp.VideoID)
	if err != nil {
		t.Fatalf("job record missing: %v", err)
	}
	if job.Status != core.StatusPending {
		t.Errorf("job status = %s, want pending", job.Status)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notes.txt")
	fw.Write([]byte("plain text"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/videos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["vector_store"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
}
