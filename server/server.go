// Package server exposes the HTTP API: upload, status, search, deletion,
// stats, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"videosearch/config"
	"videosearch/core"
	"videosearch/jobs"
	"videosearch/logging"
	"videosearch/search"
	"videosearch/storage"
)

type Server struct {
	cfg        *config.Config
	orch       *jobs.Orchestrator
	jobStore   jobs.JobStore
	store      storage.VectorStore
	aggregator *search.Aggregator
	registry   *prometheus.Registry
	log        *logging.Logger
}

func New(cfg *config.Config, orch *jobs.Orchestrator, jobStore jobs.JobStore, store storage.VectorStore, agg *search.Aggregator, reg *prometheus.Registry, log *logging.Logger) *Server {
	return &Server{
		cfg:        cfg,
		orch:       orch,
		jobStore:   jobStore,
		store:      store,
		aggregator: agg,
		registry:   reg,
		log:        log,
	}
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/videos", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/videos/{video_id}", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/videos/{video_id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/videos/{video_id}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/status/{video_id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.PathPrefix("/thumbnails/").Handler(
		http.StripPrefix("/thumbnails/", http.FileServer(http.Dir(s.cfg.ThumbnailsDir))))
	return r
}

type uploadResponse struct {
	VideoID string `json:"video_id"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(int64(s.cfg.MaxVideoSizeMB) << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !config.SupportedVideoFormats[ext] {
		writeError(w, http.StatusBadRequest, "unsupported video format %q", ext)
		return
	}

	videoID := core.NewID()
	dst := filepath.Join(s.cfg.UploadDir, videoID+ext)
	if err := saveUpload(file, dst); err != nil {
		writeError(w, http.StatusInternalServerError, "store upload: %v", err)
		return
	}

	jobID, err := s.orch.Enqueue(r.Context(), videoID, dst)
	if err != nil {
		os.Remove(dst)
		switch {
		case errors.Is(err, jobs.ErrJobActive):
			writeError(w, http.StatusConflict, "%v", err)
		case errors.Is(err, jobs.ErrQueueUnavailable):
			writeError(w, http.StatusServiceUnavailable, "%v", err)
		default:
			writeError(w, http.StatusInternalServerError, "%v", err)
		}
		return
	}

	s.log.Infof("accepted upload %s as video %s", header.Filename, videoID)
	core.WriteJSON(w, http.StatusAccepted, uploadResponse{
		VideoID: videoID,
		JobID:   jobID,
		Status:  string(core.StatusPending),
	})
}

func saveUpload(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

type statusResponse struct {
	VideoID         string  `json:"video_id"`
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	FramesProcessed int     `json:"frames_processed"`
	TotalFrames     int     `json:"total_frames"`
	Error           string  `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["video_id"]
	job, err := s.orch.GetStatus(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no job for video %s", videoID)
			return
		}
		writeError(w, http.StatusInternalServerError, "load job: %v", err)
		return
	}
	core.WriteJSON(w, http.StatusOK, statusResponse{
		VideoID:         job.VideoID,
		JobID:           job.JobID,
		Status:          string(job.Status),
		Progress:        job.Progress,
		FramesProcessed: job.FramesProcessed,
		TotalFrames:     job.TotalFrames,
		Error:           job.Error,
	})
}

type searchRequest struct {
	VideoID  string  `json:"video_id"`
	Query    string  `json:"query"`
	Type     string  `json:"type,omitempty"`
	TopK     int     `json:"top_k"`
	MinScore float64 `json:"min_score,omitempty"`
}

type searchResponse struct {
	VideoID string          `json:"video_id"`
	Query   string          `json:"query"`
	Results []searchHitJSON `json:"results"`
}

type searchHitJSON struct {
	Timestamp         float64 `json:"timestamp"`
	FormattedTime     string  `json:"formatted_time"`
	Score             float64 `json:"score"`
	Type              string  `json:"type"`
	ThumbnailURL      string  `json:"thumbnail_url,omitempty"`
	TranscriptSnippet string  `json:"transcript_snippet,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.VideoID == "" {
		writeError(w, http.StatusBadRequest, "video_id is required")
		return
	}

	hits, err := s.aggregator.Search(r.Context(), search.Request{
		VideoID:    req.VideoID,
		Query:      req.Query,
		ResultType: core.ResultType(req.Type),
		TopK:       req.TopK,
		MinScore:   req.MinScore,
	})
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "search: %v", err)
		return
	}

	out := make([]searchHitJSON, 0, len(hits))
	for _, h := range hits {
		out = append(out, searchHitJSON{
			Timestamp:         h.Timestamp,
			FormattedTime:     core.FormatTime(h.Timestamp),
			Score:             h.Score,
			Type:              string(h.Type),
			ThumbnailURL:      h.ThumbnailURL,
			TranscriptSnippet: h.TranscriptSnippet,
		})
	}
	core.WriteJSON(w, http.StatusOK, searchResponse{VideoID: req.VideoID, Query: req.Query, Results: out})
}

// handleStream serves the stored video file back. The upload kept its
// original extension, so the file is found by globbing on the video id.
// http.ServeFile handles Range requests, which players rely on for seeking.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["video_id"]

	matches, err := filepath.Glob(filepath.Join(s.cfg.UploadDir, videoID+".*"))
	if err != nil || len(matches) == 0 {
		writeError(w, http.StatusNotFound, "no video file for %s", videoID)
		return
	}
	http.ServeFile(w, r, matches[0])
}

// handleDelete removes a video's index points, thumbnails, upload and job
// record. Deleting an unknown video succeeds with removed=0.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["video_id"]

	removed, err := s.store.DeleteByVideo(r.Context(), videoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete index points: %v", err)
		return
	}

	thumbs, _ := filepath.Glob(filepath.Join(s.cfg.ThumbnailsDir, videoID+"_*.jpg"))
	for _, t := range thumbs {
		if err := os.Remove(t); err != nil {
			s.log.Warnf("remove thumbnail %s: %v", t, err)
		}
	}
	uploads, _ := filepath.Glob(filepath.Join(s.cfg.UploadDir, videoID+".*"))
	for _, u := range uploads {
		if err := os.Remove(u); err != nil {
			s.log.Warnf("remove upload %s: %v", u, err)
		}
	}
	if err := s.jobStore.Delete(r.Context(), videoID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		s.log.Warnf("remove job record for %s: %v", videoID, err)
	}

	s.log.Infof("deleted video %s: %d index points, %d thumbnails", videoID, removed, len(thumbs))
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"video_id":       videoID,
		"points_removed": removed,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["video_id"]
	visual, err := s.store.CountByVideoAndType(r.Context(), videoID, core.TypeVisual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count visual points: %v", err)
		return
	}
	audio, err := s.store.CountByVideoAndType(r.Context(), videoID, core.TypeAudio)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count audio points: %v", err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]any{
		"video_id":      videoID,
		"visual_points": visual,
		"audio_points":  audio,
		"total_points":  visual + audio,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	if err := s.store.HealthCheck(ctx); err != nil {
		checks["vector_store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["vector_store"] = "ok"
	}
	if err := s.jobStore.HealthCheck(ctx); err != nil {
		checks["job_store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["job_store"] = "ok"
	}
	core.WriteJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"checks": checks,
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	core.WriteJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
