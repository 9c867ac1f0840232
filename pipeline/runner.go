// Package pipeline executes the per-video indexing flow: validate, sample
// frames, embed, transcribe, store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"videosearch/ai"
	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
	"videosearch/media"
	"videosearch/metrics"
	"videosearch/retry"
	"videosearch/storage"
)

// Progress checkpoints. Frame embedding advances linearly from 0.20 to 0.70.
const (
	progressStarted    = 0.05
	progressValidated  = 0.10
	progressFramesDone = 0.20
	progressFramesSpan = 0.50
	progressAudio      = 0.75
)

// Tracker receives lifecycle and progress updates for a running job.
// *jobs.Orchestrator satisfies it.
type Tracker interface {
	UpdateProgress(ctx context.Context, videoID string, progress float64, framesProcessed, totalFrames int, status core.JobStatus) error
	MarkComplete(ctx context.Context, videoID string) error
	MarkFailed(ctx context.Context, videoID string, jobErr error) error
}

type Runner struct {
	cfg       *config.Config
	extractor media.Extractor
	ai        ai.Service
	store     storage.VectorStore
	tracker   Tracker
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	policy    retry.Policy
	log       *logging.Logger
}

func NewRunner(cfg *config.Config, extractor media.Extractor, svc ai.Service, store storage.VectorStore, tracker Tracker, m *metrics.Metrics, log *logging.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		extractor: extractor,
		ai:        svc,
		store:     store,
		tracker:   tracker,
		metrics:   m,
		limiter:   rate.NewLimiter(rate.Limit(cfg.PacingRPS), 1),
		policy:    retry.DefaultPolicy(),
		log:       log,
	}
}

// Run drives one video through every stage. Validation and frame extraction
// failures fail the job; audio, transcription and single-item failures are
// skipped and counted. Run always reaches a terminal state before returning.
func (r *Runner) Run(ctx context.Context, videoID, path string) error {
	start := time.Now()
	defer r.metrics.JobDuration.Observe(time.Since(start).Seconds())

	tempDir := filepath.Join(r.cfg.TempDir, videoID)
	defer func() {
		if err := r.extractor.CleanupDir(tempDir); err != nil {
			r.log.Warnf("cleanup %s: %v", tempDir, err)
		}
	}()

	if err := r.tracker.UpdateProgress(ctx, videoID, progressStarted, 0, 0, core.StatusProcessing); err != nil {
		return r.fail(ctx, videoID, fmt.Errorf("start job: %w", err))
	}

	asset, err := r.extractor.Validate(ctx, videoID, path)
	if err != nil {
		return r.fail(ctx, videoID, core.Fatal("validate", err))
	}
	r.progress(ctx, videoID, progressValidated, 0, 0)

	frames, err := r.extractor.ExtractFrames(ctx, path, tempDir, r.cfg.FrameFPS)
	if err != nil {
		return r.fail(ctx, videoID, core.Fatal("extract_frames", err))
	}
	total := len(frames)
	r.progress(ctx, videoID, progressFramesDone, 0, total)
	r.log.Infof("video %s: %d frames sampled at %.2g fps", videoID, total, r.cfg.FrameFPS)

	skipped := 0
	indexed := 0
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, videoID, core.Fatal("embed_frames", err))
		}
		if err := r.indexFrame(ctx, videoID, frame); err != nil {
			skipped++
			r.metrics.ItemsSkipped.Inc()
			r.log.Warnf("video %s: skipping frame at %.1fs: %v", videoID, frame.TimestampSec, err)
		} else {
			indexed++
			r.metrics.FramesIndexed.Inc()
		}
		p := progressFramesDone
		if total > 0 {
			p += progressFramesSpan * float64(i+1) / float64(total)
		}
		r.progress(ctx, videoID, p, i+1, total)
	}

	r.progress(ctx, videoID, progressAudio, total, total)
	segments := r.indexAudio(ctx, videoID, path, tempDir, asset, &skipped)

	if err := r.tracker.MarkComplete(ctx, videoID); err != nil {
		return fmt.Errorf("finalize job %s: %w", videoID, err)
	}
	r.log.Infof("video %s done: %d frames indexed, %d segments indexed, %d items skipped in %s",
		videoID, indexed, segments, skipped, time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Runner) indexFrame(ctx context.Context, videoID string, frame core.FrameSample) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	embedding, err := r.ai.EmbedImage(ctx, frame.Path)
	if err != nil {
		return core.Skippable("embed_frames", err)
	}

	thumbName := fmt.Sprintf("%s_%.1f.jpg", videoID, frame.TimestampSec)
	thumbPath := filepath.Join(r.cfg.ThumbnailsDir, thumbName)
	if err := r.thumbnail(ctx, frame, thumbPath); err != nil {
		return core.Skippable("embed_frames", err)
	}

	point := core.IndexedPoint{
		ID:            core.NewID(),
		VideoID:       videoID,
		Type:          core.TypeVisual,
		Timestamp:     frame.TimestampSec,
		ThumbnailPath: thumbName,
		Embedding:     embedding,
	}
	if err := r.upsert(ctx, point); err != nil {
		return core.Skippable("embed_frames", err)
	}
	return nil
}

// upsert persists a point, retrying transient store failures before the
// item-skip policy kicks in.
func (r *Runner) upsert(ctx context.Context, point core.IndexedPoint) error {
	return r.policy.Do(ctx, func() error {
		_, err := r.store.Upsert(ctx, point)
		return err
	})
}

// indexAudio runs the audio half of the pipeline. Every failure in here is
// stage or item skippable; a silent video still completes. Returns the number
// of segments indexed.
func (r *Runner) indexAudio(ctx context.Context, videoID, path, tempDir string, asset core.VideoAsset, skipped *int) int {
	if !asset.HasAudio {
		r.log.Infof("video %s has no audio stream, skipping transcription", videoID)
		return 0
	}

	audioPath, err := r.extractor.ExtractAudio(ctx, path, tempDir)
	if err != nil {
		if errors.Is(err, media.ErrNoAudio) {
			r.log.Infof("video %s has no usable audio, skipping transcription", videoID)
		} else {
			*skipped++
			r.metrics.ItemsSkipped.Inc()
			r.log.Warnf("video %s: audio extraction failed, continuing without transcript: %v", videoID, err)
		}
		return 0
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return 0
	}
	segments, err := r.ai.Transcribe(ctx, audioPath)
	if err != nil {
		*skipped++
		r.metrics.ItemsSkipped.Inc()
		r.log.Warnf("video %s: transcription failed, continuing without transcript: %v", videoID, err)
		return 0
	}

	indexed := 0
	for _, seg := range segments {
		if ctx.Err() != nil {
			return indexed
		}
		if err := r.indexSegment(ctx, videoID, seg); err != nil {
			*skipped++
			r.metrics.ItemsSkipped.Inc()
			r.log.Warnf("video %s: skipping segment [%.1fs, %.1fs]: %v", videoID, seg.Start, seg.End, err)
			continue
		}
		indexed++
		r.metrics.SegmentsIndexed.Inc()
	}
	return indexed
}

func (r *Runner) indexSegment(ctx context.Context, videoID string, seg core.TranscriptSegment) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	embedding, err := r.ai.EmbedText(ctx, seg.Text)
	if err != nil {
		return core.Skippable("transcribe", err)
	}
	point := core.IndexedPoint{
		ID:        core.NewID(),
		VideoID:   videoID,
		Type:      core.TypeAudio,
		Timestamp: seg.Start,
		EndTime:   seg.End,
		Text:      seg.Text,
		Embedding: embedding,
	}
	if err := r.upsert(ctx, point); err != nil {
		return core.Skippable("transcribe", err)
	}
	return nil
}

// thumbnail publishes a scaled still for the sampled frame into the served
// thumbnails directory. The frame file on disk is the source, not the video.
func (r *Runner) thumbnail(ctx context.Context, frame core.FrameSample, dst string) error {
	return r.extractor.Thumbnail(ctx, frame.Path, 0, dst)
}

func (r *Runner) progress(ctx context.Context, videoID string, p float64, frames, total int) {
	if err := r.tracker.UpdateProgress(ctx, videoID, p, frames, total, core.StatusProcessing); err != nil {
		r.log.Warnf("progress update for %s: %v", videoID, err)
	}
}

func (r *Runner) fail(ctx context.Context, videoID string, jobErr error) error {
	if err := r.tracker.MarkFailed(ctx, videoID, jobErr); err != nil {
		r.log.Errorf("mark failed for %s: %v", videoID, err)
	}
	return jobErr
}
