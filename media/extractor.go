package media

import (
	"context"
	"errors"

	"videosearch/core"
)

// Validation failure classes. The pipeline treats all of them as job-fatal
// but callers can still tell them apart.
var (
	ErrNotFound          = errors.New("video file not found")
	ErrUnsupportedFormat = errors.New("unsupported video format")
	ErrTooLarge          = errors.New("video file too large")
	ErrCorrupt           = errors.New("video file corrupt or unreadable")

	// ErrNoAudio means the container has no audio stream. Not a failure:
	// the audio stages are skipped.
	ErrNoAudio = errors.New("no audio track")
)

// Extractor is the media extraction capability: probing, frame and audio
// extraction, and thumbnail generation.
type Extractor interface {
	// Validate probes the file and returns validated metadata.
	Validate(ctx context.Context, videoID, path string) (core.VideoAsset, error)
	// ExtractFrames samples frames at the given rate into outDir, returning
	// them in strictly increasing timestamp order.
	ExtractFrames(ctx context.Context, path, outDir string, fps float64) ([]core.FrameSample, error)
	// ExtractAudio writes a mono 16kHz WAV into outDir. ErrNoAudio when the
	// container carries no audio stream.
	ExtractAudio(ctx context.Context, path, outDir string) (string, error)
	// Thumbnail renders a single downscaled frame at the timestamp.
	Thumbnail(ctx context.Context, path string, timestamp float64, outPath string) error
	// CleanupDir removes a job's working directory.
	CleanupDir(dir string) error
}
