package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
)

// FFmpegExtractor implements Extractor by shelling out to ffmpeg/ffprobe.
type FFmpegExtractor struct {
	maxSizeMB int
	log       *logging.Logger
}

// NewFFmpegExtractor verifies the ffmpeg toolchain is installed and returns
// an extractor.
func NewFFmpegExtractor(cfg *config.Config, log *logging.Logger) (*FFmpegExtractor, error) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%s not found in PATH: %w", bin, err)
		}
	}
	return &FFmpegExtractor{maxSizeMB: cfg.MaxVideoSizeMB, log: log}, nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		FrameRate string `json:"r_frame_rate"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (e *FFmpegExtractor) Validate(ctx context.Context, videoID, path string) (core.VideoAsset, error) {
	var asset core.VideoAsset

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return asset, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return asset, fmt.Errorf("stat %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !config.SupportedVideoFormats[ext] {
		return asset, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	sizeMB := float64(info.Size()) / (1024 * 1024)
	if e.maxSizeMB > 0 && sizeMB > float64(e.maxSizeMB) {
		return asset, fmt.Errorf("%w: %.1fMB exceeds %dMB", ErrTooLarge, sizeMB, e.maxSizeMB)
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return asset, fmt.Errorf("%w: ffprobe: %v", ErrCorrupt, err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out.Bytes(), &probe); err != nil {
		return asset, fmt.Errorf("%w: parse probe output: %v", ErrCorrupt, err)
	}

	asset = core.VideoAsset{VideoID: videoID, Path: path, SizeMB: sizeMB}
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if asset.Codec != "" {
				continue
			}
			asset.Codec = s.CodecName
			asset.Width = s.Width
			asset.Height = s.Height
			asset.FPS = parseFrameRate(s.FrameRate)
			if asset.Duration == 0 {
				asset.Duration, _ = strconv.ParseFloat(s.Duration, 64)
			}
		case "audio":
			asset.HasAudio = true
		}
	}
	if asset.Codec == "" {
		return asset, fmt.Errorf("%w: no video stream", ErrCorrupt)
	}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && d > 0 {
		asset.Duration = d
	}
	if asset.Duration == 0 {
		return asset, fmt.Errorf("%w: could not determine duration", ErrCorrupt)
	}

	e.log.Infof("validated %s: %.1fs %dx%d audio=%v", filepath.Base(path), asset.Duration, asset.Width, asset.Height, asset.HasAudio)
	return asset, nil
}

// parseFrameRate parses ffprobe's "30000/1001" style rational frame rates.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 30
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 30
	}
	return num / den
}

func (e *FFmpegExtractor) ExtractFrames(ctx context.Context, path, outDir string, fps float64) ([]core.FrameSample, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	pattern := filepath.Join(outDir, "frame_%06d.jpg")
	err := runFFmpeg(ctx,
		"-i", path,
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-q:v", "2",
		"-y",
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("frame extraction failed: %w", err)
	}
	frames, err := enumerateFrames(outDir, fps)
	if err != nil {
		return nil, err
	}
	e.log.Infof("extracted %d frames at %g fps from %s", len(frames), fps, filepath.Base(path))
	return frames, nil
}

// enumerateFrames lists frame_NNNNNN.jpg files and derives timestamps from
// the frame index; ffmpeg numbers frames starting at 1.
func enumerateFrames(dir string, fps float64) ([]core.FrameSample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	frames := make([]core.FrameSample, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		idxStr := strings.TrimPrefix(base, "frame_")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		frames = append(frames, core.FrameSample{
			TimestampSec: float64(idx-1) / fps,
			Path:         filepath.Join(dir, name),
		})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].TimestampSec < frames[j].TimestampSec })
	return frames, nil
}

func (e *FFmpegExtractor) ExtractAudio(ctx context.Context, path, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	audioPath := filepath.Join(outDir, "audio.wav")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		audioPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.ToLower(stderr.String())
		if strings.Contains(msg, "does not contain any stream") || strings.Contains(msg, "no audio") {
			return "", ErrNoAudio
		}
		return "", fmt.Errorf("audio extraction failed: %w", err)
	}
	// ffmpeg can exit zero yet write an empty file for stream-less input.
	if info, err := os.Stat(audioPath); err != nil || info.Size() == 0 {
		return "", ErrNoAudio
	}
	e.log.Infof("extracted audio to %s", audioPath)
	return audioPath, nil
}

func (e *FFmpegExtractor) Thumbnail(ctx context.Context, path string, timestamp float64, outPath string) error {
	err := runFFmpeg(ctx,
		"-ss", fmt.Sprintf("%.3f", timestamp),
		"-i", path,
		"-vf", "scale=320:-1",
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		outPath,
	)
	if err != nil {
		return fmt.Errorf("thumbnail at %.1fs failed: %w", timestamp, err)
	}
	return nil
}

func (e *FFmpegExtractor) CleanupDir(dir string) error {
	return os.RemoveAll(dir)
}

func runFFmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 300 {
			detail = detail[len(detail)-300:]
		}
		return fmt.Errorf("ffmpeg: %v: %s", err, detail)
	}
	return nil
}
