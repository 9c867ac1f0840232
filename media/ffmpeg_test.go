package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"videosearch/logging"
)

func testExtractor() *FFmpegExtractor {
	return &FFmpegExtractor{maxSizeMB: 1, log: logging.New("test", logging.ERROR)}
}

func TestParseFrameRate(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"25/1", 25},
		{"30000/1001", 30000.0 / 1001.0},
		{"garbage", 30},
		{"1/0", 30},
	}
	for _, c := range cases {
		if got := parseFrameRate(c.in); got != c.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestValidateMissingFile(t *testing.T) {
	_, err := testExtractor().Validate(context.Background(), "v1", "/does/not/exist.mp4")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Validate = %v, want ErrNotFound", err)
	}
}

func TestValidateUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("text"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := testExtractor().Validate(context.Background(), "v1", path)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Validate = %v, want ErrUnsupportedFormat", err)
	}
}

func TestValidateOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.mp4")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0}, 2<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := testExtractor().Validate(context.Background(), "v1", path)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Validate = %v, want ErrTooLarge", err)
	}
}

func TestEnumerateFramesDerivesTimestamps(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_000003.jpg", "frame_000001.jpg", "frame_000002.jpg", "ignore.me"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	frames, err := enumerateFrames(dir, 2.0)
	if err != nil {
		t.Fatalf("enumerateFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	// 2 fps: frame N sits at (N-1)/2 seconds.
	want := []float64{0, 0.5, 1.0}
	for i, f := range frames {
		if f.TimestampSec != want[i] {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.TimestampSec, want[i])
		}
	}
}
