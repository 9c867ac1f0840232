package core

import (
	"time"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResultType discriminates visual frame hits from audio transcript hits.
type ResultType string

const (
	TypeVisual ResultType = "visual"
	TypeAudio  ResultType = "audio"
)

// Job is one video's processing lifecycle record. Values are immutable;
// derive updated records through the With* helpers so a partially-written
// record can never be observed.
type Job struct {
	JobID           string    `json:"job_id"`
	VideoID         string    `json:"video_id"`
	VideoPath       string    `json:"video_path"`
	Status          JobStatus `json:"status"`
	Progress        float64   `json:"progress"`
	FramesProcessed int       `json:"frames_processed"`
	TotalFrames     int       `json:"total_frames"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Error           string    `json:"error,omitempty"`
}

// NewJob returns a pending job record for a video.
func NewJob(jobID, videoID, videoPath string) Job {
	now := time.Now().UTC()
	return Job{
		JobID:     jobID,
		VideoID:   videoID,
		VideoPath: videoPath,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithProgress returns a copy with updated progress counters. Progress never
// moves backwards and total frames, once known, sticks.
func (j Job) WithProgress(progress float64, framesProcessed, totalFrames int, status JobStatus) Job {
	if progress > j.Progress {
		j.Progress = progress
	}
	if framesProcessed > j.FramesProcessed {
		j.FramesProcessed = framesProcessed
	}
	if j.TotalFrames == 0 && totalFrames > 0 {
		j.TotalFrames = totalFrames
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	return j
}

// Completed returns a copy in the completed state with progress forced to 1.0.
func (j Job) Completed() Job {
	j.Status = StatusCompleted
	j.Progress = 1.0
	j.Error = ""
	j.UpdatedAt = time.Now().UTC()
	return j
}

// Failed returns a copy in the failed state carrying the error message.
// Progress is capped below 1.0 so a failed job can never look finished.
func (j Job) Failed(msg string) Job {
	j.Status = StatusFailed
	j.Error = msg
	if j.Progress >= 1.0 {
		j.Progress = 0.99
	}
	j.UpdatedAt = time.Now().UTC()
	return j
}

// VideoAsset is the validated source video, produced once at pipeline start.
type VideoAsset struct {
	VideoID  string  `json:"video_id"`
	Path     string  `json:"path"`
	Duration float64 `json:"duration_seconds"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	HasAudio bool    `json:"has_audio"`
	Codec    string  `json:"codec"`
	SizeMB   float64 `json:"file_size_mb"`
}

// FrameSample is one extracted frame; timestamps are strictly increasing.
type FrameSample struct {
	TimestampSec float64 `json:"timestamp_sec"`
	Path         string  `json:"path"`
}

// TranscriptSegment is one timed span of transcribed speech. Gaps between
// segments are valid (silence).
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// IndexedPoint is the unit persisted to the vector store. Visual points carry
// a thumbnail path; audio points carry end time and text.
type IndexedPoint struct {
	ID            string     `json:"id"`
	VideoID       string     `json:"video_id"`
	Type          ResultType `json:"type"`
	Timestamp     float64    `json:"timestamp"`
	EndTime       float64    `json:"end_time,omitempty"`
	Text          string     `json:"text,omitempty"`
	ThumbnailPath string     `json:"thumbnail_path,omitempty"`
	Embedding     []float32  `json:"-"`
}

// SearchHit is a transient ranked query result.
type SearchHit struct {
	Timestamp         float64    `json:"timestamp"`
	Score             float64    `json:"score"`
	Type              ResultType `json:"type"`
	ThumbnailURL      string     `json:"thumbnail_url,omitempty"`
	TranscriptSnippet string     `json:"transcript_snippet,omitempty"`
}
