package storage

import (
	"context"
	"fmt"

	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
)

// Filter narrows a vector query. VideoID is required by all call sites;
// Type is optional.
type Filter struct {
	VideoID string
	Type    core.ResultType
}

// RawHit is a scored point straight from the backend, in score-descending
// order. The search aggregator turns these into SearchHits.
type RawHit struct {
	Score         float64
	VideoID       string
	Type          core.ResultType
	Timestamp     float64
	EndTime       float64
	Text          string
	ThumbnailPath string
}

// VectorStore is the durable nearest-neighbor index capability.
type VectorStore interface {
	// Upsert persists one point and returns its identifier.
	Upsert(ctx context.Context, point core.IndexedPoint) (string, error)
	// Query returns up to limit nearest neighbors matching the filter, in
	// score-descending order; hits below scoreFloor are excluded.
	Query(ctx context.Context, vector []float32, filter Filter, limit int, scoreFloor float64) ([]RawHit, error)
	// DeleteByVideo removes every point owned by the video and returns how
	// many were removed. Deleting an unknown video is not an error.
	DeleteByVideo(ctx context.Context, videoID string) (int, error)
	// CountByVideoAndType counts the indexed points of one type for a video.
	CountByVideoAndType(ctx context.Context, videoID string, t core.ResultType) (int, error)
	// HealthCheck reports backend reachability.
	HealthCheck(ctx context.Context) error
	// Close releases the backend connection.
	Close(ctx context.Context) error
}

// NewVectorStore builds the backend selected in config: "pgvector",
// "milvus", or the in-memory default.
func NewVectorStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (VectorStore, error) {
	switch cfg.Store {
	case "pgvector":
		return NewPgVectorStore(ctx, cfg, log)
	case "milvus":
		return NewMilvusStore(ctx, cfg, log)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Store)
	}
}
