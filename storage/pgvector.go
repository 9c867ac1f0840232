package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
)

// PgVectorStore persists points in Postgres with the pgvector extension.
type PgVectorStore struct {
	pool *pgxpool.Pool
	dim  int
	log  *logging.Logger
}

func NewPgVectorStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*PgVectorStore, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgVectorStore{pool: pool, dim: cfg.EmbeddingDim, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infof("pgvector store ready (dim=%d)", s.dim)
	return s, nil
}

func (s *PgVectorStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	tableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS video_points (
			id UUID PRIMARY KEY,
			video_id VARCHAR(255) NOT NULL,
			type VARCHAR(16) NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION,
			text TEXT,
			thumbnail_path VARCHAR(1024),
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT now()
		);
	`, s.dim)
	if _, err := s.pool.Exec(ctx, tableQuery); err != nil {
		return fmt.Errorf("create video_points table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_video_points_video_id ON video_points(video_id);",
		"CREATE INDEX IF NOT EXISTS idx_video_points_video_type ON video_points(video_id, type);",
		"CREATE INDEX IF NOT EXISTS idx_video_points_embedding ON video_points USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);",
	}
	for _, q := range indexes {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			s.log.Warnf("failed to create index: %v", err)
		}
	}
	return nil
}

func (s *PgVectorStore) Upsert(ctx context.Context, point core.IndexedPoint) (string, error) {
	if point.ID == "" {
		point.ID = core.NewID()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_points (id, video_id, type, ts, end_time, text, thumbnail_path, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			ts = EXCLUDED.ts,
			end_time = EXCLUDED.end_time,
			text = EXCLUDED.text,
			thumbnail_path = EXCLUDED.thumbnail_path,
			embedding = EXCLUDED.embedding
	`, point.ID, point.VideoID, string(point.Type), point.Timestamp, point.EndTime,
		point.Text, point.ThumbnailPath, pgvector.NewVector(point.Embedding))
	if err != nil {
		return "", fmt.Errorf("upsert point: %w", err)
	}
	return point.ID, nil
}

func (s *PgVectorStore) Query(ctx context.Context, vector []float32, filter Filter, limit int, scoreFloor float64) ([]RawHit, error) {
	vec := pgvector.NewVector(vector)

	query := `
		SELECT video_id, type, ts, COALESCE(end_time, 0), COALESCE(text, ''),
		       COALESCE(thumbnail_path, ''), 1 - (embedding <=> $1) AS similarity
		FROM video_points
		WHERE video_id = $2 AND 1 - (embedding <=> $1) >= $3
	`
	args := []any{vec, filter.VideoID, scoreFloor}
	if filter.Type != "" {
		query += " AND type = $4"
		args = append(args, string(filter.Type))
	}
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var hits []RawHit
	for rows.Next() {
		var h RawHit
		var typ string
		if err := rows.Scan(&h.VideoID, &typ, &h.Timestamp, &h.EndTime, &h.Text, &h.ThumbnailPath, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.Type = core.ResultType(typ)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVectorStore) DeleteByVideo(ctx context.Context, videoID string) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM video_points WHERE video_id = $1", videoID)
	if err != nil {
		return 0, fmt.Errorf("delete points: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgVectorStore) CountByVideoAndType(ctx context.Context, videoID string, t core.ResultType) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM video_points WHERE video_id = $1 AND type = $2",
		videoID, string(t)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return count, nil
}

func (s *PgVectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgVectorStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}
