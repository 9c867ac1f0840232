package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
)

// MilvusStore persists points in a Milvus collection.
type MilvusStore struct {
	mc   client.Client
	coll string
	dim  int
	log  *logging.Logger
}

func NewMilvusStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*MilvusStore, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: cfg.MilvusAddr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusStore{mc: mc, coll: cfg.Collection, dim: cfg.EmbeddingDim, log: log}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	log.Infof("milvus store ready (collection=%s dim=%d)", s.coll, s.dim)
	return s, nil
}

func (s *MilvusStore) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("type").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16))
		schema.WithField(entity.NewField().WithName("ts").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("end_time").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096))
		schema.WithField(entity.NewField().WithName("thumbnail_path").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.mc.CreateCollection(ctx, schema.WithName(s.coll), int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) Upsert(ctx context.Context, point core.IndexedPoint) (string, error) {
	if point.ID == "" {
		point.ID = core.NewID()
	}
	_, err := s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("id", []string{point.ID}),
		entity.NewColumnVarChar("video_id", []string{point.VideoID}),
		entity.NewColumnVarChar("type", []string{string(point.Type)}),
		entity.NewColumnDouble("ts", []float64{point.Timestamp}),
		entity.NewColumnDouble("end_time", []float64{point.EndTime}),
		entity.NewColumnVarChar("text", []string{point.Text}),
		entity.NewColumnVarChar("thumbnail_path", []string{point.ThumbnailPath}),
		entity.NewColumnFloatVector("vector", s.dim, [][]float32{point.Embedding}),
	)
	if err != nil {
		return "", fmt.Errorf("insert point: %w", err)
	}
	return point.ID, nil
}

func (s *MilvusStore) Query(ctx context.Context, vector []float32, filter Filter, limit int, scoreFloor float64) ([]RawHit, error) {
	expr := fmt.Sprintf("video_id == %q", escapeQuotes(filter.VideoID))
	if filter.Type != "" {
		expr += fmt.Sprintf(" && type == %q", string(filter.Type))
	}

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	results, err := s.mc.Search(ctx, s.coll, []string{}, expr,
		[]string{"video_id", "type", "ts", "end_time", "text", "thumbnail_path"},
		[]entity.Vector{entity.FloatVector(vector)},
		"vector", entity.COSINE, limit, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []RawHit
	for _, r := range results {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			score := float64(r.Scores[i])
			if score < scoreFloor {
				continue
			}
			hits = append(hits, RawHit{
				Score:         score,
				VideoID:       varcharAt(cols, "video_id", i),
				Type:          core.ResultType(varcharAt(cols, "type", i)),
				Timestamp:     doubleAt(cols, "ts", i),
				EndTime:       doubleAt(cols, "end_time", i),
				Text:          varcharAt(cols, "text", i),
				ThumbnailPath: varcharAt(cols, "thumbnail_path", i),
			})
		}
	}
	return hits, nil
}

func (s *MilvusStore) DeleteByVideo(ctx context.Context, videoID string) (int, error) {
	expr := fmt.Sprintf("video_id == %q", escapeQuotes(videoID))

	// Milvus deletes do not report row counts; count first, like the
	// pre-delete count in the pgvector path.
	count, err := s.countByExpr(ctx, expr)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.mc.Delete(ctx, s.coll, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete: %w", err)
	}
	return count, nil
}

func (s *MilvusStore) CountByVideoAndType(ctx context.Context, videoID string, t core.ResultType) (int, error) {
	expr := fmt.Sprintf("video_id == %q && type == %q", escapeQuotes(videoID), string(t))
	return s.countByExpr(ctx, expr)
}

func (s *MilvusStore) countByExpr(ctx context.Context, expr string) (int, error) {
	rs, err := s.mc.Query(ctx, s.coll, []string{}, expr, []string{"id"})
	if err != nil {
		return 0, fmt.Errorf("milvus query: %w", err)
	}
	for _, col := range rs {
		if col.Name() == "id" {
			return col.Len(), nil
		}
	}
	return 0, nil
}

func (s *MilvusStore) HealthCheck(ctx context.Context) error {
	_, err := s.mc.HasCollection(ctx, s.coll)
	return err
}

func (s *MilvusStore) Close(context.Context) error {
	return s.mc.Close()
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func varcharAt(cols map[string]entity.Column, name string, i int) string {
	if c, ok := cols[name].(*entity.ColumnVarChar); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return ""
}

func doubleAt(cols map[string]entity.Column, name string, i int) float64 {
	if c, ok := cols[name].(*entity.ColumnDouble); ok {
		data := c.Data()
		if i < len(data) {
			return data[i]
		}
	}
	return 0
}
