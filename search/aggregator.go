// Package search turns a text query into deduplicated, ranked moments of a
// video.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"videosearch/ai"
	"videosearch/config"
	"videosearch/core"
	"videosearch/logging"
	"videosearch/metrics"
	"videosearch/storage"
)

var ErrEmptyQuery = errors.New("query must not be empty")

const defaultTopK = 5

type Aggregator struct {
	ai      ai.Service
	store   storage.VectorStore
	minimum float64
	window  float64
	metrics *metrics.Metrics
	log     *logging.Logger
}

func NewAggregator(cfg *config.Config, svc ai.Service, store storage.VectorStore, m *metrics.Metrics, log *logging.Logger) *Aggregator {
	return &Aggregator{
		ai:      svc,
		store:   store,
		minimum: cfg.MinSearchScore,
		window:  cfg.DedupWindowSec,
		metrics: m,
		log:     log,
	}
}

// Request narrows a search. ResultType empty means both kinds; MinScore
// zero or negative falls back to the configured floor; TopK zero or negative
// falls back to the default page size.
type Request struct {
	VideoID    string
	Query      string
	ResultType core.ResultType
	TopK       int
	MinScore   float64
}

// Search embeds the query and returns up to TopK hits above the score floor,
// at most one per temporal bucket. Hits keep the store's descending score
// order; deduplication only removes entries, it never reorders them.
func (a *Aggregator) Search(ctx context.Context, req Request) ([]core.SearchHit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	floor := req.MinScore
	if floor <= 0 {
		floor = a.minimum
	}

	start := time.Now()
	defer a.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	a.metrics.SearchesTotal.Inc()

	embedding, err := a.ai.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so dedup losses do not starve the final page.
	filter := storage.Filter{VideoID: req.VideoID, Type: req.ResultType}
	raw, err := a.store.Query(ctx, embedding, filter, 2*topK, floor)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	hits := a.dedupe(raw, topK)
	a.log.Debugf("search video=%s query=%q: %d raw, %d after dedup", req.VideoID, req.Query, len(raw), len(hits))
	return hits, nil
}

// dedupe keeps the first hit seen for each temporal bucket. Input arrives in
// descending score order, so first seen is highest scored.
func (a *Aggregator) dedupe(raw []storage.RawHit, topK int) []core.SearchHit {
	seen := make(map[float64]bool, len(raw))
	hits := make([]core.SearchHit, 0, topK)
	for _, h := range raw {
		bucket := math.Round(h.Timestamp/a.window) * a.window
		if seen[bucket] {
			continue
		}
		seen[bucket] = true
		hits = append(hits, toHit(h))
		if len(hits) == topK {
			break
		}
	}
	return hits
}

func toHit(h storage.RawHit) core.SearchHit {
	hit := core.SearchHit{
		Timestamp: h.Timestamp,
		Score:     h.Score,
		Type:      h.Type,
	}
	switch h.Type {
	case core.TypeVisual:
		if h.ThumbnailPath != "" {
			hit.ThumbnailURL = "/thumbnails/" + h.ThumbnailPath
		}
	case core.TypeAudio:
		hit.TranscriptSnippet = h.Text
	}
	return hit
}
