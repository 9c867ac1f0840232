package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"videosearch/core"
	"videosearch/logging"
)

// ErrNotFound is returned when a job record is absent or expired. Callers
// must treat it as "unknown", never as "failed": records expire on a TTL.
var ErrNotFound = errors.New("job not found")

// JobStore is the durable videoID -> job record mapping. Every write
// refreshes the record's TTL.
type JobStore interface {
	Put(ctx context.Context, job core.Job) error
	Get(ctx context.Context, videoID string) (core.Job, error)
	Delete(ctx context.Context, videoID string) error
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ---------------- Memory implementation ----------------

type memoryRecord struct {
	job       core.Job
	expiresAt time.Time
}

// MemoryJobStore keeps records in process memory with TTL expiry, checked on
// read and swept periodically.
type MemoryJobStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

func NewMemoryJobStore(ttl time.Duration) *MemoryJobStore {
	s := &MemoryJobStore{
		records: map[string]memoryRecord{},
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryJobStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, rec := range s.records {
				if now.After(rec.expiresAt) {
					delete(s.records, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryJobStore) Put(_ context.Context, job core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[job.VideoID] = memoryRecord{job: job, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, videoID string) (core.Job, error) {
	s.mu.RLock()
	rec, ok := s.records[videoID]
	s.mu.RUnlock()
	if !ok || time.Now().After(rec.expiresAt) {
		return core.Job{}, ErrNotFound
	}
	return rec.job, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, videoID)
	return nil
}

func (s *MemoryJobStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryJobStore) Close(context.Context) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// ---------------- Postgres implementation ----------------

// PostgresJobStore keeps records in a jobs table with an expires_at column;
// expired rows are invisible to reads and reaped opportunistically on write.
type PostgresJobStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	log  *logging.Logger
}

func NewPostgresJobStore(ctx context.Context, pgURL string, ttl time.Duration, log *logging.Logger) (*PostgresJobStore, error) {
	pool, err := pgxpool.New(ctx, pgURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresJobStore{pool: pool, ttl: ttl, log: log}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS jobs (
			video_id VARCHAR(255) PRIMARY KEY,
			record JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Put(ctx context.Context, job core.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (video_id, record, expires_at)
		VALUES ($1, $2, now() + $3)
		ON CONFLICT (video_id) DO UPDATE SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at
	`, job.VideoID, record, s.ttl)
	if err != nil {
		return fmt.Errorf("put job record: %w", err)
	}

	// Opportunistic reap keeps the table from accumulating dead rows.
	if _, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE expires_at < now()"); err != nil {
		s.log.Warnf("reap expired jobs: %v", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, videoID string) (core.Job, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		"SELECT record FROM jobs WHERE video_id = $1 AND expires_at > now()",
		videoID).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Job{}, ErrNotFound
	}
	if err != nil {
		return core.Job{}, fmt.Errorf("get job record: %w", err)
	}
	var job core.Job
	if err := json.Unmarshal(record, &job); err != nil {
		return core.Job{}, fmt.Errorf("unmarshal job record: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) Delete(ctx context.Context, videoID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE video_id = $1", videoID)
	return err
}

func (s *PostgresJobStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresJobStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}
