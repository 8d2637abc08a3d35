package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob/s3store"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue/memqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue/pgqueue"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMemoryBlobBaseURL = "memory://blobs"

// QueueConfig selects the job queue driver.
type QueueConfig struct {
	Driver      string
	DatabaseURL string
	Lease       time.Duration
}

// OpenQueue returns the configured queue. The postgres driver creates its
// table on first use.
func OpenQueue(ctx context.Context, cfg QueueConfig) (jobqueue.Queue, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return memqueue.New(memqueue.WithLease(cfg.Lease)), func() {}, nil
	case DriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, nil, fmt.Errorf("queue database url is required for the postgres queue")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("queue pool: %w", err)
		}
		queue := pgqueue.New(pool, pgqueue.WithLease(cfg.Lease))
		if err := queue.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return queue, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// BlobConfig selects the blob store driver.
type BlobConfig struct {
	Driver  string
	BaseURL string
	S3      s3store.Config
}

func OpenBlobStore(ctx context.Context, cfg BlobConfig) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", blob.DriverMemory:
		baseURL := cfg.BaseURL
		if strings.TrimSpace(baseURL) == "" {
			baseURL = defaultMemoryBlobBaseURL
		}
		return blob.NewMemory(baseURL), nil
	case blob.DriverS3:
		return s3store.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.Driver)
	}
}
