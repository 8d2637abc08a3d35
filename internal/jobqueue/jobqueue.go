// Package jobqueue defines the contract between the checkup service, which
// enqueues inference jobs, and the worker pool, which leases them.
package jobqueue

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
)

var (
	// ErrEmpty is returned by Claim when no job is ready.
	ErrEmpty = errors.New("job queue empty")
	// ErrLeaseLost is returned when a lease expired and another worker took the job.
	ErrLeaseLost = errors.New("job lease lost")
)

// Lease is a claimed job. The job stays invisible to other workers until the
// lease expires, after which it is delivered again.
type Lease struct {
	Job     ledger.InferenceJob
	Token   string
	Attempt int
}

// Queue is implemented by every queue driver.
type Queue interface {
	ledger.JobQueue
	Claim(ctx context.Context) (Lease, error)
	Complete(ctx context.Context, lease Lease) error
	Release(ctx context.Context, lease Lease, reason string) error
}
