// Package memqueue is an in-process job queue for single-binary deployments and tests.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/jobqueue"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/google/uuid"
)

const defaultLease = 5 * time.Minute

type entry struct {
	job         ledger.InferenceJob
	attempts    int
	token       string
	leasedUntil time.Time
}

// Queue keeps jobs in FIFO order with lease-based redelivery.
type Queue struct {
	mutex  sync.Mutex
	ready  []*entry
	leased map[string]*entry
	lease  time.Duration
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLease sets how long a claimed job stays invisible.
func WithLease(lease time.Duration) Option {
	return func(queue *Queue) {
		if lease > 0 {
			queue.lease = lease
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(queue *Queue) {
		if now != nil {
			queue.now = now
		}
	}
}

// New returns an empty Queue.
func New(options ...Option) *Queue {
	queue := &Queue{leased: make(map[string]*entry), lease: defaultLease, now: time.Now}
	for _, option := range options {
		option(queue)
	}
	return queue
}

var _ jobqueue.Queue = (*Queue)(nil)

func (queue *Queue) Enqueue(ctx context.Context, jobs []ledger.InferenceJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	for _, job := range jobs {
		queue.ready = append(queue.ready, &entry{job: job})
	}
	return nil
}

func (queue *Queue) Claim(ctx context.Context) (jobqueue.Lease, error) {
	if err := ctx.Err(); err != nil {
		return jobqueue.Lease{}, err
	}
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	now := queue.now()
	for token, leased := range queue.leased {
		if now.After(leased.leasedUntil) {
			delete(queue.leased, token)
			leased.token = ""
			queue.ready = append(queue.ready, leased)
		}
	}
	if len(queue.ready) == 0 {
		return jobqueue.Lease{}, jobqueue.ErrEmpty
	}
	next := queue.ready[0]
	queue.ready = queue.ready[1:]
	next.attempts++
	next.token = uuid.NewString()
	next.leasedUntil = now.Add(queue.lease)
	queue.leased[next.token] = next
	return jobqueue.Lease{Job: next.job, Token: next.token, Attempt: next.attempts}, nil
}

func (queue *Queue) Complete(_ context.Context, lease jobqueue.Lease) error {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if _, ok := queue.leased[lease.Token]; !ok {
		return jobqueue.ErrLeaseLost
	}
	delete(queue.leased, lease.Token)
	return nil
}

func (queue *Queue) Release(_ context.Context, lease jobqueue.Lease, _ string) error {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	leased, ok := queue.leased[lease.Token]
	if !ok {
		return jobqueue.ErrLeaseLost
	}
	delete(queue.leased, lease.Token)
	leased.token = ""
	queue.ready = append(queue.ready, leased)
	return nil
}

// Len reports ready plus leased jobs.
func (queue *Queue) Len() int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return len(queue.ready) + len(queue.leased)
}
