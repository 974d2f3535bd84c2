// Package worker runs the polling worker pool on top of the storage queue:
// fetcher goroutines claim jobs, drive their state transitions, and settle
// the claim; background goroutines keep the server registry and the
// expiration/rollup maintenance alive.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/june-it/emberq/internal/storage"
)

// Options configures a Pool. Zero fields take the defaults below.
type Options struct {
	// Concurrency is the number of fetcher goroutines sharing the queue.
	Concurrency int

	HeartbeatInterval time.Duration
	// ServerTimeout is the heartbeat age past which other pools' server
	// rows are swept away.
	ServerTimeout time.Duration

	SweepInterval         time.Duration
	CounterAggregateEvery time.Duration
	CounterAggregateBatch int
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Minute
	}
	if o.CounterAggregateEvery <= 0 {
		o.CounterAggregateEvery = 5 * time.Minute
	}
	if o.CounterAggregateBatch <= 0 {
		o.CounterAggregateBatch = 1000
	}
}

// Pool claims and executes jobs from the registered queues. A random
// serverID generated at construction time identifies this process in the
// server registry.
type Pool struct {
	store    *storage.Store
	serverID string
	opts     Options

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Pool backed by st.
func New(st *storage.Store, opts Options) *Pool {
	opts.applyDefaults()
	return &Pool{
		store:    st,
		serverID: uuid.New().String(),
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// ServerID returns the registry identity of this pool.
func (p *Pool) ServerID() string { return p.serverID }

// Register associates h with the named queue. Must be called before Start.
func (p *Pool) Register(queue string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = h
}

// Start announces the server, launches the fetcher and maintenance
// goroutines, and blocks until ctx is cancelled; the server row is removed
// on the way out. Starting with no registered queues is a configuration
// failure reported before anything runs.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.RLock()
	queues := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		queues = append(queues, q)
	}
	p.mu.RUnlock()

	if len(queues) == 0 {
		return fmt.Errorf("worker pool: no queue handlers registered")
	}

	metadata, err := json.Marshal(map[string]any{
		"queues":      queues,
		"concurrency": p.opts.Concurrency,
		"startedAt":   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("worker pool: marshal server metadata: %w", err)
	}
	if err := p.store.AnnounceServer(ctx, p.serverID, string(metadata)); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	slog.Info("worker pool started",
		"server_id", p.serverID, "queues", queues, "concurrency", p.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runFetcher(ctx, queues)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runHeartbeat(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runMaintenance(ctx)
	}()

	wg.Wait()

	// ctx is done; deregister on a fresh context so shutdown still reaches
	// the store.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.RemoveServer(cleanupCtx, p.serverID); err != nil {
		slog.Error("remove server on shutdown", "server_id", p.serverID, "error", err)
	}
	slog.Info("worker pool stopped", "server_id", p.serverID)
	return nil
}

// runFetcher claims jobs until ctx is cancelled. Dequeue itself blocks in a
// jittered poll loop, so this loop spins only when jobs are flowing. Query
// errors return from Dequeue immediately, so the error path sleeps one poll
// interval before retrying: a down database gets one attempt per interval
// per fetcher, not a hot loop.
func (p *Pool) runFetcher(ctx context.Context, queues []string) {
	for {
		claim, err := p.store.Dequeue(ctx, queues)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("dequeue error", "error", err)
			timer := time.NewTimer(p.store.PollInterval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		p.process(ctx, claim)
	}
}

// process drives one claimed job: load, transition to Processing, run the
// handler, then settle the claim. Success completes the claim; handler
// failure records a Failed state and requeues the row for another attempt.
func (p *Pool) process(ctx context.Context, claim *storage.ClaimedJob) {
	job, err := p.store.GetJobData(ctx, claim.JobID)
	if err != nil {
		slog.Error("load job", "job_id", claim.JobID, "error", err)
		p.requeue(ctx, claim)
		return
	}
	if job == nil {
		// The job row is gone; the claim is pointing at nothing.
		slog.Warn("claim references missing job", "job_id", claim.JobID, "queue", claim.Queue)
		p.complete(ctx, claim)
		return
	}
	if job.LoadError != nil {
		// The payload is undecipherable; retrying cannot fix it.
		slog.Error("job payload failed to load", "job_id", claim.JobID, "error", job.LoadError)
		p.setState(ctx, claim.JobID, storage.StateUpdate{
			Name:   storage.StateFailed,
			Reason: "invocation payload could not be deserialized",
		})
		p.complete(ctx, claim)
		return
	}

	p.mu.RLock()
	h := p.handlers[claim.Queue]
	p.mu.RUnlock()
	if h == nil {
		// Should be unreachable: Dequeue only scans registered queues.
		slog.Error("no handler registered for queue", "queue", claim.Queue, "job_id", claim.JobID)
		p.requeue(ctx, claim)
		return
	}

	p.setState(ctx, claim.JobID, storage.StateUpdate{
		Name: storage.StateProcessing,
		Data: map[string]string{"serverId": p.serverID},
	})

	slog.Info("executing job", "queue", claim.Queue, "job_id", claim.JobID)
	if err := h(ctx, job); err != nil {
		slog.Error("job handler failed", "queue", claim.Queue, "job_id", claim.JobID, "error", err)
		p.setState(ctx, claim.JobID, storage.StateUpdate{
			Name:   storage.StateFailed,
			Reason: err.Error(),
		})
		p.requeue(ctx, claim)
		return
	}

	p.setState(ctx, claim.JobID, storage.StateUpdate{Name: storage.StateSucceeded})
	p.complete(ctx, claim)
	slog.Info("job completed", "queue", claim.Queue, "job_id", claim.JobID)
}

func (p *Pool) setState(ctx context.Context, jobID string, state storage.StateUpdate) {
	if err := p.store.SetJobState(ctx, jobID, state); err != nil {
		slog.Error("set job state", "job_id", jobID, "state", state.Name, "error", err)
	}
}

func (p *Pool) complete(ctx context.Context, claim *storage.ClaimedJob) {
	if err := claim.Complete(ctx); err != nil {
		slog.Error("complete claim", "job_id", claim.JobID, "error", err)
	}
}

func (p *Pool) requeue(ctx context.Context, claim *storage.ClaimedJob) {
	if err := claim.Requeue(ctx); err != nil {
		slog.Error("requeue claim", "job_id", claim.JobID, "error", err)
	}
}

// runHeartbeat refreshes this server's heartbeat until ctx is cancelled.
// Uses time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, p.serverID); err != nil {
				slog.Error("heartbeat", "server_id", p.serverID, "error", err)
			}
		}
	}
}

// runMaintenance owns the shared background chores: dead-server removal,
// expired-row sweep, counter rollup. Every pool runs it; the statements are
// idempotent so overlapping pools only waste a little work.
func (p *Pool) runMaintenance(ctx context.Context) {
	serverSweep := time.NewTicker(p.opts.ServerTimeout)
	defer serverSweep.Stop()
	expireSweep := time.NewTicker(p.opts.SweepInterval)
	defer expireSweep.Stop()
	counterFold := time.NewTicker(p.opts.CounterAggregateEvery)
	defer counterFold.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-serverSweep.C:
			n, err := p.store.RemoveTimedOutServers(ctx, p.opts.ServerTimeout)
			if err != nil {
				slog.Error("remove timed out servers", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed timed out servers", "count", n)
			}
		case <-expireSweep.C:
			n, err := p.store.RemoveExpired(ctx)
			if err != nil {
				slog.Error("expiration sweep", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("swept expired rows", "count", n)
			}
		case <-counterFold.C:
			n, err := p.store.AggregateCounters(ctx, p.opts.CounterAggregateBatch)
			if err != nil {
				slog.Error("aggregate counters", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("aggregated counters", "count", n)
			}
		}
	}
}
