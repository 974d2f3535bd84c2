// Package recurring schedules cron-expression jobs on top of the storage
// primitives: each definition lives in a hash keyed recurring-job:<id>, and
// the recurring-jobs set, scored by next-execution unix seconds, is the due
// index. A lease lock keeps concurrent schedulers from double-firing.
package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/june-it/emberq/internal/storage"
)

const (
	setKey        = "recurring-jobs"
	hashKeyPrefix = "recurring-job:"
	lockResource  = "recurring-scheduler"
)

// Job is one recurring definition.
type Job struct {
	ID            string
	Cron          string
	Queue         string
	Invocation    *storage.InvocationData
	Arguments     []string
	NextExecution time.Time
}

// Options configures a Scheduler.
type Options struct {
	// PollInterval is how often the scheduler looks for due jobs.
	PollInterval time.Duration
	// LockLease is the lease taken on the scheduler lock per tick; it must
	// comfortably exceed one tick's work.
	LockLease time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Scheduler fires due recurring jobs into the queue.
type Scheduler struct {
	store  *storage.Store
	owner  string
	opts   Options
	parser cron.Parser
}

// New creates a Scheduler backed by st. A random owner id distinguishes
// this process in the lock table.
func New(st *storage.Store, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.LockLease <= 0 {
		opts.LockLease = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		store:  st,
		owner:  uuid.New().String(),
		opts:   opts,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Add registers (or replaces) a recurring job. The first execution is the
// next cron occurrence after now.
func (s *Scheduler) Add(ctx context.Context, id, cronSpec, queue string, invocation *storage.InvocationData, arguments []string) error {
	if id == "" {
		return fmt.Errorf("add recurring job: id is empty: %w", storage.ErrInvalidArgument)
	}
	if queue == "" {
		return fmt.Errorf("add recurring job: queue is empty: %w", storage.ErrInvalidArgument)
	}
	if invocation == nil {
		return fmt.Errorf("add recurring job: invocation is nil: %w", storage.ErrInvalidArgument)
	}
	schedule, err := s.parser.Parse(cronSpec)
	if err != nil {
		return fmt.Errorf("add recurring job: cron %q: %w", cronSpec, storage.ErrInvalidArgument)
	}

	invJSON, err := json.Marshal(invocation)
	if err != nil {
		return fmt.Errorf("add recurring job: marshal invocation: %w", err)
	}
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("add recurring job: marshal arguments: %w", err)
	}

	next := schedule.Next(s.opts.Clock().UTC())
	fields := map[string]string{
		"cron":           cronSpec,
		"queue":          queue,
		"invocation":     string(invJSON),
		"arguments":      string(argsJSON),
		"next_execution": strconv.FormatInt(next.Unix(), 10),
	}
	if err := s.store.SetRangeInHash(ctx, hashKeyPrefix+id, fields); err != nil {
		return fmt.Errorf("add recurring job: %w", err)
	}
	if err := s.store.AddToSet(ctx, setKey, id, float64(next.Unix())); err != nil {
		return fmt.Errorf("add recurring job: %w", err)
	}
	return nil
}

// Remove unregisters a recurring job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("remove recurring job: id is empty: %w", storage.ErrInvalidArgument)
	}
	if err := s.store.RemoveFromSet(ctx, setKey, id); err != nil {
		return fmt.Errorf("remove recurring job: %w", err)
	}
	if err := s.store.RemoveHash(ctx, hashKeyPrefix+id); err != nil {
		return fmt.Errorf("remove recurring job: %w", err)
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("recurring scheduler started", "owner", s.owner, "poll_interval", s.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("recurring scheduler stopped", "owner", s.owner)
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				slog.Error("recurring tick", "error", err)
			}
		}
	}
}

// Tick fires every due recurring job once. It takes the scheduler lease
// first; when another scheduler holds it, the tick is skipped — the lock
// here is real mutual exclusion, not the queue's claim protocol.
func (s *Scheduler) Tick(ctx context.Context) error {
	acquired, err := s.store.AcquireLock(ctx, lockResource, s.owner, s.opts.LockLease)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), lockResource, s.owner); err != nil {
			slog.Error("release scheduler lock", "error", err)
		}
	}()

	now := s.opts.Clock().UTC()
	for {
		id, err := s.store.GetFirstByLowestScoreFromSet(ctx, setKey, 0, float64(now.Unix()))
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if id == nil {
			return nil
		}
		if err := s.fire(ctx, *id, now); err != nil {
			return fmt.Errorf("tick: fire %q: %w", *id, err)
		}
	}
}

// fire enqueues one due definition and advances its next execution. A
// definition whose hash vanished (removed concurrently) is dropped from the
// due index. A definition that fails to parse is pushed one poll interval
// into the future so it cannot wedge the scheduler loop.
func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) error {
	fields, err := s.store.GetAllEntriesFromHash(ctx, hashKeyPrefix+id)
	if err != nil {
		return err
	}
	if fields == nil {
		return s.store.RemoveFromSet(ctx, setKey, id)
	}

	job, err := s.load(id, fields)
	if err != nil {
		slog.Error("recurring definition unreadable", "id", id, "error", err)
		return s.store.AddToSet(ctx, setKey, id, float64(now.Add(s.opts.PollInterval).Unix()))
	}

	jobID, err := s.store.CreateJob(ctx, job.Invocation, job.Arguments,
		map[string]string{"RecurringJobId": id}, now, 0)
	if err != nil {
		return err
	}
	if err := s.store.SetJobState(ctx, jobID, storage.StateUpdate{
		Name:   storage.StateEnqueued,
		Reason: "Triggered by recurring scheduler",
		Data:   map[string]string{"queue": job.Queue},
	}); err != nil {
		return err
	}
	if err := s.store.Enqueue(ctx, job.Queue, jobID); err != nil {
		return err
	}

	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		// Validated at Add time; reparse failure means the hash was edited
		// by hand.
		return s.store.AddToSet(ctx, setKey, id, float64(now.Add(s.opts.PollInterval).Unix()))
	}
	next := schedule.Next(now)
	if err := s.store.SetRangeInHash(ctx, hashKeyPrefix+id, map[string]string{
		"next_execution": strconv.FormatInt(next.Unix(), 10),
	}); err != nil {
		return err
	}
	if err := s.store.AddToSet(ctx, setKey, id, float64(next.Unix())); err != nil {
		return err
	}

	slog.Info("recurring job fired", "id", id, "job_id", jobID, "next", next)
	return nil
}

func (s *Scheduler) load(id string, fields map[string]string) (*Job, error) {
	job := &Job{ID: id, Cron: fields["cron"], Queue: fields["queue"]}
	if job.Cron == "" || job.Queue == "" {
		return nil, fmt.Errorf("definition %q missing cron or queue", id)
	}
	var inv storage.InvocationData
	if err := json.Unmarshal([]byte(fields["invocation"]), &inv); err != nil {
		return nil, fmt.Errorf("definition %q invocation: %w", id, err)
	}
	job.Invocation = &inv
	if raw := fields["arguments"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Arguments); err != nil {
			return nil, fmt.Errorf("definition %q arguments: %w", id, err)
		}
	}
	if raw := fields["next_execution"]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("definition %q next_execution: %w", id, err)
		}
		job.NextExecution = time.Unix(unix, 0).UTC()
	}
	return job, nil
}
