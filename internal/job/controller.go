// Package job owns the job run state machine: it accepts batches,
// dispatches items across a worker pool, aggregates per-item outcomes
// into the run's counters, and writes the final status exactly once.
package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/store"
)

// ItemResolver resolves one observation. Implemented by resolver.Resolver.
type ItemResolver interface {
	Resolve(ctx context.Context, obs model.Observation, now time.Time) model.Outcome
}

// Store is the job-run slice of the persistence layer.
type Store interface {
	CreateJob(ctx context.Context, inputCount int) (*model.JobRun, error)
	GetJob(ctx context.Context, id string) (*model.JobRun, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.JobRun, error)
	MarkJobRunning(ctx context.Context, id string) error
	IncrementJobCounters(ctx context.Context, id string, successDelta, errorDelta int) error
	FinalizeJob(ctx context.Context, id string, status model.JobStatus) error
}

// ErrUnknownJob is returned when a job id has no pending batch or
// in-flight processing registered with this controller.
var ErrUnknownJob = eris.New("job: unknown job")

// Controller orchestrates job runs. Batch contents live in memory;
// only the three persisted relations ever hit the store.
type Controller struct {
	store    Store
	resolver ItemResolver
	workers  int
	limiter  *rate.Limiter

	mu      sync.Mutex
	pending map[string][]model.Observation
	cancels map[string]context.CancelFunc
}

// NewController creates a Controller with the given worker pool size.
// ratePerSec throttles item dispatch; zero disables throttling.
func NewController(s Store, r ItemResolver, workers int, ratePerSec float64) *Controller {
	if workers <= 0 {
		workers = 4
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), workers)
	}
	return &Controller{
		store:    s,
		resolver: r,
		workers:  workers,
		limiter:  limiter,
		pending:  map[string][]model.Observation{},
		cancels:  map[string]context.CancelFunc{},
	}
}

// Submit accepts a batch, persists a queued run sized to it, and holds
// the items until Process picks them up.
func (c *Controller) Submit(ctx context.Context, obs []model.Observation) (*model.JobRun, error) {
	if len(obs) == 0 {
		return nil, eris.New("job: empty batch")
	}

	run, err := c.store.CreateJob(ctx, len(obs))
	if err != nil {
		return nil, eris.Wrap(err, "job: create run")
	}

	c.mu.Lock()
	c.pending[run.ID] = obs
	c.mu.Unlock()

	zap.L().Info("batch accepted",
		zap.String("component", "job"),
		zap.String("job_id", run.ID),
		zap.Int("input_count", len(obs)))
	return run, nil
}

// Process runs a submitted batch to completion and returns the final
// run snapshot. It blocks until the run is terminal.
func (c *Controller) Process(ctx context.Context, jobID string) (*model.JobRun, error) {
	obs, err := c.takeBatch(jobID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerCancel(jobID, cancel)
	defer c.dropCancel(jobID)

	if err := c.store.MarkJobRunning(ctx, jobID); err != nil {
		return nil, eris.Wrapf(err, "job: start %s", jobID)
	}

	var successes, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, o := range obs {
		if gctx.Err() != nil {
			break
		}
		o := o
		g.Go(func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}

			out := c.resolver.Resolve(gctx, o, time.Now().UTC())
			if out.Fatal() {
				zap.L().Error("fatal item failure, aborting batch",
					zap.String("component", "job"),
					zap.String("job_id", jobID),
					zap.String("raw_name", o.RawName),
					zap.Error(out.Err))
				return out.Err
			}

			// The item's write is durable; its counter must land even
			// if the batch is being cancelled.
			var sd, ed int
			if out.Success() {
				sd = 1
				successes.Add(1)
			} else {
				ed = 1
				failures.Add(1)
				zap.L().Warn("item failed",
					zap.String("component", "job"),
					zap.String("job_id", jobID),
					zap.String("raw_name", o.RawName),
					zap.String("error_kind", string(out.ErrKind)),
					zap.Error(out.Err))
			}
			if err := c.store.IncrementJobCounters(context.WithoutCancel(gctx), jobID, sd, ed); err != nil {
				return eris.Wrapf(err, "job: count item for %s", jobID)
			}
			return nil
		})
	}

	finalizeCtx := context.WithoutCancel(ctx)
	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		// Cancelled after the in-flight items drained but before every
		// item was dispatched.
		err = ctx.Err()
	}
	if err != nil {
		// Fatal failure or cancellation: terminal failed, counters
		// reflect only what was durably applied.
		if ferr := c.store.FinalizeJob(finalizeCtx, jobID, model.JobStatusFailed); ferr != nil {
			zap.L().Error("finalize after abort failed",
				zap.String("component", "job"),
				zap.String("job_id", jobID),
				zap.Error(ferr))
		}
		if errors.Is(err, context.Canceled) {
			return c.snapshot(finalizeCtx, jobID)
		}
		return nil, eris.Wrapf(err, "job: run %s aborted", jobID)
	}

	status := finalStatus(len(obs), int(failures.Load()))
	if err := c.store.FinalizeJob(finalizeCtx, jobID, status); err != nil {
		return nil, eris.Wrapf(err, "job: finalize %s", jobID)
	}

	zap.L().Info("batch finished",
		zap.String("component", "job"),
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int64("success_count", successes.Load()),
		zap.Int64("error_count", failures.Load()))

	return c.snapshot(finalizeCtx, jobID)
}

// ProcessAsync runs Process on its own goroutine, detached from the
// caller's context so an HTTP request ending does not cancel the run.
func (c *Controller) ProcessAsync(jobID string) {
	go func() {
		if _, err := c.Process(context.Background(), jobID); err != nil {
			zap.L().Error("async run failed",
				zap.String("component", "job"),
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}()
}

// Cancel stops an in-flight run, or fails a submitted run that never
// started. In-flight items finish their current atomic write.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	cancel, running := c.cancels[jobID]
	_, queued := c.pending[jobID]
	if queued {
		delete(c.pending, jobID)
	}
	c.mu.Unlock()

	if running {
		cancel()
		return nil
	}
	if queued {
		return eris.Wrapf(c.store.FinalizeJob(ctx, jobID, model.JobStatusFailed), "job: cancel queued %s", jobID)
	}
	return eris.Wrapf(ErrUnknownJob, "job: cancel %s", jobID)
}

// finalStatus maps completed-batch counters to a terminal status.
func finalStatus(input, errored int) model.JobStatus {
	switch {
	case errored == 0:
		return model.JobStatusDone
	case errored == input:
		return model.JobStatusFailed
	default:
		return model.JobStatusPartial
	}
}

func (c *Controller) takeBatch(jobID string) ([]model.Observation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs, ok := c.pending[jobID]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownJob, "job: process %s", jobID)
	}
	delete(c.pending, jobID)
	return obs, nil
}

func (c *Controller) registerCancel(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[jobID] = cancel
	c.mu.Unlock()
}

func (c *Controller) dropCancel(jobID string) {
	c.mu.Lock()
	delete(c.cancels, jobID)
	c.mu.Unlock()
}

func (c *Controller) snapshot(ctx context.Context, jobID string) (*model.JobRun, error) {
	run, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "job: snapshot %s", jobID)
	}
	if run == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "job: snapshot %s", jobID)
	}
	return run, nil
}
