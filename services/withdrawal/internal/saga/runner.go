package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSagaBusy     = errors.New("saga is already running")
	ErrShuttingDown = errors.New("withdrawal runner is shutting down")

	errStopped   = fmt.Errorf("%w: runner stopped", ErrHalted)
	errLeaseLost = fmt.Errorf("%w: lease lost", ErrHalted)
)

type RunnerConfig struct {
	Workers     int
	Owner       string
	LeaseTTL    time.Duration
	ResumeBatch int
}

// Runner executes sagas under a per-saga lease so that only one process
// drives a given saga at a time. At most Workers sagas run in the
// background at once.
type Runner struct {
	exec    *Executor
	log     Log
	cfg     RunnerConfig
	metrics *Metrics
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelCauseFunc
	slots   chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelCauseFunc
	closed bool
}

func NewRunner(exec *Executor, log Log, cfg RunnerConfig, metrics *Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.ResumeBatch <= 0 {
		cfg.ResumeBatch = 500
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Runner{
		exec:    exec,
		log:     log,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, cfg.Workers),
		active:  map[uuid.UUID]context.CancelCauseFunc{},
	}
}

// Submit records the saga for req and drives it in the background. It
// returns the saga as stored; created is false for a repeated request.
func (r *Runner) Submit(ctx context.Context, req Request) (Result, bool, error) {
	rec, created, err := r.exec.Create(ctx, req)
	if err != nil {
		return Result{SagaID: req.ID}, false, err
	}
	res, err := r.exec.resultOf(rec)
	if err != nil {
		return Result{SagaID: rec.ID}, created, err
	}
	if res.Status.Terminal() {
		return res, created, nil
	}
	switch err := r.spawn(ctx, rec.ID); {
	case errors.Is(err, ErrShuttingDown):
		return res, created, err
	case err != nil && !errors.Is(err, ErrSagaBusy):
		r.logger.Warn("saga not started, left for resume", "saga_id", rec.ID, "error", err)
	}
	return res, created, nil
}

// Describe returns the persisted saga including its step log.
func (r *Runner) Describe(ctx context.Context, id uuid.UUID) (Status, error) {
	return r.exec.Describe(ctx, id)
}

// Cancel interrupts a saga running in this process. The saga compensates
// unless it has already broadcast.
func (r *Runner) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.active[id]
	if ok {
		cancel(context.Canceled)
	}
	return ok
}

// ResumePending claims every non-terminal saga that no other process holds
// and drives it in the background. It returns how many sagas it claimed
// without waiting for them.
func (r *Runner) ResumePending(ctx context.Context) (int, error) {
	recs, err := r.log.ListActiveSagas(ctx, r.cfg.ResumeBatch)
	if err != nil {
		return 0, fmt.Errorf("list active sagas: %w", err)
	}

	resumed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		err := r.spawn(ctx, rec.ID)
		switch {
		case err == nil:
			resumed++
			r.logger.Info("saga resumed", "saga_id", rec.ID, "step", rec.Step)
		case errors.Is(err, ErrShuttingDown):
			return resumed, nil
		case !errors.Is(err, ErrSagaBusy):
			r.logger.Warn("saga resume failed", "saga_id", rec.ID, "step", rec.Step, "error", err)
		}
	}
	return resumed, nil
}

// RunResumeLoop calls ResumePending every interval until ctx ends.
func (r *Runner) RunResumeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ResumePending(ctx); err != nil {
				r.logger.Warn("resume pending sagas failed", "error", err)
			}
		}
	}
}

// Shutdown stops accepting sagas and waits for background ones. When ctx
// ends first the remaining sagas are halted at their current step, their
// leases released, and Shutdown waits for them to stop. A saga already
// compensating finishes compensation first.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel(errStopped)
		return nil
	case <-ctx.Done():
		r.cancel(errStopped)
		<-done
		return ctx.Err()
	}
}

// spawn claims id and drives it in a background goroutine.
func (r *Runner) spawn(ctx context.Context, id uuid.UUID) error {
	runCtx, cancel := context.WithCancelCause(r.baseCtx)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel(nil)
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.acquire(ctx, id, cancel); err != nil {
		cancel(nil)
		r.wg.Done()
		return err
	}

	go func() {
		defer r.wg.Done()
		defer cancel(nil)
		defer r.deactivate(id)

		select {
		case r.slots <- struct{}{}:
			defer func() { <-r.slots }()
		case <-r.baseCtx.Done():
			r.releaseLease(id)
			return
		}
		// The lease may have lapsed while waiting for a slot.
		if claimed, err := r.log.ClaimSaga(runCtx, id, r.cfg.Owner, r.cfg.LeaseTTL); err != nil || !claimed {
			r.logger.Warn("saga lease lost before start", "saga_id", id, "claimed", claimed, "error", err)
			return
		}
		res, err := r.lead(runCtx, cancel, id)
		switch {
		case errors.Is(err, ErrHalted):
			r.logger.Info("saga halted before terminal state", "saga_id", id, "step", res.Status)
		case err != nil:
			r.logger.Warn("saga stopped before terminal state", "saga_id", id, "step", res.Status, "error", err)
		}
	}()
	return nil
}

// acquire marks id active in this process and claims its lease. The lease
// is released by lead.
func (r *Runner) acquire(ctx context.Context, id uuid.UUID, cancel context.CancelCauseFunc) error {
	if !r.activate(id, cancel) {
		return ErrSagaBusy
	}
	claimed, err := r.log.ClaimSaga(ctx, id, r.cfg.Owner, r.cfg.LeaseTTL)
	if err != nil {
		r.deactivate(id)
		return fmt.Errorf("claim saga %s: %w", id, err)
	}
	if !claimed {
		r.deactivate(id)
		return ErrSagaBusy
	}
	return nil
}

// lead drives a claimed saga, renewing its lease until the saga stops.
func (r *Runner) lead(ctx context.Context, cancel context.CancelCauseFunc, id uuid.UUID) (Result, error) {
	defer r.releaseLease(id)
	stop := r.keepLease(ctx, cancel, id)
	defer stop()

	r.metrics.SagaStarted()
	defer r.metrics.SagaFinished()
	return r.exec.Resume(ctx, id)
}

func (r *Runner) releaseLease(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.log.ReleaseSaga(ctx, id, r.cfg.Owner); err != nil {
		r.logger.Warn("saga lease release failed", "saga_id", id, "error", err)
	}
}

// keepLease renews the lease on id until the returned func is called. When
// the lease is taken by another owner, or cannot be renewed before it
// expires, the saga is halted through halt.
func (r *Runner) keepLease(ctx context.Context, halt context.CancelCauseFunc, id uuid.UUID) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.log.ClaimSaga(ctx, id, r.cfg.Owner, r.cfg.LeaseTTL)
				if err == nil && ok {
					renewed = time.Now()
					continue
				}
				r.logger.Warn("saga lease renewal failed", "saga_id", id, "renewed", ok, "error", err)
				if (err == nil && !ok) || time.Since(renewed) >= r.cfg.LeaseTTL {
					halt(errLeaseLost)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) activate(id uuid.UUID, cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return false
	}
	r.active[id] = cancel
	return true
}

func (r *Runner) deactivate(id uuid.UUID) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}
