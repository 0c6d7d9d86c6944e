// Package saga drives a custodial withdrawal from wallet debit to on-chain
// broadcast, persisting every transition so a restarted process can resume
// or compensate it.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AfshinJalili/custody/libs/trace"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/gas"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/notifier"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/selector"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "withdrawal-saga"

var (
	// ErrInDoubt marks a submission that may have reached the chain. A saga
	// holding one never compensates until the submission is resolved.
	ErrInDoubt         = errors.New("on-chain submission outcome unknown")
	ErrInvalidRequest  = errors.New("invalid withdrawal request")
	ErrRequestConflict = errors.New("saga id already used by a different request")
	ErrNotYetOnChain   = errors.New("transaction not yet on chain")
	// ErrHalted is the cancellation cause for a saga stopped without
	// failing, such as on process shutdown. A halted saga keeps its step and
	// is picked up by the next resume.
	ErrHalted = errors.New("saga halted")
)

type Ledger interface {
	DebitWallet(ctx context.Context, sagaID, userID uuid.UUID, amount money.Money) error
	CreditWallet(ctx context.Context, sagaID, userID uuid.UUID, amount money.Money) error
	MovementApplied(ctx context.Context, sagaID uuid.UUID, subject, kind string) (bool, error)
	ReleaseSagaLocks(ctx context.Context, sagaID uuid.UUID) ([]string, error)
	ApplyAllocationDebit(ctx context.Context, sagaID uuid.UUID, address string, amount money.Money) error
	ApplyInternalTransfer(ctx context.Context, sagaID uuid.UUID, from, to string, amount money.Money) error
}

type Log interface {
	CreateSaga(ctx context.Context, rec storage.SagaRecord) (storage.SagaRecord, bool, error)
	SaveSaga(ctx context.Context, rec storage.SagaRecord, entry storage.StepEntry) error
	GetSaga(ctx context.Context, id uuid.UUID) (storage.SagaRecord, error)
	ListActiveSagas(ctx context.Context, limit int) ([]storage.SagaRecord, error)
	ListSteps(ctx context.Context, sagaID uuid.UUID) ([]storage.StepEntry, error)
	ClaimSaga(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseSaga(ctx context.Context, id uuid.UUID, owner string) error
}

type Selector interface {
	Select(ctx context.Context, sagaID uuid.UUID, amount money.Money) (selector.Selection, error)
}

type GasEnsurer interface {
	Ensure(ctx context.Context, key, address string, send gas.Sender) (gas.Result, error)
}

type Chain interface {
	Prepare(ctx context.Context, t chain.Transfer) (chain.Transaction, error)
	Submit(ctx context.Context, tx chain.Transaction) error
	LookupTransaction(ctx context.Context, txID string) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, o notifier.Outcome) error
}

// Request asks for amount to be sent from the user's wallet to
// TargetAddress. A zero ID is replaced with a random one.
type Request struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TargetAddress string
	Amount        money.Money
}

func (r Request) Validate() error {
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := chain.ValidateAddress(r.TargetAddress); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

var requestNamespace = uuid.MustParse("5b0f3b8e-52a4-4c4e-9d7c-2f1a8d6e4c10")

// RequestID derives a stable saga id from an idempotency key so a repeated
// request maps onto the saga it already created.
func RequestID(source, key string) uuid.UUID {
	return uuid.NewSHA1(requestNamespace, []byte(source+"|"+key))
}

// Result is the saga outcome reported to callers. Status is terminal unless
// the saga is still running or halted awaiting resume.
type Result struct {
	SagaID uuid.UUID `json:"saga_id"`
	Status State     `json:"status"`
	Reason string    `json:"reason,omitempty"`
	TxID   string    `json:"tx_id,omitempty"`
}

// Status is the full persisted view of a saga.
type Status struct {
	Result
	UserID        uuid.UUID           `json:"user_id"`
	TargetAddress string              `json:"target_address"`
	Amount        money.Money         `json:"amount"`
	Progress      Progress            `json:"progress"`
	Steps         []storage.StepEntry `json:"steps,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type Config struct {
	TokenContract        string
	StepAttempts         int
	RetryInitial         time.Duration
	RetryMax             time.Duration
	StepTimeout          time.Duration
	CompensationAttempts int
	CompensationTimeout  time.Duration
	ConfirmInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepAttempts <= 0 {
		c.StepAttempts = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.CompensationAttempts <= 0 {
		c.CompensationAttempts = 10
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 2 * time.Minute
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 3 * time.Second
	}
	return c
}

type Deps struct {
	Ledger   Ledger
	Log      Log
	Selector Selector
	Gas      GasEnsurer
	Chain    Chain
	Notifier Notifier
}

type Executor struct {
	ledger   Ledger
	log      Log
	selector Selector
	gas      GasEnsurer
	chain    Chain
	notifier Notifier
	cfg      Config
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(deps Deps, cfg Config, metrics *Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		ledger:   deps.Ledger,
		log:      deps.Log,
		selector: deps.Selector,
		gas:      deps.Gas,
		chain:    deps.Chain,
		notifier: deps.Notifier,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Create records a new saga in Pending. Re-creating an existing saga with the
// same parameters returns the stored record with created=false.
func (e *Executor) Create(ctx context.Context, req Request) (storage.SagaRecord, bool, error) {
	if err := req.Validate(); err != nil {
		return storage.SagaRecord{}, false, err
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	rec := storage.SagaRecord{
		ID:            req.ID,
		UserID:        req.UserID,
		TargetAddress: req.TargetAddress,
		Amount:        req.Amount,
		Step:          string(StatePending),
		State:         json.RawMessage(`{}`),
	}

	var (
		stored  storage.SagaRecord
		created bool
	)
	err := e.retry(ctx, "create", func(ctx context.Context) error {
		var err error
		stored, created, err = e.log.CreateSaga(ctx, rec)
		return err
	})
	if err != nil {
		return storage.SagaRecord{}, false, fmt.Errorf("create saga: %w", err)
	}
	if !created && (stored.UserID != req.UserID || stored.TargetAddress != req.TargetAddress || !stored.Amount.Equal(req.Amount)) {
		return storage.SagaRecord{}, false, fmt.Errorf("%w: %s", ErrRequestConflict, req.ID)
	}
	if created {
		e.logger.Info("withdrawal saga created",
			"saga_id", stored.ID,
			"user_id", stored.UserID,
			"amount", stored.Amount.String(),
		)
	}
	return stored, created, nil
}

// Start creates the saga for req and drives it to a terminal state.
func (e *Executor) Start(ctx context.Context, req Request) (Result, error) {
	rec, _, err := e.Create(ctx, req)
	if err != nil {
		return Result{SagaID: req.ID}, err
	}
	return e.drive(ctx, rec)
}

// Resume continues a persisted saga from its recorded step.
func (e *Executor) Resume(ctx context.Context, id uuid.UUID) (Result, error) {
	rec, err := e.log.GetSaga(ctx, id)
	if err != nil {
		return Result{SagaID: id}, err
	}
	return e.drive(ctx, rec)
}

func (e *Executor) Describe(ctx context.Context, id uuid.UUID) (Status, error) {
	rec, err := e.log.GetSaga(ctx, id)
	if err != nil {
		return Status{}, err
	}
	r, err := e.load(rec)
	if err != nil {
		return Status{}, err
	}
	steps, err := e.log.ListSteps(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Result:        r.result(),
		UserID:        rec.UserID,
		TargetAddress: rec.TargetAddress,
		Amount:        rec.Amount,
		Progress:      r.prog,
		Steps:         steps,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

func (e *Executor) resultOf(rec storage.SagaRecord) (Result, error) {
	r, err := e.load(rec)
	if err != nil {
		return Result{SagaID: rec.ID}, err
	}
	return r.result(), nil
}

// run holds one saga while it is driven. It is not safe for concurrent use.
type run struct {
	e    *Executor
	rec  storage.SagaRecord
	prog Progress
}

func (e *Executor) load(rec storage.SagaRecord) (*run, error) {
	r := &run{e: e, rec: rec}
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &r.prog); err != nil {
			return nil, fmt.Errorf("decode saga %s state: %w", rec.ID, err)
		}
	}
	r.prog.init()
	if !r.state().Valid() {
		return nil, fmt.Errorf("saga %s has unknown step %q", rec.ID, rec.Step)
	}
	return r, nil
}

func (e *Executor) drive(ctx context.Context, rec storage.SagaRecord) (Result, error) {
	r, err := e.load(rec)
	if err != nil {
		return Result{SagaID: rec.ID}, err
	}
	for {
		state := r.state()
		switch {
		case state.Terminal():
			return r.result(), nil
		case state == StateCompensating:
			return r.compensate(ctx)
		case state == StateBroadcast:
			return r.finish(ctx)
		}
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, state, err)
		}
		if err := r.step(ctx, state); err != nil {
			return r.abort(ctx, state, err)
		}
	}
}

var stepNames = map[State]string{
	StatePending:           "debit_wallet",
	StateBalanceDebited:    "select_addresses",
	StateAddressesSelected: "ensure_gas",
	StateGasEnsured:        "consolidate",
	StateConsolidated:      "broadcast",
	StateBroadcast:         "bookkeeping",
}

// step performs the action leaving state and records the transition.
func (r *run) step(ctx context.Context, state State) error {
	name := stepNames[state]
	var action func(context.Context) error
	switch state {
	case StatePending:
		action = r.debitWallet
	case StateBalanceDebited:
		action = r.selectAddresses
	case StateAddressesSelected:
		action = r.ensureGas
	case StateGasEnsured:
		action = r.consolidate
	case StateConsolidated:
		action = r.broadcast
	default:
		return fmt.Errorf("%w: no action from %s", ErrInvalidTransition, state)
	}

	start := time.Now()
	spanCtx, span := trace.StartSpan(ctx, tracerName, name,
		attribute.String("saga_id", r.rec.ID.String()),
		attribute.String("state", string(state)),
	)
	err := r.e.retry(spanCtx, name, action)
	trace.EndSpan(span, err)
	if err != nil {
		r.e.metrics.ObserveStep(name, "error", time.Since(start))
		return fmt.Errorf("%s: %w", name, err)
	}
	r.e.metrics.ObserveStep(name, "ok", time.Since(start))
	return r.transition(ctx, forward[state], "ok", "")
}

func (r *run) debitWallet(ctx context.Context) error {
	return r.e.ledger.DebitWallet(ctx, r.rec.ID, r.rec.UserID, r.rec.Amount)
}

// selectAddresses drops any reservation left by an interrupted attempt
// before selecting again.
func (r *run) selectAddresses(ctx context.Context) error {
	if _, err := r.e.ledger.ReleaseSagaLocks(ctx, r.rec.ID); err != nil {
		return err
	}
	sel, err := r.e.selector.Select(ctx, r.rec.ID, r.rec.Amount)
	r.prog.Selection = &sel
	return err
}

func (r *run) ensureGas(ctx context.Context) error {
	sel, err := r.selection()
	if err != nil {
		return err
	}
	for _, alloc := range sel.Allocations {
		if _, done := r.prog.Gas[alloc.Address]; done {
			continue
		}
		res, err := r.e.gas.Ensure(ctx, gas.Key(r.rec.ID.String(), alloc.Address), alloc.Address, r)
		if err != nil {
			return err
		}
		r.prog.Gas[alloc.Address] = res.TxID
	}
	return nil
}

// consolidate moves every contributing allocation to the consolidation
// address and waits for each transfer to land before recording it.
func (r *run) consolidate(ctx context.Context) error {
	sel, err := r.selection()
	if err != nil {
		return err
	}
	for _, alloc := range sel.Allocations {
		if alloc.Address == sel.ConsolidationAddress {
			continue
		}
		if _, done := r.prog.Consolidated[alloc.Address]; done {
			continue
		}
		key := consolidateKey(r.rec.ID.String(), alloc.Address)
		txID, err := r.SendOnce(ctx, key, chain.Transfer{
			From:          alloc.Address,
			To:            sel.ConsolidationAddress,
			Amount:        alloc.Amount,
			TokenContract: r.e.cfg.TokenContract,
		})
		if err != nil {
			return err
		}
		if err := r.AwaitLanded(ctx, key); err != nil {
			return err
		}
		if err := r.e.ledger.ApplyInternalTransfer(ctx, r.rec.ID, alloc.Address, sel.ConsolidationAddress, alloc.Amount); err != nil {
			return err
		}
		r.prog.Consolidated[alloc.Address] = txID
		if err := r.checkpoint(ctx, "consolidated", alloc.Address+" "+txID); err != nil {
			r.e.logger.Warn("consolidation checkpoint failed", "saga_id", r.rec.ID, "address", alloc.Address, "error", err)
		}
	}
	return nil
}

func (r *run) broadcast(ctx context.Context) error {
	sel, err := r.selection()
	if err != nil {
		return err
	}
	txID, err := r.SendOnce(ctx, withdrawKey(r.rec.ID.String()), chain.Transfer{
		From:          sel.ConsolidationAddress,
		To:            r.rec.TargetAddress,
		Amount:        r.rec.Amount,
		TokenContract: r.e.cfg.TokenContract,
	})
	if err != nil {
		return err
	}
	r.prog.BroadcastTxID = txID
	r.e.logger.Info("withdrawal broadcast accepted",
		"saga_id", r.rec.ID,
		"address", sel.ConsolidationAddress,
		"tx_id", txID,
	)
	return nil
}

// finish applies the ledger debit for a broadcast withdrawal. It retries
// until it succeeds or ctx ends; a broadcast saga is never compensated.
func (r *run) finish(ctx context.Context) (Result, error) {
	sel, err := r.selection()
	if err != nil {
		return r.result(), err
	}
	start := time.Now()
	spanCtx, span := trace.StartSpan(ctx, tracerName, stepNames[StateBroadcast],
		attribute.String("saga_id", r.rec.ID.String()),
	)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.e.cfg.RetryInitial
	policy.MaxInterval = r.e.cfg.RetryMax
	policy.MaxElapsedTime = 0

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(spanCtx, r.e.cfg.StepTimeout)
		defer cancel()
		if err := r.e.ledger.ApplyAllocationDebit(attemptCtx, r.rec.ID, sel.ConsolidationAddress, r.rec.Amount); err != nil {
			return err
		}
		_, err := r.e.ledger.ReleaseSagaLocks(attemptCtx, r.rec.ID)
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.e.metrics.IncStepRetry(stepNames[StateBroadcast])
		r.e.logger.Error("withdrawal bookkeeping failed, retrying",
			"saga_id", r.rec.ID,
			"address", sel.ConsolidationAddress,
			"retry_in", wait,
			"error", err,
		)
	}
	err = backoff.RetryNotify(op, backoff.WithContext(policy, spanCtx), notify)
	trace.EndSpan(span, err)
	if err != nil {
		r.e.metrics.ObserveStep(stepNames[StateBroadcast], "error", time.Since(start))
		return r.result(), fmt.Errorf("bookkeeping for saga %s: %w", r.rec.ID, err)
	}
	r.e.metrics.ObserveStep(stepNames[StateBroadcast], "ok", time.Since(start))

	if err := r.transition(ctx, StateCompleted, "ok", r.prog.BroadcastTxID); err != nil {
		return r.result(), err
	}
	r.e.metrics.IncSaga(string(StateCompleted))
	r.e.logger.Info("withdrawal completed", "saga_id", r.rec.ID, "tx_id", r.prog.BroadcastTxID)
	r.notify(ctx)
	return r.result(), nil
}

// abort moves a failed saga into compensation. Unresolved submissions are
// settled first; a saga whose withdrawal was accepted rolls forward instead.
// A halted saga is left at its step untouched.
func (r *run) abort(ctx context.Context, state State, cause error) (Result, error) {
	if halted(ctx) {
		r.e.logger.Info("saga halted",
			"saga_id", r.rec.ID,
			"step", state,
			"cause", context.Cause(ctx),
			"error", cause,
		)
		return r.result(), fmt.Errorf("saga %s at %s: %w", r.rec.ID, state, context.Cause(ctx))
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.cfg.CompensationTimeout)
	defer cancel()

	if keys := r.prog.unresolved(); len(keys) > 0 {
		sort.Strings(keys)
		if err := r.resolvePending(dctx); err != nil {
			r.e.logger.Error("saga halted with unresolved submissions",
				"saga_id", r.rec.ID,
				"step", state,
				"submissions", strings.Join(keys, ","),
				"error", cause,
			)
			return r.result(), fmt.Errorf("%w (cause: %v)", err, cause)
		}
	}

	if sub := r.prog.Submissions[withdrawKey(r.rec.ID.String())]; sub != nil && sub.Accepted {
		r.prog.BroadcastTxID = sub.Tx.TxID
		if err := r.transition(dctx, StateBroadcast, "ok", sub.Tx.TxID); err != nil {
			return r.result(), fmt.Errorf("record broadcast of saga %s: %w", r.rec.ID, err)
		}
		r.e.logger.Warn("withdrawal broadcast accepted despite step failure", "saga_id", r.rec.ID, "error", cause)
		return r.finish(ctx)
	}

	reason := cause.Error()
	r.prog.FailedAt = state
	r.prog.Reason = reason
	r.rec.FailureReason = reason
	if err := r.transition(dctx, StateCompensating, "failed", reason); err != nil {
		return r.result(), fmt.Errorf("record failure of saga %s (%v): %w", r.rec.ID, cause, err)
	}
	r.e.logger.Warn("withdrawal saga compensating", "saga_id", r.rec.ID, "step", state, "error", cause)
	return r.compensate(dctx)
}

// compensate unwinds a saga in Compensating. It runs detached from the
// caller's cancellation and stays in Compensating when attempts run out.
func (r *run) compensate(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.cfg.CompensationTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.e.cfg.RetryInitial
	policy.MaxInterval = r.e.cfg.RetryMax
	policy.MaxElapsedTime = 0
	maxRetries := uint64(r.e.cfg.CompensationAttempts - 1)

	err := backoff.RetryNotify(func() error {
		return r.unwind(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx), func(err error, wait time.Duration) {
		r.e.logger.Warn("compensation attempt failed", "saga_id", r.rec.ID, "retry_in", wait, "error", err)
	})
	if err != nil {
		r.e.metrics.IncCompensation("error")
		r.e.logger.Error("withdrawal compensation failed", "saga_id", r.rec.ID, "error", err)
		return r.result(), fmt.Errorf("compensate saga %s: %w", r.rec.ID, err)
	}

	if err := r.transition(ctx, StateFailed, "compensated", r.prog.Reason); err != nil {
		r.e.metrics.IncCompensation("error")
		return r.result(), err
	}
	r.e.metrics.IncCompensation("ok")
	r.e.metrics.IncSaga(string(StateFailed))
	r.e.logger.Info("withdrawal failed and compensated", "saga_id", r.rec.ID, "failed_at", r.prog.FailedAt, "reason", r.prog.Reason)
	r.notify(ctx)
	return r.result(), nil
}

// unwind is idempotent: every ledger call it makes is keyed by saga.
func (r *run) unwind(ctx context.Context) error {
	if err := r.settleConsolidations(ctx); err != nil {
		return err
	}
	released, err := r.e.ledger.ReleaseSagaLocks(ctx, r.rec.ID)
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	if len(released) > 0 {
		r.e.logger.Info("saga locks released", "saga_id", r.rec.ID, "addresses", strings.Join(released, ","))
	}

	credit := r.prog.FailedAt != StatePending
	if !credit {
		// The debit may have committed before the failure was observed.
		applied, err := r.e.ledger.MovementApplied(ctx, r.rec.ID, r.rec.UserID.String(), storage.MovementWalletDebit)
		if err != nil {
			return fmt.Errorf("check wallet debit: %w", err)
		}
		credit = applied
	}
	if credit {
		if err := r.e.ledger.CreditWallet(ctx, r.rec.ID, r.rec.UserID, r.rec.Amount); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
	}
	return nil
}

// settleConsolidations records consolidation transfers that were accepted
// and landed but never reached the ledger. Funds that moved on chain stay
// where they are; only their locks are released afterwards.
func (r *run) settleConsolidations(ctx context.Context) error {
	if r.prog.Selection == nil {
		return nil
	}
	sel := r.prog.Selection
	for _, alloc := range sel.Allocations {
		if alloc.Address == sel.ConsolidationAddress {
			continue
		}
		if _, done := r.prog.Consolidated[alloc.Address]; done {
			continue
		}
		sub := r.prog.Submissions[consolidateKey(r.rec.ID.String(), alloc.Address)]
		if sub == nil || !sub.Accepted {
			continue
		}
		landed, err := r.landed(ctx, sub)
		if err != nil {
			return err
		}
		if !landed {
			continue
		}
		if err := r.e.ledger.ApplyInternalTransfer(ctx, r.rec.ID, alloc.Address, sel.ConsolidationAddress, alloc.Amount); err != nil {
			return fmt.Errorf("settle consolidation from %s: %w", alloc.Address, err)
		}
		r.prog.Consolidated[alloc.Address] = sub.Tx.TxID
	}
	return nil
}

func (r *run) notify(ctx context.Context) {
	if r.e.notifier == nil {
		return
	}
	o := notifier.Outcome{
		SagaID:        r.rec.ID,
		UserID:        r.rec.UserID,
		TargetAddress: r.rec.TargetAddress,
		Amount:        r.rec.Amount,
		Status:        notifier.StatusFailed,
		Reason:        r.prog.Reason,
		TxID:          r.prog.BroadcastTxID,
	}
	if r.state() == StateCompleted {
		o.Status = notifier.StatusCompleted
	}
	if err := r.e.notifier.Notify(ctx, o); err != nil {
		r.e.logger.Warn("withdrawal notification failed", "saga_id", r.rec.ID, "error", err)
	}
}

func halted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrHalted)
}

func (r *run) state() State {
	return State(r.rec.Step)
}

func (r *run) selection() (selector.Selection, error) {
	if r.prog.Selection == nil || r.prog.Selection.ConsolidationAddress == "" {
		return selector.Selection{}, fmt.Errorf("saga %s has no address selection", r.rec.ID)
	}
	return *r.prog.Selection, nil
}

func (r *run) result() Result {
	return Result{
		SagaID: r.rec.ID,
		Status: r.state(),
		Reason: r.rec.FailureReason,
		TxID:   r.prog.BroadcastTxID,
	}
}

func (r *run) transition(ctx context.Context, to State, outcome, detail string) error {
	from := r.state()
	if err := checkTransition(from, to); err != nil {
		return err
	}
	err := r.e.retry(ctx, "save", func(ctx context.Context) error {
		return r.save(ctx, to, storage.StepEntry{Outcome: outcome, Detail: detail})
	})
	if err != nil {
		return err
	}
	r.e.logger.Info("saga step", "saga_id", r.rec.ID, "from", from, "step", to)
	return nil
}

// checkpoint persists progress without changing the step.
func (r *run) checkpoint(ctx context.Context, outcome, detail string) error {
	return r.save(ctx, r.state(), storage.StepEntry{Outcome: outcome, Detail: detail})
}

func (r *run) save(ctx context.Context, step State, entry storage.StepEntry) error {
	state, err := json.Marshal(r.prog)
	if err != nil {
		return fmt.Errorf("encode saga state: %w", err)
	}
	rec := r.rec
	rec.Step = string(step)
	rec.State = state
	entry.Step = string(step)
	if err := r.e.log.SaveSaga(ctx, rec, entry); err != nil {
		return fmt.Errorf("save saga %s: %w", rec.ID, err)
	}
	r.rec = rec
	return nil
}
