// Package pipeline sequences a payment request through compute, validate,
// attest, route and account, and owns each intent's lifecycle status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/attest"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/ledger"
	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
	"github.com/gyaneshwarpardhi/paycore/internal/regime"
	"github.com/gyaneshwarpardhi/paycore/internal/validator"
	"github.com/gyaneshwarpardhi/paycore/internal/venue"
)

const (
	StageCompute  = "compute"
	StageValidate = "validate"
	StageAttest   = "attest"
	StageRoute    = "route"
	StageAccount  = "account"

	maxRecords = 10000
)

var (
	ErrQueueFull      = errors.New("pipeline: submission queue full")
	ErrUnknownIntent  = errors.New("pipeline: unknown intent")
	ErrNotCancellable = errors.New("pipeline: intent is past the point of cancellation")
)

// Advice is a decision advisor's verdict on an intent.
type Advice struct {
	Approve    bool    `json:"approve"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Advisor is an optional second opinion consulted after structural checks.
type Advisor interface {
	Advise(ctx context.Context, in *intent.Intent) (Advice, error)
}

// AdvisorFunc adapts a function to Advisor.
type AdvisorFunc func(ctx context.Context, in *intent.Intent) (Advice, error)

// Advise implements Advisor.
func (f AdvisorFunc) Advise(ctx context.Context, in *intent.Intent) (Advice, error) { return f(ctx, in) }

// StageTiming is the elapsed time of one stage.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Outcome is the terminal result of one request. Code is empty only for a
// clean settlement.
type Outcome struct {
	IntentID    string               `json:"intent_id"`
	Status      intent.Status        `json:"status"`
	Code        apperr.Code          `json:"code,omitempty"`
	Stage       string               `json:"stage,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Intent      *intent.Intent       `json:"intent,omitempty"`
	Signed      *intent.SignedIntent `json:"signed,omitempty"`
	Regime      *regime.Result       `json:"regime,omitempty"`
	Advice      *Advice              `json:"advice,omitempty"`
	Escalation  bool                 `json:"escalation"`
	BatchID     string               `json:"batch_id,omitempty"`
	Route       *venue.RouteResult   `json:"route,omitempty"`
	Entry       *ledger.Entry        `json:"entry,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
	Timings     []StageTiming        `json:"timings"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
}

// Err returns the outcome as a coded error, or nil for a clean settlement.
func (o *Outcome) Err() error {
	if o.Code == "" {
		return nil
	}
	return &apperr.Error{Code: o.Code, Stage: o.Stage, Reason: o.Reason}
}

func (o *Outcome) copy() *Outcome {
	cp := *o
	cp.Timings = append([]StageTiming(nil), o.Timings...)
	cp.Warnings = append([]string(nil), o.Warnings...)
	if o.Intent != nil {
		cp.Intent = o.Intent.Clone()
	}
	return &cp
}

// Components are the collaborators an Orchestrator drives. Advisor is
// optional.
type Components struct {
	Generator intent.Generator
	Signer    intent.Signer
	Regime    *regime.Engine
	Validator *validator.Validator
	Attestor  *attest.Attestor
	Router    *venue.Router
	Ledger    *ledger.Ledger
	Advisor   Advisor
}

type record struct {
	in        *intent.Intent // Status written only by the flow, under Orchestrator.mu
	out       *Outcome       // owned by the flow until final is set
	cancelled bool
	final     *Outcome
	done      chan struct{}
}

// Orchestrator runs requests through the pipeline. Process is synchronous;
// Submit hands the post-compute stages to a bounded worker pool.
type Orchestrator struct {
	Components

	// admit serializes the regime check with the aggregate commit.
	admit sync.Mutex

	mu      sync.Mutex
	records map[string]*record
	order   []string

	pool          *workerPool[*record]
	conf          config.EngineConf
	forceOnSubmit atomic.Bool

	flushMu       sync.Mutex
	flushInterval time.Duration
	flushCtx      context.Context
	stopFlush     context.CancelFunc
	flushDone     chan struct{}

	bus    *event.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus shares an event bus with the components.
func WithBus(b *event.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithForceOnSubmit cuts and anchors a batch for every attested intent.
func WithForceOnSubmit(force bool) Option {
	return func(o *Orchestrator) { o.forceOnSubmit.Store(force) }
}

// WithFlushInterval sets the periodic flush interval used by Start.
func WithFlushInterval(d time.Duration) Option { return func(o *Orchestrator) { o.flushInterval = d } }

// New creates an Orchestrator and starts its worker pool. The pool stops
// when ctx is done or Shutdown is called.
func New(ctx context.Context, c Components, conf config.EngineConf, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Components: c,
		records:    make(map[string]*record),
		conf:       conf,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}
	o.pool = newWorkerPool[*record](ctx, conf.Workers, conf.QueueDepth, func(ctx context.Context, rec *record) {
		o.run(ctx, rec)
		metrics.QueueUtilization.Set(o.QueueUtilization())
	})
	return o
}

// Subscribe registers h for every lifecycle event on the orchestrator's bus.
func (o *Orchestrator) Subscribe(h event.Handler) func() {
	return o.bus.Subscribe(h)
}

// Process runs req through every stage and returns the terminal outcome.
// The error is the outcome's coded error.
func (o *Orchestrator) Process(ctx context.Context, req intent.Request) (*Outcome, error) {
	rec, err := o.compute(ctx, req)
	if err != nil {
		return rec.final.copy(), err
	}
	out := o.run(ctx, rec)
	return out, out.Err()
}

// Submit computes the intent synchronously and queues the remaining stages.
// The returned intent is a snapshot in status pending.
func (o *Orchestrator) Submit(ctx context.Context, req intent.Request) (*intent.Intent, error) {
	rec, err := o.compute(ctx, req)
	if err != nil {
		return nil, err
	}
	snap := rec.in.Clone()
	if !o.pool.Submit(rec) {
		o.mu.Lock()
		o.forgetLocked(rec.in.ID)
		o.mu.Unlock()
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, o.pool.QueueCap())
	}
	metrics.QueueUtilization.Set(o.QueueUtilization())
	return snap, nil
}

// Wait blocks until the intent reaches a terminal status.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Outcome, error) {
	o.mu.Lock()
	rec, ok := o.records[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	select {
	case <-rec.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return rec.final.copy(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueUtilization returns queue used / capacity (0–1).
func (o *Orchestrator) QueueUtilization() float64 {
	if o.pool.QueueCap() == 0 {
		return 0
	}
	return float64(o.pool.QueueLen()) / float64(o.pool.QueueCap())
}

func (o *Orchestrator) compute(ctx context.Context, req intent.Request) (*record, error) {
	metrics.IntentsSubmitted.Inc()
	start := o.now()
	in, err := o.Generator.Generate(ctx, req)
	took := o.now().Sub(start)
	observe(StageCompute, took)
	if err != nil {
		out := &Outcome{
			Status:      intent.StatusFailed,
			Code:        apperr.CodeGenerationFailed,
			Stage:       StageCompute,
			Reason:      reasonOf(err),
			Timings:     []StageTiming{{StageCompute, took}},
			StartedAt:   start.UTC(),
			CompletedAt: o.now().UTC(),
		}
		metrics.IntentsCompleted.WithLabelValues(string(out.Status)).Inc()
		o.logger.Warn("intent generation failed", "payer", req.Payer, "payee", req.Payee, "err", err)
		ev := event.New(event.IntentRejected, map[string]interface{}{
			"status": string(out.Status), "code": string(out.Code), "reason": out.Reason,
		})
		ev.Stage = StageCompute
		o.bus.Publish(ev)
		return &record{final: out}, out.Err()
	}
	in.Status = intent.StatusPending

	rec := &record{
		in: in,
		out: &Outcome{
			IntentID:  in.ID,
			Status:    intent.StatusPending,
			Timings:   []StageTiming{{StageCompute, took}},
			StartedAt: start.UTC(),
		},
		done: make(chan struct{}),
	}
	o.mu.Lock()
	o.records[in.ID] = rec
	o.order = append(o.order, in.ID)
	o.evictLocked()
	o.mu.Unlock()

	o.logger.Debug("intent created", "intent_id", in.ID, "amount", in.Amount.String(), "asset", in.Asset)
	o.emit(event.IntentCreated, in.ID, StageCompute, map[string]interface{}{
		"payer":  in.Payer,
		"payee":  in.Payee,
		"amount": in.Amount.String(),
		"asset":  in.Asset,
	})
	return rec, nil
}

// run drives rec from pending to a terminal status.
func (o *Orchestrator) run(ctx context.Context, rec *record) *Outcome {
	in := rec.in.Clone()
	out := rec.out

	// validate
	start := o.now()
	ok := o.validate(ctx, rec, in)
	o.timed(out, StageValidate, start)
	if !ok {
		return o.finish(rec)
	}
	if o.cancelRequested(rec, in) {
		return o.finish(rec)
	}

	// attest
	start = o.now()
	si, ok := o.attest(ctx, rec, in)
	o.timed(out, StageAttest, start)
	if !ok {
		return o.finish(rec)
	}

	// Past this point the intent cannot be cancelled.
	o.mu.Lock()
	if rec.cancelled {
		o.mu.Unlock()
		if o.Attestor.Remove(in.ID) {
			o.Validator.Release(in)
			o.terminate(rec, intent.StatusFailed, apperr.CodeCancelled, StageAttest, "cancelled before routing")
			return o.finish(rec)
		}
		// already batched: too late to withdraw, carry on
		o.mu.Lock()
		rec.cancelled = false
	}
	o.setStatusLocked(rec, intent.StatusRouting)
	o.mu.Unlock()

	// Once a venue executor may run, the flow waits for its outcome.
	ctx = context.WithoutCancel(ctx)

	// route
	start = o.now()
	rr, err := o.Router.Route(ctx, si)
	o.timed(out, StageRoute, start)
	out.Route = rr
	if err != nil {
		o.Validator.Release(in)
		o.terminate(rec, intent.StatusFailed, codeOr(err, apperr.CodeRouteFailed), StageRoute, reasonOf(err))
		return o.finish(rec)
	}

	// account
	start = o.now()
	o.account(ctx, rec, in, rr)
	o.timed(out, StageAccount, start)
	return o.finish(rec)
}

func (o *Orchestrator) validate(ctx context.Context, rec *record, in *intent.Intent) bool {
	out := rec.out
	vres := o.Validator.ValidateSingle(in)
	out.Escalation = vres.Escalation
	if !vres.Valid {
		status := intent.StatusRejected
		if vres.Code == apperr.CodeExpired {
			status = intent.StatusExpired
		}
		o.terminate(rec, status, vres.Code, StageValidate, vres.Reason)
		return false
	}

	if o.Advisor != nil {
		adv, err := o.Advisor.Advise(ctx, in)
		if err != nil {
			o.terminate(rec, intent.StatusRejected, apperr.CodeAdvisorDeclined, StageValidate, "advisor unavailable: "+err.Error())
			return false
		}
		out.Advice = &adv
		if !adv.Approve {
			o.terminate(rec, intent.StatusRejected, apperr.CodeAdvisorDeclined, StageValidate, adv.Reason)
			return false
		}
	}

	o.admit.Lock()
	rres := o.Regime.Validate(in, nil)
	out.Regime = rres
	if !rres.Passed {
		o.admit.Unlock()
		metrics.Rejections.WithLabelValues(string(apperr.CodeRegimeBlocked)).Inc()
		o.terminate(rec, intent.StatusRejected, apperr.CodeRegimeBlocked, StageValidate, rres.Reason())
		return false
	}
	vres = o.Validator.ValidateAggregate([]*intent.Intent{in})
	o.admit.Unlock()
	out.Escalation = out.Escalation || vres.Escalation
	if !vres.Valid {
		o.terminate(rec, intent.StatusRejected, vres.Code, StageValidate, vres.Reason)
		return false
	}

	out.Warnings = append(out.Warnings, rres.Warnings...)
	o.mu.Lock()
	o.setStatusLocked(rec, intent.StatusValidated)
	o.mu.Unlock()
	o.emit(event.IntentValidated, in.ID, StageValidate, map[string]interface{}{
		"regime":     rres.Regime,
		"risk_score": rres.RiskScore,
		"warnings":   rres.Warnings,
		"flags":      rres.Flags,
		"escalation": out.Escalation,
	})
	return true
}

func (o *Orchestrator) attest(ctx context.Context, rec *record, in *intent.Intent) (*intent.SignedIntent, bool) {
	out := rec.out
	si, err := o.Signer.Sign(in)
	if err != nil {
		o.Validator.Release(in)
		o.terminate(rec, intent.StatusFailed, apperr.CodeSigningFailed, StageAttest, err.Error())
		return nil, false
	}
	if err := o.Attestor.AddToBatch(si); err != nil {
		o.Validator.Release(in)
		o.terminate(rec, intent.StatusFailed, apperr.CodeSigningFailed, StageAttest, err.Error())
		return nil, false
	}
	out.Signed = si

	force := o.forceOnSubmit.Load()
	if force || o.Attestor.IsBatchReady() {
		if _, err := o.Attestor.Flush(ctx, force); err != nil {
			// Anchoring is retried by the next flush; the intent stays batched.
			o.logger.Warn("flush on submit failed", "intent_id", in.ID, "err", err)
		}
	}
	if b, ok := o.Attestor.BatchForIntent(in.ID); ok {
		out.BatchID = b.ID
	}
	o.mu.Lock()
	o.setStatusLocked(rec, intent.StatusAttested)
	o.mu.Unlock()
	return si, true
}

func (o *Orchestrator) account(ctx context.Context, rec *record, in *intent.Intent, rr *venue.RouteResult) {
	out := rec.out
	entry, err := o.Ledger.RecordSettlement(ctx, in, rr)
	o.Regime.RecordTransaction(in.Amount, o.now())

	o.mu.Lock()
	o.setStatusLocked(rec, intent.StatusSettled)
	o.mu.Unlock()
	out.Status = intent.StatusSettled
	if err != nil {
		out.Code = codeOr(err, apperr.CodeAccountingFailed)
		out.Stage = StageAccount
		out.Reason = reasonOf(err)
		o.logger.Error("settled intent could not be booked", "intent_id", in.ID, "venue", rr.VenueID, "err", err)
	} else {
		out.Entry = entry
		for _, f := range entry.AuditFlags {
			out.Warnings = append(out.Warnings, "audit: "+string(f))
		}
	}
	payload := map[string]interface{}{
		"venue":        rr.VenueID,
		"reference_id": rr.ReferenceID,
		"amount":       in.Amount.String(),
		"asset":        in.Asset,
		"fee_paid":     rr.FeePaid.String(),
	}
	if entry != nil {
		payload["entry_id"] = entry.ID
		payload["gain_loss"] = entry.GainLoss.String()
	}
	if out.Code != "" {
		payload["code"] = string(out.Code)
	}
	o.emit(event.IntentSettled, in.ID, StageAccount, payload)
}

// cancelRequested ends the flow if Cancel was called during validation.
func (o *Orchestrator) cancelRequested(rec *record, in *intent.Intent) bool {
	o.mu.Lock()
	c := rec.cancelled
	o.mu.Unlock()
	if !c {
		return false
	}
	o.Validator.Release(in)
	o.terminate(rec, intent.StatusFailed, apperr.CodeCancelled, StageValidate, "cancelled before attestation")
	return true
}

// terminate ends the flow with a failure status and emits intent.rejected.
func (o *Orchestrator) terminate(rec *record, status intent.Status, code apperr.Code, stage, reason string) {
	out := rec.out
	out.Status = status
	out.Code = code
	out.Stage = stage
	out.Reason = reason
	o.mu.Lock()
	o.setStatusLocked(rec, status)
	o.mu.Unlock()
	o.logger.Info("intent ended", "intent_id", out.IntentID, "status", status, "code", code, "stage", stage, "reason", reason)
	o.emit(event.IntentRejected, out.IntentID, stage, map[string]interface{}{
		"status": string(status),
		"code":   string(code),
		"reason": reason,
	})
}

func (o *Orchestrator) finish(rec *record) *Outcome {
	out := rec.out
	out.CompletedAt = o.now().UTC()
	o.mu.Lock()
	out.Status = rec.in.Status
	out.Intent = rec.in.Clone()
	rec.final = out.copy()
	final := rec.final.copy()
	o.mu.Unlock()
	close(rec.done)
	metrics.IntentsCompleted.WithLabelValues(string(final.Status)).Inc()
	return final
}

// setStatusLocked applies a legal lifecycle transition. Illegal transitions
// are logged and ignored.
func (o *Orchestrator) setStatusLocked(rec *record, to intent.Status) {
	from := rec.in.Status
	if from == to {
		return
	}
	if !intent.CanTransition(from, to) {
		o.logger.Error("illegal status transition", "intent_id", rec.in.ID, "from", from, "to", to)
		return
	}
	rec.in.Status = to
}

func (o *Orchestrator) timed(out *Outcome, stage string, start time.Time) {
	d := o.now().Sub(start)
	out.Timings = append(out.Timings, StageTiming{Stage: stage, Duration: d})
	observe(stage, d)
}

func (o *Orchestrator) emit(t event.Type, intentID, stage string, payload map[string]interface{}) {
	ev := event.New(t, payload)
	ev.IntentID = intentID
	ev.Stage = stage
	o.bus.Publish(ev)
}

// evictLocked drops the oldest terminal records beyond maxRecords.
func (o *Orchestrator) evictLocked() {
	if len(o.records) <= maxRecords {
		return
	}
	kept := o.order[:0]
	excess := len(o.records) - maxRecords
	for _, id := range o.order {
		if rec := o.records[id]; excess > 0 && rec.final != nil {
			delete(o.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Orchestrator) forgetLocked(id string) {
	delete(o.records, id)
	for i, x := range o.order {
		if x == id {
			o.order = append(o.order[:i:i], o.order[i+1:]...)
			return
		}
	}
}

// Cancel asks for an intent that has not started routing to be withdrawn.
// The flow honours it at its next stage boundary and ends as failed with
// code CANCELLED. An intent already cut into a batch cannot be withdrawn,
// including one batched between Cancel and that boundary.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	if rec.final != nil || rec.in.Status == intent.StatusRouting || rec.in.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, rec.in.Status)
	}
	if rec.in.Status == intent.StatusAttested {
		if _, batched := o.Attestor.BatchForIntent(id); batched {
			return fmt.Errorf("%w: %s is already in a batch", ErrNotCancellable, id)
		}
	}
	rec.cancelled = true
	return nil
}

// Intent returns a snapshot of an intent and its current status.
func (o *Orchestrator) Intent(id string) (*intent.Intent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return nil, false
	}
	return rec.in.Clone(), true
}

// Outcome returns the terminal outcome of an intent, once there is one.
func (o *Orchestrator) Outcome(id string) (*Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok || rec.final == nil {
		return nil, false
	}
	return rec.final.copy(), true
}

// Intents returns snapshots of every known intent, oldest first.
func (o *Orchestrator) Intents() []*intent.Intent {
	o.mu.Lock()
	out := make([]*intent.Intent, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.records[id].in.Clone())
	}
	o.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func observe(stage string, d time.Duration) {
	metrics.StageDuration.WithLabelValues(stage).Observe(float64(d) / float64(time.Millisecond))
}

// reasonOf strips the code and stage an *apperr.Error already carries, so
// Outcome.Err does not repeat them.
func reasonOf(err error) string {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return err.Error()
	}
	switch {
	case ae.Err == nil:
		return ae.Reason
	case ae.Reason == "":
		return ae.Err.Error()
	default:
		return ae.Reason + ": " + ae.Err.Error()
	}
}

func codeOr(err error, fallback apperr.Code) apperr.Code {
	if c := apperr.CodeOf(err); c != "" {
		return c
	}
	return fallback
}
