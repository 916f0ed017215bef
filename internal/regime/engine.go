package regime

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/condition"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
)

// Stats are the running daily totals used to project daily volume.
type Stats struct {
	Day    string          `json:"day"`
	Volume decimal.Decimal `json:"volume"`
	Count  int             `json:"count"`
	Regime string          `json:"regime"`
}

// Engine validates intents against the active regime. The regime is swapped
// atomically; daily totals only advance through RecordTransaction.
type Engine struct {
	active atomic.Pointer[Regime]
	bus    *event.Bus
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	day    string
	volume decimal.Decimal
	count  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithBus shares an event bus with other components.
func WithBus(b *event.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an Engine with r active.
func NewEngine(r *Regime, opts ...Option) *Engine {
	e := &Engine{now: time.Now, logger: slog.Default(), volume: decimal.Zero}
	for _, o := range opts {
		o(e)
	}
	if e.bus == nil {
		e.bus = event.NewBus(e.logger)
	}
	e.active.Store(r)
	return e
}

// Active returns the current regime.
func (e *Engine) Active() *Regime {
	return e.active.Load()
}

// Summary returns the active regime's summary.
func (e *Engine) Summary() string {
	return e.Active().Summary()
}

// Subscribe registers h for regime.updated events.
func (e *Engine) Subscribe(h event.Handler) func() {
	return e.bus.Subscribe(h)
}

// Swap atomically replaces the active regime. The next Validate call sees
// the new rules; daily totals are kept.
func (e *Engine) Swap(r *Regime) {
	prev := e.active.Swap(r)
	prevName := ""
	if prev != nil {
		prevName = prev.Name
	}
	e.logger.Info("regime swapped", "from", prevName, "to", r.Name, "version", r.Version, "rules", r.RuleCount())
	e.bus.Publish(event.New(event.RegimeUpdated, map[string]interface{}{
		"previous":   prevName,
		"regime":     r.Name,
		"version":    r.Version,
		"daily_cap":  r.Limits.DailyCap.String(),
		"per_tx_cap": r.Limits.PerTxCap.String(),
	}))
}

// UsePreset hot-swaps to a built-in preset.
func (e *Engine) UsePreset(name string) error {
	r, err := BuildPreset(name)
	if err != nil {
		return err
	}
	e.Swap(r)
	return nil
}

// WithLimits swaps in a copy of the active regime with new caps.
func (e *Engine) WithLimits(dailyCap, perTxCap decimal.Decimal) {
	e.Swap(e.Active().WithLimits(dailyCap, perTxCap))
}

// Validate evaluates in against the active regime. It never mutates state.
// extra adds caller-supplied context fields; built-in fields win on conflict.
func (e *Engine) Validate(in *intent.Intent, extra map[string]interface{}) *Result {
	reg := e.Active()
	before, count := e.projectedBase()

	projected := before.Add(in.Amount)
	risk := riskScore(in.Amount, projected, reg.Limits)
	ctx := buildContext(in, reg, before, projected, count+1, risk, e.now(), extra)
	return evaluate(reg, ctx, risk)
}

// RecordTransaction advances the daily totals after a settlement.
func (e *Engine) RecordTransaction(amount decimal.Decimal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(at)
	e.volume = e.volume.Add(amount)
	e.count++
}

// Stats returns today's totals.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.now())
	return Stats{Day: e.day, Volume: e.volume, Count: e.count, Regime: e.Active().Name}
}

func (e *Engine) projectedBase() (decimal.Decimal, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.day != dayKey(e.now()) {
		return decimal.Zero, 0
	}
	return e.volume, e.count
}

func (e *Engine) rolloverLocked(at time.Time) {
	if d := dayKey(at); d != e.day {
		e.day = d
		e.volume = decimal.Zero
		e.count = 0
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func buildContext(in *intent.Intent, reg *Regime, before, projected decimal.Decimal, txCount, risk int, now time.Time, extra map[string]interface{}) condition.Fields {
	ctx := make(condition.Fields, len(extra)+20)
	for k, v := range extra {
		ctx[k] = v
	}
	now = now.UTC()
	ctx["amount"] = in.Amount
	ctx["asset"] = in.Asset
	ctx["payer"] = in.Payer
	ctx["payee"] = in.Payee
	ctx["venue"] = in.Constraints.TargetVenue
	ctx["daily_total_before"] = before
	ctx["daily_total"] = projected
	ctx["tx_count"] = txCount
	ctx["hour"] = now.Hour()
	ctx["weekday"] = now.Weekday().String()
	ctx["per_tx_limit"] = reg.Limits.PerTxCap
	ctx["daily_limit"] = reg.Limits.DailyCap
	ctx["max_tx_per_day"] = reg.Limits.MaxTxPerDay
	ctx["allowed_assets"] = reg.Limits.AllowedAssets
	ctx["allowed_venues"] = reg.Limits.AllowedVenues
	ctx["risk_score"] = risk
	ctx["max_fee"] = in.Constraints.MaxFee
	ctx["slippage_bps"] = in.Constraints.SlippageBps
	meta := make(map[string]interface{}, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}
	ctx["metadata"] = meta
	return ctx
}
