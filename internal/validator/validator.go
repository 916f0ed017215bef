// Package validator checks payment intents for structural validity and for
// aggregate safety across a batch, and owns the per-day aggregate state.
package validator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
)

const (
	ModeTest = "test"
	ModeLive = "live"

	stage         = "validate"
	recentWindow  = 100
	rejectionsCap = 1000
)

var hundred = decimal.NewFromInt(100)

// Limits are the validator's knobs. A zero cap disables that check.
type Limits struct {
	DailyCap             decimal.Decimal `json:"daily_cap"`
	PerTxCap             decimal.Decimal `json:"per_tx_cap"`
	ConcentrationPct     decimal.Decimal `json:"concentration_pct"`
	DivergenceMultiple   decimal.Decimal `json:"divergence_multiple"`
	DivergenceMinSamples int             `json:"divergence_min_samples"`
	RejectionStreak      int             `json:"rejection_streak"`
	RejectionWindow      time.Duration   `json:"rejection_window"`
	AllowedAssets        []string        `json:"allowed_assets"`
	AllowSelfPayment     bool            `json:"allow_self_payment"`
}

// LimitsFromConfig converts the config section.
func LimitsFromConfig(c config.LimitsConf) Limits {
	assets := make([]string, len(c.AllowedAssets))
	for i, a := range c.AllowedAssets {
		assets[i] = strings.ToUpper(a)
	}
	return Limits{
		DailyCap:             c.DailyCap,
		PerTxCap:             c.PerTxCap,
		ConcentrationPct:     c.ConcentrationPct,
		DivergenceMultiple:   c.DivergenceMultiple,
		DivergenceMinSamples: c.DivergenceMinSamples,
		RejectionStreak:      c.RejectionStreak,
		RejectionWindow:      c.RejectionWindow,
		AllowedAssets:        assets,
		AllowSelfPayment:     c.AllowSelfPayment,
	}
}

// Result is a validation decision. Escalation is a signal, not a block.
type Result struct {
	Valid      bool        `json:"valid"`
	Code       apperr.Code `json:"code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	IntentID   string      `json:"intent_id,omitempty"`
	Escalation bool        `json:"escalation"`
}

// Err returns the result as a coded error, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &apperr.Error{Code: r.Code, Stage: stage, Reason: r.Reason}
}

// Rejection is one entry of the rejection log.
type Rejection struct {
	IntentID string      `json:"intent_id"`
	Code     apperr.Code `json:"code"`
	Reason   string      `json:"reason"`
	At       time.Time   `json:"at"`
}

// Sample is one accepted intent in the recent window.
type Sample struct {
	IntentID string          `json:"intent_id"`
	Payee    string          `json:"payee"`
	Amount   decimal.Decimal `json:"amount"`
	At       time.Time       `json:"at"`
}

// State is a copy of the aggregate state.
type State struct {
	Day           string                     `json:"day"`
	DailyVolume   decimal.Decimal            `json:"daily_volume"`
	Concentration map[string]decimal.Decimal `json:"concentration"`
	Contributions int                        `json:"contributions"`
	Recent        []Sample                   `json:"recent"`
	Rejections    []Rejection                `json:"rejections"`
}

// Validator holds the aggregate validation state. All methods are safe for
// concurrent use; aggregate checks and commits happen under one lock.
type Validator struct {
	mu     sync.Mutex
	limits Limits
	mode   string

	day           string
	dailyVolume   decimal.Decimal
	concentration map[string]decimal.Decimal
	contributions int
	recent        []Sample
	accepted      map[string]Sample // today's accepted intents by id
	rejections    []Rejection
	escalated     bool

	now    func() time.Time
	bus    *event.Bus
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

// WithBus shares an event bus with other components.
func WithBus(b *event.Bus) Option { return func(v *Validator) { v.bus = b } }

// WithLogger sets the validator's logger.
func WithLogger(l *slog.Logger) Option { return func(v *Validator) { v.logger = l } }

// New creates a Validator for mode ("test" or "live").
func New(limits Limits, mode string, opts ...Option) *Validator {
	v := &Validator{
		limits:        limits,
		mode:          mode,
		dailyVolume:   decimal.Zero,
		concentration: make(map[string]decimal.Decimal),
		accepted:      make(map[string]Sample),
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	if v.bus == nil {
		v.bus = event.NewBus(v.logger)
	}
	return v
}

// Subscribe registers h for escalation.alert events.
func (v *Validator) Subscribe(h event.Handler) func() {
	return v.bus.Subscribe(h)
}

// SetMode switches between test and live mode.
func (v *Validator) SetMode(mode string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
}

// Mode returns the current mode.
func (v *Validator) Mode() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

// SetLimits replaces the limits. Aggregate state is kept.
func (v *Validator) SetLimits(l Limits) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits = l
}

// Limits returns the current limits.
func (v *Validator) Limits() Limits {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limits
}

// ValidateSingle checks one intent's structural invariants and fails fast
// on the first violation. Aggregate state is never touched; a rejection is
// added to the rejection log.
func (v *Validator) ValidateSingle(in *intent.Intent) Result {
	v.mu.Lock()
	lim, mode := v.limits, v.mode
	v.mu.Unlock()

	res := checkSingle(in, lim, mode, v.now())
	if res.Valid {
		return res
	}
	v.mu.Lock()
	ev := v.rejectLocked([]*intent.Intent{in}, res.Code, res.Reason)
	res.Escalation = v.escalatedLocked()
	v.mu.Unlock()
	v.publish(ev)
	return res
}

func checkSingle(in *intent.Intent, lim Limits, mode string, now time.Time) Result {
	fail := func(code apperr.Code, format string, args ...interface{}) Result {
		return Result{Code: code, Reason: fmt.Sprintf(format, args...), IntentID: in.ID}
	}
	switch {
	case !in.Amount.IsPositive():
		return fail(apperr.CodeInvalidAmount, "amount %s must be positive", in.Amount)
	case lim.PerTxCap.IsPositive() && in.Amount.GreaterThan(lim.PerTxCap):
		return fail(apperr.CodeExceedsTxCap, "amount %s exceeds per-transaction cap %s", in.Amount, lim.PerTxCap)
	case strings.TrimSpace(in.Payer) == "" || strings.TrimSpace(in.Payee) == "":
		return fail(apperr.CodeMissingParty, "payer and payee are required")
	case intent.IsPlaceholderHash(in.Proofs.PolicyHash):
		return fail(apperr.CodeMissingPolicyHash, "policy hash %q is missing or a placeholder", in.Proofs.PolicyHash)
	case in.Payer == in.Payee && !(mode == ModeTest && lim.AllowSelfPayment):
		return fail(apperr.CodeSelfPayment, "payer and payee are both %q", in.Payer)
	case len(lim.AllowedAssets) > 0 && !contains(lim.AllowedAssets, in.Asset):
		return fail(apperr.CodeAssetNotAllowed, "asset %q is not in %v", in.Asset, lim.AllowedAssets)
	case !in.ExpiresAt.After(in.CreatedAt):
		return fail(apperr.CodeInvalidExpiry, "expiry %s is not after creation %s",
			in.ExpiresAt.Format(time.RFC3339), in.CreatedAt.Format(time.RFC3339))
	case in.Expired(now):
		return fail(apperr.CodeExpired, "intent expired at %s", in.ExpiresAt.Format(time.RFC3339))
	}
	return Result{Valid: true, IntentID: in.ID}
}

// ValidateAggregate checks batch-level safety and, on success, commits the
// batch into the aggregate state under the same lock. A rejection leaves
// volume, concentration and the recent window untouched.
func (v *Validator) ValidateAggregate(ins []*intent.Intent) Result {
	if len(ins) == 0 {
		return Result{Code: apperr.CodeEmptyBatch, Reason: "batch is empty"}
	}
	v.mu.Lock()
	v.rolloverLocked(v.now())

	if res := v.checkAggregateLocked(ins); !res.Valid {
		ev := v.rejectLocked(ins, res.Code, res.Reason)
		res.Escalation = v.escalatedLocked()
		v.mu.Unlock()
		v.publish(ev)
		return res
	}
	v.commitLocked(ins)
	res := Result{Valid: true, Escalation: v.escalatedLocked()}
	if len(ins) == 1 {
		res.IntentID = ins[0].ID
	}
	v.mu.Unlock()
	return res
}

// ValidateFull validates every intent individually before touching the
// aggregate state, then validates the batch.
func (v *Validator) ValidateFull(ins []*intent.Intent) Result {
	for _, in := range ins {
		if res := v.ValidateSingle(in); !res.Valid {
			return res
		}
	}
	return v.ValidateAggregate(ins)
}

func (v *Validator) checkAggregateLocked(ins []*intent.Intent) Result {
	lim := v.limits
	batch := decimal.Zero
	for _, in := range ins {
		batch = batch.Add(in.Amount)
	}
	total := v.dailyVolume.Add(batch)

	if lim.DailyCap.IsPositive() && total.GreaterThan(lim.DailyCap) {
		return Result{
			Code: apperr.CodeDailyCapExceeded,
			Reason: fmt.Sprintf("projected daily volume %s (current %s + batch %s) exceeds cap %s",
				total, v.dailyVolume, batch, lim.DailyCap),
			IntentID: firstID(ins),
		}
	}

	// Concentration is a share, so it only means something once there are
	// at least two contributions to compare.
	if lim.ConcentrationPct.IsPositive() && v.contributions+len(ins) >= 2 && total.IsPositive() {
		projected := make(map[string]decimal.Decimal, len(ins))
		for _, in := range ins {
			prev, ok := projected[in.Payee]
			if !ok {
				prev = v.concentration[in.Payee]
			}
			projected[in.Payee] = prev.Add(in.Amount)
		}
		for _, in := range ins {
			share := projected[in.Payee].Mul(hundred).Div(total)
			if share.GreaterThan(lim.ConcentrationPct) {
				return Result{
					Code: apperr.CodeConcentrationExceeded,
					Reason: fmt.Sprintf("payee %q would receive %s%% of daily volume (limit %s%%)",
						in.Payee, share.StringFixed(2), lim.ConcentrationPct),
					IntentID: in.ID,
				}
			}
		}
	}

	if lim.DivergenceMultiple.IsPositive() && len(v.recent) >= max(lim.DivergenceMinSamples, 1) {
		trailing := decimal.Zero
		for _, s := range v.recent {
			trailing = trailing.Add(s.Amount)
		}
		trailing = trailing.Div(decimal.NewFromInt(int64(len(v.recent))))
		avg := batch.Div(decimal.NewFromInt(int64(len(ins))))
		upper := trailing.Mul(lim.DivergenceMultiple)
		lower := trailing.Div(lim.DivergenceMultiple)
		if avg.GreaterThan(upper) || avg.LessThan(lower) {
			return Result{
				Code: apperr.CodeAverageDivergence,
				Reason: fmt.Sprintf("batch average %s diverges more than %sx from trailing average %s",
					avg.StringFixed(4), lim.DivergenceMultiple, trailing.StringFixed(4)),
				IntentID: firstID(ins),
			}
		}
	}
	return Result{Valid: true}
}

func (v *Validator) commitLocked(ins []*intent.Intent) {
	now := v.now()
	for _, in := range ins {
		v.dailyVolume = v.dailyVolume.Add(in.Amount)
		v.concentration[in.Payee] = v.concentration[in.Payee].Add(in.Amount)
		v.contributions++
		s := Sample{IntentID: in.ID, Payee: in.Payee, Amount: in.Amount, At: now}
		v.recent = append(v.recent, s)
		v.accepted[in.ID] = s
	}
	if n := len(v.recent); n > recentWindow {
		v.recent = append([]Sample(nil), v.recent[n-recentWindow:]...)
	}
}

// Release reverses an accepted intent's contribution to today's totals. It
// is used when an admitted intent never settles. Returns false if the
// intent was not accepted today or was already released.
func (v *Validator) Release(in *intent.Intent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rolloverLocked(v.now())
	s, ok := v.accepted[in.ID]
	if !ok {
		return false
	}
	delete(v.accepted, in.ID)

	v.dailyVolume = nonNegative(v.dailyVolume.Sub(s.Amount))
	if c := v.concentration[s.Payee].Sub(s.Amount); c.IsPositive() {
		v.concentration[s.Payee] = c
	} else {
		delete(v.concentration, s.Payee)
	}
	if v.contributions > 0 {
		v.contributions--
	}
	for i, r := range v.recent {
		if r.IntentID == in.ID {
			v.recent = append(v.recent[:i:i], v.recent[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns a deep copy of the aggregate state.
func (v *Validator) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rolloverLocked(v.now())
	conc := make(map[string]decimal.Decimal, len(v.concentration))
	for k, d := range v.concentration {
		conc[k] = d
	}
	return State{
		Day:           v.day,
		DailyVolume:   v.dailyVolume,
		Concentration: conc,
		Contributions: v.contributions,
		Recent:        append([]Sample(nil), v.recent...),
		Rejections:    append([]Rejection(nil), v.rejections...),
	}
}

// rolloverLocked zeroes the daily totals when the date changes. The
// rejection log and recent window are kept.
func (v *Validator) rolloverLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day == v.day {
		return
	}
	if v.day != "" {
		v.logger.Info("validator day rollover", "from", v.day, "to", day, "volume", v.dailyVolume.String())
	}
	v.day = day
	v.dailyVolume = decimal.Zero
	v.concentration = make(map[string]decimal.Decimal)
	v.contributions = 0
	v.accepted = make(map[string]Sample)
}

// rejectLocked logs a rejection per intent and returns the escalation event
// to publish, if the streak threshold was just reached.
func (v *Validator) rejectLocked(ins []*intent.Intent, code apperr.Code, reason string) *event.Event {
	now := v.now()
	for _, in := range ins {
		v.rejections = append(v.rejections, Rejection{IntentID: in.ID, Code: code, Reason: reason, At: now})
	}
	if n := len(v.rejections); n > rejectionsCap {
		v.rejections = append([]Rejection(nil), v.rejections[n-rejectionsCap:]...)
	}
	metrics.Rejections.WithLabelValues(string(code)).Add(float64(len(ins)))

	count := v.streakLocked(now)
	if v.limits.RejectionStreak <= 0 || count < v.limits.RejectionStreak {
		v.escalated = false
		return nil
	}
	if v.escalated {
		return nil
	}
	v.escalated = true
	metrics.Escalations.Inc()
	v.logger.Warn("rejection streak reached", "rejections", count, "window", v.limits.RejectionWindow, "last_code", code)
	ev := event.New(event.EscalationAlert, map[string]interface{}{
		"rejections": count,
		"threshold":  v.limits.RejectionStreak,
		"window":     v.limits.RejectionWindow.String(),
		"last_code":  string(code),
	})
	ev.IntentID = firstID(ins)
	ev.Stage = stage
	return &ev
}

func (v *Validator) escalatedLocked() bool {
	if v.limits.RejectionStreak <= 0 {
		return false
	}
	if v.streakLocked(v.now()) < v.limits.RejectionStreak {
		v.escalated = false
		return false
	}
	return true
}

func (v *Validator) streakLocked(now time.Time) int {
	window := v.limits.RejectionWindow
	if window <= 0 {
		window = time.Hour
	}
	cutoff := now.Add(-window)
	n := 0
	for i := len(v.rejections) - 1; i >= 0 && v.rejections[i].At.After(cutoff); i-- {
		n++
	}
	return n
}

func (v *Validator) publish(ev *event.Event) {
	if ev != nil {
		v.bus.Publish(*ev)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func firstID(ins []*intent.Intent) string {
	if len(ins) == 0 {
		return ""
	}
	return ins[0].ID
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
