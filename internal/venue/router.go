package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
)

const (
	stage      = "route"
	historyCap = 10000
)

var (
	ErrNoEligibleVenue = errors.New("venue: no eligible venue")
	ErrUnknownVenue    = errors.New("venue: unknown venue")
)

// BreakerConfig tunes the per-venue circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration // open -> half-open
	MaxRequests         uint32        // allowed in half-open
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again
// after 30s.
var DefaultBreakerConfig = BreakerConfig{ConsecutiveFailures: 5, Timeout: 30 * time.Second, MaxRequests: 1}

// Decision is the routing plan for one intent.
type Decision struct {
	Venue            Venue           `json:"venue"`
	Alternatives     []Venue         `json:"alternatives"`
	EstimatedFee     decimal.Decimal `json:"estimated_fee"`
	EstimatedLatency time.Duration   `json:"estimated_latency"`
	Reason           string          `json:"reason,omitempty"`
}

// Attempt is one executor call.
type Attempt struct {
	VenueID     string        `json:"venue_id"`
	Success     bool          `json:"success"`
	ReferenceID string        `json:"reference_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// RouteResult is the outcome of routing one intent. VenueID is the venue
// that settled it, or the last venue attempted on failure.
type RouteResult struct {
	IntentID     string          `json:"intent_id"`
	VenueID      string          `json:"venue_id"`
	Success      bool            `json:"success"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	FeePaid      decimal.Decimal `json:"fee_paid"`
	FillPercent  decimal.Decimal `json:"fill_percent"`
	FallbackUsed bool            `json:"fallback_used"`
	Attempts     []Attempt       `json:"attempts"`
	Error        string          `json:"error,omitempty"`
	At           time.Time       `json:"at"`
	Duration     time.Duration   `json:"duration"`
}

// VenueStats are per-venue attempt counters.
type VenueStats struct {
	Attempts  int    `json:"attempts"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Breaker   string `json:"breaker"`
}

// Stats summarizes the route history.
type Stats struct {
	Total       int                    `json:"total"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	Fallbacks   int                    `json:"fallbacks"`
	SuccessRate float64                `json:"success_rate"`
	PerVenue    map[string]*VenueStats `json:"per_venue"`
}

// Router picks venues and executes with fallback.
type Router struct {
	mu       sync.RWMutex
	venues   map[string]Venue
	registry *Registry
	breakers map[string]*gobreaker.CircuitBreaker
	bcfg     BreakerConfig

	histMu  sync.Mutex
	history []RouteResult
	stats   Stats

	bus    *event.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithBus shares an event bus with other components.
func WithBus(b *event.Bus) Option { return func(r *Router) { r.bus = b } }

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithBreaker overrides DefaultBreakerConfig.
func WithBreaker(c BreakerConfig) Option { return func(r *Router) { r.bcfg = c } }

// NewRouter creates a Router over venues, executing through reg.
func NewRouter(venues []Venue, reg *Registry, opts ...Option) *Router {
	r := &Router{
		venues:   make(map[string]Venue, len(venues)),
		registry: reg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		bcfg:     DefaultBreakerConfig,
		stats:    Stats{PerVenue: make(map[string]*VenueStats)},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.bus == nil {
		r.bus = event.NewBus(r.logger)
	}
	for _, v := range venues {
		r.venues[v.ID] = v.clone()
		r.breakers[v.ID] = r.newBreaker(v.ID)
	}
	return r
}

func (r *Router) newBreaker(venueID string) *gobreaker.CircuitBreaker {
	cfg := r.bcfg
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "venue-" + venueID,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("venue breaker state changed", "venue", venueID, "from", from.String(), "to", to.String())
		},
	})
}

// Subscribe registers h for intent.routed events.
func (r *Router) Subscribe(h event.Handler) func() {
	return r.bus.Subscribe(h)
}

// Venues returns the configured venues in priority order.
func (r *Router) Venues() []Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Venue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v.clone())
	}
	sortVenues(out)
	return out
}

// SetEnabled toggles a venue. It takes effect on the next decision.
func (r *Router) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.venues[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	v.Enabled = enabled
	r.venues[id] = v
	return nil
}

// SetPriority changes a venue's priority. It takes effect on the next
// decision.
func (r *Router) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.venues[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	v.Priority = priority
	r.venues[id] = v
	return nil
}

// DecideRoute filters venues to those eligible for in, sorted by priority.
// The requested venue wins when eligible; otherwise the top venue is chosen
// and Reason says why the request was dropped.
func (r *Router) DecideRoute(in *intent.Intent) (*Decision, error) {
	all := r.Venues()
	var eligible []Venue
	why := make(map[string]string)
	for _, v := range all {
		if reason := r.ineligible(v, in); reason != "" {
			why[v.ID] = reason
			continue
		}
		eligible = append(eligible, v)
	}
	if len(eligible) == 0 {
		reasons := make([]string, 0, len(why))
		for _, v := range all {
			reasons = append(reasons, v.ID+": "+why[v.ID])
		}
		return nil, apperr.Wrap(ErrNoEligibleVenue, apperr.CodeNoEligibleVenue, stage,
			fmt.Sprintf("%s %s [%s]", in.Amount, in.Asset, strings.Join(reasons, "; ")))
	}

	chosen := 0
	reason := ""
	if req := in.Constraints.TargetVenue; req != "" {
		found := false
		for i, v := range eligible {
			if v.ID == req {
				chosen, found = i, true
				break
			}
		}
		if !found {
			w, known := why[req]
			if !known {
				w = "unknown venue"
			}
			reason = fmt.Sprintf("requested venue %q dropped: %s", req, w)
		}
	}

	d := &Decision{Venue: eligible[chosen], Reason: reason}
	for i, v := range eligible {
		if i != chosen {
			d.Alternatives = append(d.Alternatives, v)
		}
	}
	d.EstimatedFee = d.Venue.EstimateFee(in.Amount)
	d.EstimatedLatency = d.Venue.Latency
	return d, nil
}

func (r *Router) ineligible(v Venue, in *intent.Intent) string {
	switch {
	case !v.Enabled:
		return "disabled"
	case v.MaxAmount.IsPositive() && in.Amount.GreaterThan(v.MaxAmount):
		return fmt.Sprintf("amount above venue max %s", v.MaxAmount)
	case !v.Supports(in.Asset):
		return fmt.Sprintf("asset %s not supported", in.Asset)
	case !r.registry.Has(v.ID):
		return "no executor"
	case in.Constraints.MaxFee.IsPositive() && v.EstimateFee(in.Amount).GreaterThan(in.Constraints.MaxFee):
		return fmt.Sprintf("estimated fee %s above max fee %s", v.EstimateFee(in.Amount), in.Constraints.MaxFee)
	}
	return ""
}

// Route decides and executes. On failure of the chosen venue it falls back
// through the alternatives in order. The returned error is nil only when a
// venue settled the intent.
func (r *Router) Route(ctx context.Context, si *intent.SignedIntent) (*RouteResult, error) {
	d, err := r.DecideRoute(&si.Intent)
	if err != nil {
		return nil, err
	}
	if d.Reason != "" {
		r.logger.Info("requested venue not used", "intent_id", si.Intent.ID, "reason", d.Reason, "venue", d.Venue.ID)
	}
	start := r.now()
	res := &RouteResult{IntentID: si.Intent.ID, At: start.UTC()}

	att, ex := r.attempt(ctx, d.Venue, si)
	res.Attempts = append(res.Attempts, att)
	if att.Success {
		settle(res, d.Venue.ID, ex)
	} else {
		r.executeFallback(ctx, si, d, res)
	}
	res.Duration = r.now().Sub(start)

	r.record(res)
	r.publish(res)
	if !res.Success {
		return res, apperr.New(apperr.CodeRouteFailed, stage,
			"all %d venue attempts failed, last %s: %s", len(res.Attempts), res.VenueID, res.Error)
	}
	return res, nil
}

// executeFallback tries each alternative in order and stops at the first
// success. Caller cancellation does not cut the chain short; executors own
// their timeouts.
func (r *Router) executeFallback(ctx context.Context, si *intent.SignedIntent, d *Decision, res *RouteResult) {
	res.VenueID = d.Venue.ID
	res.Error = res.Attempts[len(res.Attempts)-1].Error
	for _, alt := range d.Alternatives {
		r.logger.Warn("venue failed, falling back", "intent_id", si.Intent.ID, "failed", res.VenueID, "next", alt.ID, "err", res.Error)
		att, ex := r.attempt(ctx, alt, si)
		res.Attempts = append(res.Attempts, att)
		res.VenueID = alt.ID
		if att.Success {
			settle(res, alt.ID, ex)
			res.FallbackUsed = true
			metrics.FallbacksUsed.Inc()
			return
		}
		res.Error = att.Error
	}
}

func settle(res *RouteResult, venueID string, ex *Execution) {
	res.VenueID = venueID
	res.Success = true
	res.Error = ""
	res.ReferenceID = ex.ReferenceID
	res.FeePaid = ex.FeePaid
	res.FillPercent = ex.FillPercent
}

// attempt runs one executor call through the venue's breaker. An open
// breaker counts as a failed attempt.
func (r *Router) attempt(ctx context.Context, v Venue, si *intent.SignedIntent) (Attempt, *Execution) {
	r.mu.RLock()
	cb := r.breakers[v.ID]
	r.mu.RUnlock()

	start := r.now()
	out, err := cb.Execute(func() (interface{}, error) {
		exec, err := r.registry.Get(v.ID)
		if err != nil {
			return nil, err
		}
		ex, err := exec.Execute(ctx, si)
		if err != nil {
			return nil, err
		}
		if ex == nil || !ex.Success {
			msg := "execution failed"
			if ex != nil && ex.Error != "" {
				msg = ex.Error
			}
			return nil, errors.New(msg)
		}
		return ex, nil
	})
	att := Attempt{VenueID: v.ID, Duration: r.now().Sub(start)}
	if err != nil {
		att.Error = err.Error()
		metrics.RouteAttempts.WithLabelValues(v.ID, "failure").Inc()
		return att, nil
	}
	ex := out.(*Execution)
	att.Success = true
	att.ReferenceID = ex.ReferenceID
	metrics.RouteAttempts.WithLabelValues(v.ID, "success").Inc()
	return att, ex
}

func (r *Router) record(res *RouteResult) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	r.history = append(r.history, *res)
	if n := len(r.history); n > historyCap {
		r.history = append([]RouteResult(nil), r.history[n-historyCap:]...)
	}
	r.stats.Total++
	if res.Success {
		r.stats.Succeeded++
	} else {
		r.stats.Failed++
	}
	if res.FallbackUsed {
		r.stats.Fallbacks++
	}
	for _, a := range res.Attempts {
		vs, ok := r.stats.PerVenue[a.VenueID]
		if !ok {
			vs = &VenueStats{}
			r.stats.PerVenue[a.VenueID] = vs
		}
		vs.Attempts++
		if a.Success {
			vs.Successes++
		} else {
			vs.Failures++
		}
	}
}

func (r *Router) publish(res *RouteResult) {
	ev := event.New(event.IntentRouted, map[string]interface{}{
		"venue":         res.VenueID,
		"success":       res.Success,
		"fallback_used": res.FallbackUsed,
		"reference_id":  res.ReferenceID,
		"attempts":      len(res.Attempts),
		"error":         res.Error,
	})
	ev.IntentID = res.IntentID
	ev.Stage = stage
	r.bus.Publish(ev)
}

// History returns a copy of the route history, oldest first.
func (r *Router) History() []RouteResult {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	return append([]RouteResult(nil), r.history...)
}

// Stats returns running totals and per-venue counters.
func (r *Router) Stats() Stats {
	r.histMu.Lock()
	out := Stats{
		Total:     r.stats.Total,
		Succeeded: r.stats.Succeeded,
		Failed:    r.stats.Failed,
		Fallbacks: r.stats.Fallbacks,
		PerVenue:  make(map[string]*VenueStats, len(r.stats.PerVenue)),
	}
	for id, vs := range r.stats.PerVenue {
		cp := *vs
		out.PerVenue[id] = &cp
	}
	r.histMu.Unlock()

	if out.Total > 0 {
		out.SuccessRate = float64(out.Succeeded) / float64(out.Total)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, cb := range r.breakers {
		vs, ok := out.PerVenue[id]
		if !ok {
			vs = &VenueStats{}
			out.PerVenue[id] = vs
		}
		vs.Breaker = cb.State().String()
	}
	return out
}

func sortVenues(vs []Venue) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Priority != vs[j].Priority {
			return vs[i].Priority < vs[j].Priority
		}
		return vs[i].ID < vs[j].ID
	})
}
