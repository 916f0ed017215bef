package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/attest"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/regime"
	"github.com/gyaneshwarpardhi/paycore/internal/validator"
)

// SetMode switches between test and live mode.
func (o *Orchestrator) SetMode(mode string) {
	prev := o.Validator.Mode()
	o.Validator.SetMode(mode)
	if prev == mode {
		return
	}
	o.logger.Info("mode changed", "from", prev, "to", mode)
	o.emit(event.ModeChanged, "", "", map[string]interface{}{"previous": prev, "mode": mode})
}

// Mode returns the current mode.
func (o *Orchestrator) Mode() string { return o.Validator.Mode() }

// UsePreset hot-swaps the regime to a built-in preset.
func (o *Orchestrator) UsePreset(name string) error {
	return o.Regime.UsePreset(name)
}

// SetRegime hot-swaps to r.
func (o *Orchestrator) SetRegime(r *regime.Regime) {
	o.Regime.Swap(r)
}

// SetLimits changes the daily and per-transaction caps on both the
// validator and the active regime. A zero value keeps the current cap.
func (o *Orchestrator) SetLimits(dailyCap, perTxCap decimal.Decimal) {
	lim := o.Validator.Limits()
	if dailyCap.IsPositive() {
		lim.DailyCap = dailyCap
	}
	if perTxCap.IsPositive() {
		lim.PerTxCap = perTxCap
	}
	o.Validator.SetLimits(lim)
	o.Regime.WithLimits(dailyCap, perTxCap)
}

// SetValidatorLimits replaces every validator knob.
func (o *Orchestrator) SetValidatorLimits(l validator.Limits) {
	o.Validator.SetLimits(l)
}

// SetBatching changes the batch size and, if the flusher is running, its
// interval. A non-positive value keeps the current setting.
func (o *Orchestrator) SetBatching(size int, interval time.Duration) {
	if size > 0 {
		o.Attestor.SetBatchSize(size)
	}
	if interval <= 0 {
		return
	}
	o.flushMu.Lock()
	defer o.flushMu.Unlock()
	if interval == o.flushInterval {
		return
	}
	o.flushInterval = interval
	if o.stopFlush != nil {
		o.stopFlusherLocked()
		o.startFlusherLocked()
	}
}

// SetForceOnSubmit toggles cutting a batch for every attested intent.
func (o *Orchestrator) SetForceOnSubmit(force bool) { o.forceOnSubmit.Store(force) }

// SetVenueEnabled toggles a venue for the next routing decision.
func (o *Orchestrator) SetVenueEnabled(id string, enabled bool) error {
	return o.Router.SetEnabled(id, enabled)
}

// SetVenuePriority changes a venue's priority for the next routing decision.
func (o *Orchestrator) SetVenuePriority(id string, priority int) error {
	return o.Router.SetPriority(id, priority)
}

// ApplyConfig applies the runtime-mutable parts of cfg: mode, regime,
// validator limits, batching and venue enable/priority. Venues not already
// known to the router are skipped.
func (o *Orchestrator) ApplyConfig(cfg *config.PipelineConfig) error {
	r, err := regime.FromConfig(cfg.Regime)
	if err != nil {
		return err
	}
	o.SetMode(cfg.Mode)
	if o.Regime.Active().Summary() != r.Summary() {
		o.Regime.Swap(r)
	}
	o.Validator.SetLimits(validator.LimitsFromConfig(cfg.Limits))
	o.SetBatching(cfg.Batching.Size, cfg.Batching.FlushInterval)
	o.SetForceOnSubmit(cfg.Batching.ForceOnSubmit)

	var errs []error
	for _, v := range cfg.Venues {
		if err := o.Router.SetEnabled(v.ID, v.Enabled); err != nil {
			o.logger.Warn("config venue not routable", "venue", v.ID, "err", err)
			continue
		}
		if err := o.Router.SetPriority(v.ID, v.Priority); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush cuts and anchors batches now. force also cuts a partial batch.
func (o *Orchestrator) Flush(ctx context.Context, force bool) ([]*attest.Batch, error) {
	return o.Attestor.Flush(ctx, force)
}

// Start runs the periodic flusher until Shutdown or ctx is done. Calling
// Start again is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()
	if o.stopFlush != nil || o.flushInterval <= 0 {
		return
	}
	o.flushCtx = ctx
	o.startFlusherLocked()
}

func (o *Orchestrator) startFlusherLocked() {
	ctx, cancel := context.WithCancel(o.flushCtx)
	done := make(chan struct{})
	o.stopFlush, o.flushDone = cancel, done
	interval := o.flushInterval
	go func() {
		defer close(done)
		o.Attestor.Run(ctx, interval)
	}()
	o.logger.Info("batch flusher started", "interval", interval)
}

func (o *Orchestrator) stopFlusherLocked() {
	o.stopFlush()
	<-o.flushDone
	o.stopFlush, o.flushDone = nil, nil
}

// Shutdown stops the flusher, drains queued submissions and force-flushes
// whatever is still pending.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.flushMu.Lock()
	if o.stopFlush != nil {
		o.stopFlusherLocked()
	}
	o.flushMu.Unlock()

	o.pool.Drain()
	_, err := o.Attestor.Flush(ctx, true)
	return err
}
