package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: v1
mode: live
regime:
  preset: conservative
limits:
  daily_cap: 5
  per_tx_cap: "2.5"
  concentration_pct: 40
  allowed_assets: [XRP, USD]
batching:
  size: 4
  flush_interval: 10s
venues:
  - id: xrpl
    type: ledger
    enabled: true
    priority: 1
    max_amount: 1000
    fee_bps: 5
    latency: 4s
  - id: sim
    type: simulated
    enabled: true
    priority: 9
ledger:
  fmv_ttl: 2m
  prices:
    XRP: "0.52"
  opening_lots:
    - asset: XRP
      quantity: 100
      cost_basis: 40
      acquired_at: 2025-01-02T00:00:00Z
`

func TestParse_DefaultsAndDecimals(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "live", cfg.Mode)
	assert.True(t, cfg.Limits.PerTxCap.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, cfg.Limits.DailyCap.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 10*time.Second, cfg.Batching.FlushInterval)
	assert.Equal(t, 4*time.Second, cfg.Venues[0].Latency)
	assert.True(t, cfg.Ledger.Prices["XRP"].Equal(decimal.RequireFromString("0.52")))
	assert.Equal(t, 2025, cfg.Ledger.OpeningLots[0].AcquiredAt.Year())

	// Defaults
	assert.Equal(t, 5, cfg.Limits.DivergenceMinSamples)
	assert.Equal(t, time.Hour, cfg.Limits.RejectionWindow)
	assert.Equal(t, "memory", cfg.Ledger.Cache)
	assert.Equal(t, 4, cfg.Engine.Workers)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PipelineConfig)
		want   string
	}{
		{"missing version", func(c *PipelineConfig) { c.Version = "" }, "version is required"},
		{"bad mode", func(c *PipelineConfig) { c.Mode = "prod" }, "mode"},
		{"duplicate venue", func(c *PipelineConfig) { c.Venues[1].ID = "xrpl" }, "duplicate venue id"},
		{"bad venue type", func(c *PipelineConfig) { c.Venues[0].Type = "swift" }, "type"},
		{"concentration over 100", func(c *PipelineConfig) { c.Limits.ConcentrationPct = decimal.NewFromInt(150) }, "concentration_pct"},
		{"redis without addr", func(c *PipelineConfig) { c.Ledger.Cache = "redis" }, "redis_addr"},
		{"custom rule bad operator", func(c *PipelineConfig) {
			c.Regime.Custom = &RegimeDef{Name: "mine", Rules: []RuleDef{{
				ID: "r1", Type: "limit", Action: "block",
				Condition: &ConditionDef{Field: "amount", Operator: "approx", Value: 1},
			}}}
		}, "unknown operator"},
		{"custom rule both forms", func(c *PipelineConfig) {
			c.Regime.Custom = &RegimeDef{Name: "mine", Rules: []RuleDef{{
				ID: "r1", Type: "custom", Action: "warn", Expression: "amount > 1",
				Condition: &ConditionDef{Field: "amount", Operator: ">", Value: 1},
			}}}
		}, "only one of condition/expression"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paycore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	l, err := NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, "conservative", l.Config().Regime.Preset)

	var calls atomic.Int32
	l.OnChange(func(c *PipelineConfig) { calls.Add(1) })

	updated := []byte("version: v2\nregime:\n  preset: aggressive\n")
	require.NoError(t, os.WriteFile(path, updated, 0o600))
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, "aggressive", cfg.Regime.Preset)
	assert.Equal(t, "aggressive", l.Config().Regime.Preset)
	assert.Equal(t, int32(1), calls.Load())

	// An invalid file leaves the previous config in place.
	require.NoError(t, os.WriteFile(path, []byte("mode: live\n"), 0o600))
	_, err = l.Reload()
	require.Error(t, err)
	assert.Equal(t, "v2", l.Config().Version)
	assert.Equal(t, int32(1), calls.Load())
}
