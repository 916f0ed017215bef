package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/paycore/internal/attest"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/ledger"
	"github.com/gyaneshwarpardhi/paycore/internal/regime"
	"github.com/gyaneshwarpardhi/paycore/internal/validator"
	"github.com/gyaneshwarpardhi/paycore/internal/venue"
)

// Deps are the external collaborators of a configured pipeline. Every field
// is optional.
type Deps struct {
	Bus    *event.Bus
	Logger *slog.Logger
	Clock  func() time.Time

	Anchorer  attest.Anchorer           // default attest.LocalAnchorer
	Oracle    ledger.PriceOracle        // default: static prices from config
	Redis     redis.UniversalClient     // required for ledger.cache "redis"
	Executors map[string]venue.Executor // per venue id; others are simulated
	Advisor   Advisor
}

// FromConfig wires every component from cfg onto one shared bus and
// returns the orchestrator driving them.
func FromConfig(ctx context.Context, cfg *config.PipelineConfig, d Deps) (*Orchestrator, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	bus := d.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}

	reg, err := regime.FromConfig(cfg.Regime)
	if err != nil {
		return nil, err
	}
	regimes := regime.NewEngine(reg, regime.WithBus(bus), regime.WithLogger(logger), regime.WithClock(now))

	val := validator.New(validator.LimitsFromConfig(cfg.Limits), cfg.Mode,
		validator.WithBus(bus), validator.WithLogger(logger), validator.WithClock(now))

	anchorer := d.Anchorer
	if anchorer == nil {
		anchorer = attest.LocalAnchorer{}
	}
	att := attest.New(cfg.Batching.Size, anchorer,
		attest.WithBus(bus), attest.WithLogger(logger), attest.WithClock(now))

	venues := venue.FromConfig(cfg.Venues)
	execs := venue.NewRegistry()
	for i, v := range venues {
		if e, ok := d.Executors[v.ID]; ok {
			execs.Register(v.ID, e)
			continue
		}
		execs.Register(v.ID, venue.NewSimulatedExecutor(v, cfg.Venues[i].FailureRate, 0))
	}
	router := venue.NewRouter(venues, execs, venue.WithBus(bus), venue.WithLogger(logger))

	led, err := buildLedger(cfg.Ledger, d, logger, now)
	if err != nil {
		return nil, err
	}

	signer, err := buildSigner(cfg.Signer)
	if err != nil {
		return nil, err
	}

	gen := &intent.StructuredGenerator{
		PolicySummary: regimes.Summary,
		ModelID:       cfg.Signer.Identity,
		Now:           now,
	}

	o := New(ctx, Components{
		Generator: gen,
		Signer:    signer,
		Regime:    regimes,
		Validator: val,
		Attestor:  att,
		Router:    router,
		Ledger:    led,
		Advisor:   d.Advisor,
	}, cfg.Engine,
		WithBus(bus),
		WithLogger(logger),
		WithClock(now),
		WithForceOnSubmit(cfg.Batching.ForceOnSubmit),
		WithFlushInterval(cfg.Batching.FlushInterval),
	)
	logger.Info("pipeline configured",
		"mode", cfg.Mode,
		"regime", reg.Name,
		"venues", len(venues),
		"batch_size", cfg.Batching.Size,
		"fmv_cache", cfg.Ledger.Cache,
	)
	return o, nil
}

func buildLedger(c config.LedgerConf, d Deps, logger *slog.Logger, now func() time.Time) (*ledger.Ledger, error) {
	src := d.Oracle
	if src == nil {
		src = ledger.NewStaticOracle(c.Prices)
	}
	var cache ledger.PriceCache
	switch c.Cache {
	case "redis":
		client := d.Redis
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		}
		cache = ledger.NewRedisCache(client)
	default:
		cache = ledger.NewMemoryCache(now)
	}
	oracle := ledger.NewCachedOracle(src, cache, c.FMVTTL, logger)

	led := ledger.New(oracle, ledger.WithClock(now), ledger.WithLogger(logger))
	if err := led.LoadOpeningLots(c.OpeningLots); err != nil {
		return nil, fmt.Errorf("opening lots: %w", err)
	}
	return led, nil
}

func buildSigner(c config.SignerConf) (*intent.Ed25519Signer, error) {
	var seed []byte
	if c.SeedHex != "" {
		b, err := hex.DecodeString(c.SeedHex)
		if err != nil {
			return nil, fmt.Errorf("signer seed: %w", err)
		}
		seed = b
	}
	return intent.NewEd25519Signer(c.Identity, seed)
}
