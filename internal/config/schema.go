package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// PipelineConfig is the top-level YAML structure.
type PipelineConfig struct {
	Version  string     `yaml:"version"`
	Mode     string     `yaml:"mode"` // "test" | "live"
	Regime   RegimeConf `yaml:"regime"`
	Limits   LimitsConf `yaml:"limits"`
	Batching BatchConf  `yaml:"batching"`
	Venues   []VenueDef `yaml:"venues"`
	Ledger   LedgerConf `yaml:"ledger"`
	Events   EventsConf `yaml:"events"`
	Engine   EngineConf `yaml:"engine"`
	Signer   SignerConf `yaml:"signer"`
}

// RegimeConf selects a named preset or supplies a custom rule set.
type RegimeConf struct {
	Preset string     `yaml:"preset"`
	Custom *RegimeDef `yaml:"custom,omitempty"`
}

// RegimeDef is a named, versioned rule set.
type RegimeDef struct {
	Name        string       `yaml:"name"`
	Version     string       `yaml:"version"`
	Description string       `yaml:"description"`
	RiskTier    string       `yaml:"risk_tier"`
	Limits      RegimeLimits `yaml:"limits"`
	Rules       []RuleDef    `yaml:"rules"`
}

// RegimeLimits are the default limits a regime's rules refer to.
type RegimeLimits struct {
	DailyCap      decimal.Decimal `yaml:"daily_cap"`
	PerTxCap      decimal.Decimal `yaml:"per_tx_cap"`
	MaxTxPerDay   int             `yaml:"max_tx_per_day"`
	AllowedAssets []string        `yaml:"allowed_assets"`
	AllowedVenues []string        `yaml:"allowed_venues"`
}

// RuleDef is one policy rule. Exactly one of Condition or Expression is set;
// Expression is used by "custom" rules.
type RuleDef struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"` // limit | allowlist | blocklist | time | frequency | risk | custom
	Priority   int           `yaml:"priority"`
	Enabled    *bool         `yaml:"enabled,omitempty"` // nil = enabled
	Condition  *ConditionDef `yaml:"condition,omitempty"`
	Expression string        `yaml:"expression,omitempty"`
	Action     string        `yaml:"action"` // block | warn | flag | allow
	Message    string        `yaml:"message"`
}

// ConditionDef compares a context field against a value. A string value
// starting with "$" names another context field.
type ConditionDef struct {
	Field    string      `yaml:"field"`
	Operator string      `yaml:"operator"`
	Value    interface{} `yaml:"value"`
}

// LimitsConf holds the validator's aggregate-safety knobs.
type LimitsConf struct {
	DailyCap             decimal.Decimal `yaml:"daily_cap"`
	PerTxCap             decimal.Decimal `yaml:"per_tx_cap"`
	ConcentrationPct     decimal.Decimal `yaml:"concentration_pct"`
	DivergenceMultiple   decimal.Decimal `yaml:"divergence_multiple"`
	DivergenceMinSamples int             `yaml:"divergence_min_samples"`
	RejectionStreak      int             `yaml:"rejection_streak"`
	RejectionWindow      time.Duration   `yaml:"rejection_window"`
	AllowedAssets        []string        `yaml:"allowed_assets"`
	AllowSelfPayment     bool            `yaml:"allow_self_payment"`
}

// BatchConf controls attestation batching.
type BatchConf struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	ForceOnSubmit bool          `yaml:"force_on_submit"`
}

// VenueDef describes one settlement venue.
type VenueDef struct {
	ID          string          `yaml:"id"`
	Type        string          `yaml:"type"` // ledger | interledger | simulated
	Name        string          `yaml:"name"`
	Enabled     bool            `yaml:"enabled"`
	Priority    int             `yaml:"priority"`
	MaxAmount   decimal.Decimal `yaml:"max_amount"`
	BaseFee     decimal.Decimal `yaml:"base_fee"`
	FeeBps      int64           `yaml:"fee_bps"`
	Latency     time.Duration   `yaml:"latency"`
	Assets      []string        `yaml:"assets"`
	FailureRate float64         `yaml:"failure_rate"`
}

// LedgerConf configures fair-market-value lookup and opening balances.
type LedgerConf struct {
	FMVTTL      time.Duration              `yaml:"fmv_ttl"`
	Cache       string                     `yaml:"cache"` // memory | redis
	RedisAddr   string                     `yaml:"redis_addr"`
	Prices      map[string]decimal.Decimal `yaml:"prices"`
	OpeningLots []LotDef                   `yaml:"opening_lots"`
}

// LotDef is an opening tax lot.
type LotDef struct {
	Asset      string          `yaml:"asset"`
	Quantity   decimal.Decimal `yaml:"quantity"`
	CostBasis  decimal.Decimal `yaml:"cost_basis"` // total, not per unit
	AcquiredAt time.Time       `yaml:"acquired_at"`
	Type       string          `yaml:"type"`
}

// EventsConf configures outbound event delivery.
type EventsConf struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	AnchorSubject string `yaml:"anchor_subject"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	Workers    int           `yaml:"workers"`
	QueueDepth int           `yaml:"queue_depth"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SignerConf identifies the signing key. SeedHex is for test mode only.
type SignerConf struct {
	Identity string `yaml:"identity"`
	SeedHex  string `yaml:"seed_hex"`
}
