// Package ledger records settlements against FIFO tax lots and produces
// capital-gains reports.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
	"github.com/gyaneshwarpardhi/paycore/internal/venue"
)

const stage = "account"

var ErrNotSettled = errors.New("ledger: route result is not a settlement")

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Acquisition types for lots.
const (
	AcquiredOpening  = "opening"
	AcquiredPurchase = "purchase"
	AcquiredReceipt  = "receipt"
	AcquiredImplicit = "implicit"
)

// TaxLot is one acquisition of an asset. Disposed never decreases and never
// exceeds Quantity.
type TaxLot struct {
	ID              string          `json:"id"`
	Asset           string          `json:"asset"`
	Quantity        decimal.Decimal `json:"quantity"`
	CostBasis       decimal.Decimal `json:"cost_basis"` // total
	AcquiredAt      time.Time       `json:"acquired_at"`
	AcquisitionType string          `json:"acquisition_type"`
	Disposed        decimal.Decimal `json:"disposed"`
	ImplicitLot     bool            `json:"implicit_lot,omitempty"`
}

// Remaining is the undisposed quantity.
func (l TaxLot) Remaining() decimal.Decimal { return l.Quantity.Sub(l.Disposed) }

// UnitCost is the cost basis per unit.
func (l TaxLot) UnitCost() decimal.Decimal {
	if l.Quantity.IsZero() {
		return decimal.Zero
	}
	return l.CostBasis.Div(l.Quantity)
}

// LotUse is the part of a lot consumed by one entry.
type LotUse struct {
	LotID      string          `json:"lot_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

// Entry is one settlement or receipt.
type Entry struct {
	ID           string          `json:"id"`
	IntentID     string          `json:"intent_id,omitempty"`
	Type         EntryType       `json:"type"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty"`
	Fee          decimal.Decimal `json:"fee"`
	Venue        string          `json:"venue,omitempty"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	FMV          decimal.Decimal `json:"fmv"` // per unit at settlement
	Proceeds     decimal.Decimal `json:"proceeds"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	GainLoss     decimal.Decimal `json:"gain_loss"`
	Lots         []LotUse        `json:"lots,omitempty"`
	AuditFlags   []apperr.Code   `json:"audit_flags,omitempty"`
	At           time.Time       `json:"at"`
}

func (e *Entry) copy() *Entry {
	cp := *e
	cp.Lots = append([]LotUse(nil), e.Lots...)
	cp.AuditFlags = append([]apperr.Code(nil), e.AuditFlags...)
	return &cp
}

// Ledger holds tax lots per asset and the entry journal.
type Ledger struct {
	mu      sync.Mutex
	lots    map[string][]*TaxLot // per asset, ordered by AcquiredAt
	entries []*Entry

	oracle PriceOracle
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the ledger's logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// New creates an empty ledger pricing settlements through oracle.
func New(oracle PriceOracle, opts ...Option) *Ledger {
	l := &Ledger{
		lots:   make(map[string][]*TaxLot),
		oracle: oracle,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LoadOpeningLots adds the configured opening balances.
func (l *Ledger) LoadOpeningLots(defs []config.LotDef) error {
	for _, d := range defs {
		typ := d.Type
		if typ == "" {
			typ = AcquiredOpening
		}
		if _, err := l.AddLot(d.Asset, d.Quantity, d.CostBasis, d.AcquiredAt, typ); err != nil {
			return err
		}
	}
	return nil
}

// AddLot records an acquisition. costBasis is the total cost of quantity.
func (l *Ledger) AddLot(asset string, quantity, costBasis decimal.Decimal, acquiredAt time.Time, typ string) (*TaxLot, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	switch {
	case asset == "":
		return nil, fmt.Errorf("ledger: lot asset is required")
	case !quantity.IsPositive():
		return nil, fmt.Errorf("ledger: lot quantity must be positive, got %s", quantity)
	case costBasis.IsNegative():
		return nil, fmt.Errorf("ledger: lot cost basis must not be negative, got %s", costBasis)
	}
	if acquiredAt.IsZero() {
		acquiredAt = l.now()
	}
	lot := &TaxLot{
		ID:              uuid.NewString(),
		Asset:           asset,
		Quantity:        quantity,
		CostBasis:       costBasis,
		AcquiredAt:      acquiredAt.UTC(),
		AcquisitionType: typ,
	}
	l.mu.Lock()
	l.insertLotLocked(lot)
	l.mu.Unlock()
	cp := *lot
	return &cp, nil
}

func (l *Ledger) insertLotLocked(lot *TaxLot) {
	lots := l.lots[lot.Asset]
	i := sort.Search(len(lots), func(i int) bool { return lots[i].AcquiredAt.After(lot.AcquiredAt) })
	lots = append(lots, nil)
	copy(lots[i+1:], lots[i:])
	lots[i] = lot
	l.lots[lot.Asset] = lots
}

// RecordSettlement books the disposal of in.Amount settled by rr. Lots are
// consumed oldest first; a shortfall is covered by an implicit lot acquired
// at the settlement FMV and flagged LOT_SHORTFALL. Lots change only once
// the entry is complete.
func (l *Ledger) RecordSettlement(ctx context.Context, in *intent.Intent, rr *venue.RouteResult) (*Entry, error) {
	if rr == nil || !rr.Success {
		return nil, apperr.Wrap(ErrNotSettled, apperr.CodeAccountingFailed, stage, "")
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.New(apperr.CodeAccountingFailed, stage, "amount must be positive, got %s", in.Amount)
	}
	asset := strings.ToUpper(in.Asset)
	q, err := l.oracle.GetFMV(ctx, asset)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeAccountingFailed, stage, "fair-market value lookup")
	}
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	need := in.Amount
	basis := decimal.Zero
	var uses []LotUse
	var consumed []*TaxLot
	for _, lot := range l.lots[asset] {
		if !need.IsPositive() {
			break
		}
		rem := lot.Remaining()
		if !rem.IsPositive() {
			continue
		}
		take := decimal.Min(rem, need)
		cost := take.Mul(lot.UnitCost())
		uses = append(uses, LotUse{LotID: lot.ID, Quantity: take, CostBasis: cost, AcquiredAt: lot.AcquiredAt})
		consumed = append(consumed, lot)
		basis = basis.Add(cost)
		need = need.Sub(take)
	}

	e := &Entry{
		ID:           uuid.NewString(),
		IntentID:     in.ID,
		Type:         EntryDebit,
		Asset:        asset,
		Amount:       in.Amount,
		Counterparty: in.Payee,
		Fee:          rr.FeePaid,
		Venue:        rr.VenueID,
		ReferenceID:  rr.ReferenceID,
		FMV:          q.Price,
		Proceeds:     q.Price.Mul(in.Amount),
		At:           now,
	}

	var implicit *TaxLot
	if need.IsPositive() {
		implicit = &TaxLot{
			ID:              uuid.NewString(),
			Asset:           asset,
			Quantity:        need,
			CostBasis:       need.Mul(q.Price),
			AcquiredAt:      now,
			AcquisitionType: AcquiredImplicit,
			Disposed:        need,
			ImplicitLot:     true,
		}
		uses = append(uses, LotUse{LotID: implicit.ID, Quantity: need, CostBasis: implicit.CostBasis, AcquiredAt: now})
		basis = basis.Add(implicit.CostBasis)
		e.AuditFlags = append(e.AuditFlags, apperr.CodeLotShortfall)
	}
	e.Lots = uses
	e.CostBasis = basis
	e.GainLoss = e.Proceeds.Sub(basis)

	for i, lot := range consumed {
		lot.Disposed = lot.Disposed.Add(uses[i].Quantity)
	}
	if implicit != nil {
		l.insertLotLocked(implicit)
		metrics.LotShortfalls.Inc()
		l.logger.Warn("settlement exceeded recorded lots", "intent_id", in.ID, "asset", asset, "shortfall", need.String())
	}
	l.entries = append(l.entries, e)
	metrics.LedgerEntries.WithLabelValues(string(EntryDebit)).Inc()
	return e.copy(), nil
}

// RecordReceipt books an incoming payment as a credit and a new lot at the
// current FMV.
func (l *Ledger) RecordReceipt(ctx context.Context, asset string, amount decimal.Decimal, from string) (*Entry, error) {
	asset = strings.ToUpper(asset)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("ledger: receipt amount must be positive, got %s", amount)
	}
	q, err := l.oracle.GetFMV(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("ledger: receipt: %w", err)
	}
	now := l.now().UTC()
	basis := q.Price.Mul(amount)
	lot := &TaxLot{
		ID:              uuid.NewString(),
		Asset:           asset,
		Quantity:        amount,
		CostBasis:       basis,
		AcquiredAt:      now,
		AcquisitionType: AcquiredReceipt,
	}
	e := &Entry{
		ID:           uuid.NewString(),
		Type:         EntryCredit,
		Asset:        asset,
		Amount:       amount,
		Counterparty: from,
		FMV:          q.Price,
		Proceeds:     decimal.Zero,
		CostBasis:    basis,
		Lots:         []LotUse{{LotID: lot.ID, Quantity: amount, CostBasis: basis, AcquiredAt: now}},
		At:           now,
	}

	l.mu.Lock()
	l.insertLotLocked(lot)
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	metrics.LedgerEntries.WithLabelValues(string(EntryCredit)).Inc()
	return e.copy(), nil
}

// Lots returns copies of asset's lots, oldest first. An empty asset returns
// every lot.
func (l *Ledger) Lots(asset string) []TaxLot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []TaxLot
	if asset != "" {
		for _, lot := range l.lots[strings.ToUpper(asset)] {
			out = append(out, *lot)
		}
		return out
	}
	assets := make([]string, 0, len(l.lots))
	for a := range l.lots {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		for _, lot := range l.lots[a] {
			out = append(out, *lot)
		}
	}
	return out
}

// Entries returns copies of every entry in booking order.
func (l *Ledger) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.copy()
	}
	return out
}

// Balance is the undisposed quantity of asset.
func (l *Ledger) Balance(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, lot := range l.lots[strings.ToUpper(asset)] {
		total = total.Add(lot.Remaining())
	}
	return total
}
