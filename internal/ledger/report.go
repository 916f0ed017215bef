package ledger

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// longTermAfter is the holding period beyond which a disposal is long-term.
const longTermAfter = 365 * 24 * time.Hour

// LineItem is one disposal in a tax report.
type LineItem struct {
	EntryID     string          `json:"entry_id"`
	IntentID    string          `json:"intent_id,omitempty"`
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	AcquiredAt  time.Time       `json:"acquired_at"`
	DisposedAt  time.Time       `json:"disposed_at"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	GainLoss    decimal.Decimal `json:"gain_loss"`
	LongTerm    bool            `json:"long_term"`
	HoldingDays int             `json:"holding_days"`
	MixedTerm   bool            `json:"mixed_term,omitempty"`
	Flagged     bool            `json:"flagged,omitempty"`
}

// TaxReport partitions realized gains and losses by holding period.
type TaxReport struct {
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	GeneratedAt     time.Time       `json:"generated_at"`
	ShortTermGains  decimal.Decimal `json:"short_term_gains"`
	ShortTermLosses decimal.Decimal `json:"short_term_losses"`
	LongTermGains   decimal.Decimal `json:"long_term_gains"`
	LongTermLosses  decimal.Decimal `json:"long_term_losses"`
	NetShortTerm    decimal.Decimal `json:"net_short_term"`
	NetLongTerm     decimal.Decimal `json:"net_long_term"`
	Net             decimal.Decimal `json:"net"`
	Items           []LineItem      `json:"items"`
}

// GenerateTaxReport covers debit entries booked in [start, end), one line
// item per entry. The holding period of an entry runs from the latest lot
// it consumed, so an entry is long-term only when every lot was held past
// a year. Losses are reported as positive magnitudes.
func (l *Ledger) GenerateTaxReport(start, end time.Time) *TaxReport {
	r := &TaxReport{
		Start:       start.UTC(),
		End:         end.UTC(),
		GeneratedAt: l.now().UTC(),
		Items:       []LineItem{},
	}
	for _, e := range l.Entries() {
		if e.Type != EntryDebit || e.At.Before(start) || !e.At.Before(end) {
			continue
		}
		acquired, mixed := holdingStart(e)
		held := e.At.Sub(acquired)
		it := LineItem{
			EntryID:     e.ID,
			IntentID:    e.IntentID,
			Asset:       e.Asset,
			Quantity:    e.Amount,
			AcquiredAt:  acquired,
			DisposedAt:  e.At,
			Proceeds:    e.Proceeds,
			CostBasis:   e.CostBasis,
			GainLoss:    e.GainLoss,
			LongTerm:    held > longTermAfter,
			HoldingDays: int(held / (24 * time.Hour)),
			MixedTerm:   mixed,
			Flagged:     len(e.AuditFlags) > 0,
		}
		r.Items = append(r.Items, it)

		gain, loss := decimal.Zero, decimal.Zero
		if it.GainLoss.IsPositive() {
			gain = it.GainLoss
		} else {
			loss = it.GainLoss.Neg()
		}
		if it.LongTerm {
			r.LongTermGains = r.LongTermGains.Add(gain)
			r.LongTermLosses = r.LongTermLosses.Add(loss)
		} else {
			r.ShortTermGains = r.ShortTermGains.Add(gain)
			r.ShortTermLosses = r.ShortTermLosses.Add(loss)
		}
	}
	r.NetShortTerm = r.ShortTermGains.Sub(r.ShortTermLosses)
	r.NetLongTerm = r.LongTermGains.Sub(r.LongTermLosses)
	r.Net = r.NetShortTerm.Add(r.NetLongTerm)
	return r
}

// holdingStart returns the acquisition time of the latest lot e consumed and
// whether its lots fall on both sides of the long-term threshold.
func holdingStart(e *Entry) (time.Time, bool) {
	if len(e.Lots) == 0 {
		return e.At, false
	}
	latest := e.Lots[0].AcquiredAt
	long, short := false, false
	for _, u := range e.Lots {
		if u.AcquiredAt.After(latest) {
			latest = u.AcquiredAt
		}
		if e.At.Sub(u.AcquiredAt) > longTermAfter {
			long = true
		} else {
			short = true
		}
	}
	return latest, long && short
}

var csvHeader = []string{
	"description", "date_acquired", "date_sold", "proceeds", "cost_basis", "gain_or_loss", "term", "entry_id",
}

// ToCSV renders the report's line items in capital-gains filing columns.
func ToCSV(r *TaxReport) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}
	for _, it := range r.Items {
		term := "short"
		if it.LongTerm {
			term = "long"
		}
		row := []string{
			fmt.Sprintf("%s %s", it.Quantity.String(), it.Asset),
			it.AcquiredAt.Format("2006-01-02"),
			it.DisposedAt.Format("2006-01-02"),
			it.Proceeds.StringFixed(2),
			it.CostBasis.StringFixed(2),
			it.GainLoss.StringFixed(2),
			term,
			it.EntryID,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
