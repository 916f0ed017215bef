package validator_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/validator"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limits() validator.Limits {
	return validator.Limits{
		DailyCap:             dec("5"),
		PerTxCap:             dec("100"),
		ConcentrationPct:     dec("50"),
		DivergenceMultiple:   dec("10"),
		DivergenceMinSamples: 5,
		RejectionStreak:      3,
		RejectionWindow:      time.Hour,
		AllowedAssets:        []string{"XRP", "USD"},
	}
}

var seq int

func mk(amount, payee string) *intent.Intent {
	seq++
	return &intent.Intent{
		ID:        fmt.Sprintf("in-%d", seq),
		Payer:     "alice",
		Payee:     payee,
		Amount:    dec(amount),
		Asset:     "XRP",
		CreatedAt: t0,
		ExpiresAt: t0.Add(time.Hour),
		Proofs:    intent.Proofs{PolicyHash: intent.HashString("moderate")},
		Status:    intent.StatusPending,
	}
}

func newValidator(lim validator.Limits, clock *time.Time) *validator.Validator {
	return validator.New(lim, validator.ModeLive, validator.WithClock(func() time.Time { return *clock }))
}

func TestValidateSingle(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*intent.Intent)
		mode   string
		self   bool
		want   apperr.Code
	}{
		{"valid", func(*intent.Intent) {}, validator.ModeLive, false, ""},
		{"zero amount", func(in *intent.Intent) { in.Amount = decimal.Zero }, validator.ModeLive, false, apperr.CodeInvalidAmount},
		{"negative amount", func(in *intent.Intent) { in.Amount = dec("-1") }, validator.ModeLive, false, apperr.CodeInvalidAmount},
		{"over per-tx cap", func(in *intent.Intent) { in.Amount = dec("100.01") }, validator.ModeLive, false, apperr.CodeExceedsTxCap},
		{"missing payee", func(in *intent.Intent) { in.Payee = " " }, validator.ModeLive, false, apperr.CodeMissingParty},
		{"missing policy hash", func(in *intent.Intent) { in.Proofs.PolicyHash = "" }, validator.ModeLive, false, apperr.CodeMissingPolicyHash},
		{"placeholder policy hash", func(in *intent.Intent) { in.Proofs.PolicyHash = "0x0000" }, validator.ModeLive, false, apperr.CodeMissingPolicyHash},
		{"self payment live", func(in *intent.Intent) { in.Payee = "alice" }, validator.ModeLive, true, apperr.CodeSelfPayment},
		{"self payment test without flag", func(in *intent.Intent) { in.Payee = "alice" }, validator.ModeTest, false, apperr.CodeSelfPayment},
		{"self payment test with flag", func(in *intent.Intent) { in.Payee = "alice" }, validator.ModeTest, true, ""},
		{"asset not allowed", func(in *intent.Intent) { in.Asset = "DOGE" }, validator.ModeLive, false, apperr.CodeAssetNotAllowed},
		{"expiry before creation", func(in *intent.Intent) { in.ExpiresAt = in.CreatedAt }, validator.ModeLive, false, apperr.CodeInvalidExpiry},
		{"expired", func(in *intent.Intent) { in.ExpiresAt = t0.Add(-time.Minute); in.CreatedAt = t0.Add(-time.Hour) }, validator.ModeLive, false, apperr.CodeExpired},
		// fails fast: the first violation in check order wins
		{"first violation wins", func(in *intent.Intent) { in.Amount = decimal.Zero; in.Asset = "DOGE" }, validator.ModeLive, false, apperr.CodeInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := t0
			lim := limits()
			lim.AllowSelfPayment = tc.self
			v := validator.New(lim, tc.mode, validator.WithClock(func() time.Time { return clock }))
			in := mk("1", "bob")
			tc.mutate(in)

			res := v.ValidateSingle(in)
			if tc.want == "" {
				assert.True(t, res.Valid, "unexpected %s: %s", res.Code, res.Reason)
				assert.NoError(t, res.Err())
				return
			}
			assert.False(t, res.Valid)
			assert.Equal(t, tc.want, res.Code)
			assert.Equal(t, tc.want, apperr.CodeOf(res.Err()))
			assert.True(t, v.Snapshot().DailyVolume.IsZero())
		})
	}
}

func TestValidateAggregate_DailyCapScenario(t *testing.T) {
	clock := t0
	v := newValidator(limits(), &clock)
	require.True(t, v.ValidateAggregate([]*intent.Intent{mk("4.8", "carol")}).Valid)

	before := v.Snapshot()
	res := v.ValidateAggregate([]*intent.Intent{mk("0.5", "X")})
	require.False(t, res.Valid)
	assert.Equal(t, apperr.CodeDailyCapExceeded, res.Code)

	after := v.Snapshot()
	assert.Equal(t, before.DailyVolume, after.DailyVolume)
	assert.Equal(t, before.Concentration, after.Concentration)
	assert.Equal(t, before.Recent, after.Recent)
	assert.Equal(t, before.Contributions, after.Contributions)
	assert.Len(t, after.Rejections, 1)
}

func TestValidateAggregate_NeverExceedsDailyCap(t *testing.T) {
	clock := t0
	lim := limits()
	lim.DailyCap = dec("50")
	lim.ConcentrationPct = dec("100")
	lim.DivergenceMultiple = decimal.Zero
	lim.RejectionStreak = 0
	v := newValidator(lim, &clock)

	r := rand.New(rand.NewSource(42))
	accepted := decimal.Zero
	for i := 0; i < 200; i++ {
		amt := decimal.NewFromInt(int64(r.Intn(700) + 1)).Div(decimal.NewFromInt(100))
		if v.ValidateAggregate([]*intent.Intent{mk(amt.String(), fmt.Sprintf("p%d", i%7))}).Valid {
			accepted = accepted.Add(amt)
			require.True(t, accepted.LessThanOrEqual(lim.DailyCap), "accepted %s over cap at step %d", accepted, i)
		}
	}
	assert.True(t, v.Snapshot().DailyVolume.Equal(accepted))
}

func TestValidateAggregate_Concentration(t *testing.T) {
	lim := limits()
	lim.DailyCap = dec("1000")

	t.Run("two payees at 50% each passes", func(t *testing.T) {
		clock := t0
		v := newValidator(lim, &clock)
		res := v.ValidateAggregate([]*intent.Intent{mk("10", "X"), mk("10", "Y")})
		assert.True(t, res.Valid, "%s: %s", res.Code, res.Reason)
	})

	t.Run("payee split across intents is summed", func(t *testing.T) {
		clock := t0
		v := newValidator(lim, &clock)
		res := v.ValidateAggregate([]*intent.Intent{mk("3", "X"), mk("3", "X"), mk("4", "Y")})
		require.False(t, res.Valid)
		assert.Equal(t, apperr.CodeConcentrationExceeded, res.Code)
		assert.True(t, v.Snapshot().DailyVolume.IsZero())
	})

	t.Run("repeated same-payee batches block", func(t *testing.T) {
		clock := t0
		v := newValidator(lim, &clock)
		require.True(t, v.ValidateAggregate([]*intent.Intent{mk("10", "X"), mk("10", "Y")}).Valid)
		res := v.ValidateAggregate([]*intent.Intent{mk("10", "X"), mk("10", "X")})
		assert.Equal(t, apperr.CodeConcentrationExceeded, res.Code)
	})

	t.Run("payee at 60% of three-intent batch blocks", func(t *testing.T) {
		clock := t0
		v := newValidator(lim, &clock)
		before := v.Snapshot()
		res := v.ValidateAggregate([]*intent.Intent{mk("60", "X"), mk("20", "Y"), mk("20", "Z")})
		require.False(t, res.Valid)
		assert.Equal(t, apperr.CodeConcentrationExceeded, res.Code)
		after := v.Snapshot()
		assert.Equal(t, before.DailyVolume, after.DailyVolume)
		assert.Equal(t, before.Concentration, after.Concentration)
	})

	t.Run("first payment of the day is not a share", func(t *testing.T) {
		clock := t0
		v := newValidator(lim, &clock)
		assert.True(t, v.ValidateAggregate([]*intent.Intent{mk("10", "X")}).Valid)
		// X would then hold 20 of 25.
		res := v.ValidateAggregate([]*intent.Intent{mk("10", "X"), mk("5", "Y")})
		assert.Equal(t, apperr.CodeConcentrationExceeded, res.Code)
	})
}

func TestValidateAggregate_Divergence(t *testing.T) {
	clock := t0
	lim := limits()
	lim.DailyCap = dec("100000")
	lim.ConcentrationPct = dec("100")
	v := newValidator(lim, &clock)

	for i := 0; i < 4; i++ {
		require.True(t, v.ValidateAggregate([]*intent.Intent{mk("10", "p")}).Valid)
	}
	// four samples: not enforced yet
	require.True(t, v.ValidateAggregate([]*intent.Intent{mk("150", "p")}).Valid)
	// trailing average now (40+150)/5 = 38
	res := v.ValidateAggregate([]*intent.Intent{mk("381", "p")})
	assert.Equal(t, apperr.CodeAverageDivergence, res.Code)
	res = v.ValidateAggregate([]*intent.Intent{mk("3.7", "p")})
	assert.Equal(t, apperr.CodeAverageDivergence, res.Code)
	assert.True(t, v.ValidateAggregate([]*intent.Intent{mk("380", "p")}).Valid)
}

func TestRejectionStreakEscalates(t *testing.T) {
	clock := t0
	bus := event.NewBus(nil)
	var alerts []event.Event
	bus.Subscribe(func(ev event.Event) error {
		alerts = append(alerts, ev)
		return nil
	})
	v := validator.New(limits(), validator.ModeLive,
		validator.WithClock(func() time.Time { return clock }), validator.WithBus(bus))

	bad := func() validator.Result {
		in := mk("1", "bob")
		in.Asset = "DOGE"
		return v.ValidateSingle(in)
	}
	assert.False(t, bad().Escalation)
	assert.False(t, bad().Escalation)
	res := bad()
	assert.True(t, res.Escalation)
	assert.Equal(t, apperr.CodeAssetNotAllowed, res.Code, "escalation never replaces the rejection code")
	require.Len(t, alerts, 1)
	assert.Equal(t, event.EscalationAlert, alerts[0].Type)

	// escalation is a signal: valid intents still pass
	ok := v.ValidateAggregate([]*intent.Intent{mk("1", "bob")})
	assert.True(t, ok.Valid)
	assert.True(t, ok.Escalation)

	bad()
	assert.Len(t, alerts, 1, "one alert per streak")

	clock = clock.Add(61 * time.Minute)
	assert.False(t, bad().Escalation)
}

func TestDayRolloverKeepsRejections(t *testing.T) {
	clock := t0
	v := newValidator(limits(), &clock)
	require.True(t, v.ValidateAggregate([]*intent.Intent{mk("4", "bob")}).Valid)
	require.False(t, v.ValidateAggregate([]*intent.Intent{mk("2", "bob")}).Valid)

	clock = t0.Add(24 * time.Hour)
	st := v.Snapshot()
	assert.True(t, st.DailyVolume.IsZero())
	assert.Empty(t, st.Concentration)
	assert.Len(t, st.Rejections, 1)
	assert.True(t, v.ValidateAggregate([]*intent.Intent{mk("2", "bob")}).Valid)
}

func TestValidateFull(t *testing.T) {
	clock := t0
	lim := limits()
	lim.DailyCap = dec("1000")
	v := newValidator(lim, &clock)

	bad := mk("10", "bob")
	bad.Proofs.PolicyHash = "placeholder"
	res := v.ValidateFull([]*intent.Intent{mk("10", "carol"), bad})
	require.False(t, res.Valid)
	assert.Equal(t, apperr.CodeMissingPolicyHash, res.Code)
	assert.Equal(t, bad.ID, res.IntentID)
	assert.True(t, v.Snapshot().DailyVolume.IsZero(), "aggregate state untouched when any single check fails")

	assert.Equal(t, apperr.CodeEmptyBatch, v.ValidateFull(nil).Code)

	require.True(t, v.ValidateFull([]*intent.Intent{mk("10", "carol"), mk("10", "bob")}).Valid)
	assert.True(t, v.Snapshot().DailyVolume.Equal(dec("20")))
}

func TestRelease(t *testing.T) {
	clock := t0
	v := newValidator(limits(), &clock)
	a, b := mk("2", "bob"), mk("1", "carol")
	require.True(t, v.ValidateAggregate([]*intent.Intent{a}).Valid)
	require.True(t, v.ValidateAggregate([]*intent.Intent{b}).Valid)

	assert.True(t, v.Release(a))
	assert.False(t, v.Release(a), "second release is a no-op")
	st := v.Snapshot()
	assert.True(t, st.DailyVolume.Equal(dec("1")))
	assert.NotContains(t, st.Concentration, "bob")
	assert.Equal(t, 1, st.Contributions)
	require.Len(t, st.Recent, 1)
	assert.Equal(t, b.ID, st.Recent[0].IntentID)

	assert.False(t, v.Release(mk("1", "dave")))
}

func TestSetLimitsAndMode(t *testing.T) {
	clock := t0
	v := newValidator(limits(), &clock)
	in := mk("1", "alice")

	assert.Equal(t, apperr.CodeSelfPayment, v.ValidateSingle(in).Code)
	lim := v.Limits()
	lim.AllowSelfPayment = true
	v.SetLimits(lim)
	v.SetMode(validator.ModeTest)
	assert.Equal(t, validator.ModeTest, v.Mode())
	assert.True(t, v.ValidateSingle(in).Valid)
}
