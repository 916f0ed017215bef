package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/venue"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func signedIntent(amount, asset, target string) *intent.SignedIntent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &intent.SignedIntent{Intent: intent.Intent{
		ID:          "in-1",
		Payer:       "alice",
		Payee:       "bob",
		Amount:      dec(amount),
		Asset:       asset,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		Constraints: intent.Constraints{TargetVenue: target},
	}}
}

func fixed(ok bool, ref string) venue.Executor {
	return venue.ExecutorFunc(func(ctx context.Context, si *intent.SignedIntent) (*venue.Execution, error) {
		if !ok {
			return &venue.Execution{Success: false, Error: "rejected by " + ref}, nil
		}
		return &venue.Execution{Success: true, ReferenceID: ref, FeePaid: dec("0.01"), FillPercent: dec("100")}, nil
	})
}

func threeVenues() []venue.Venue {
	return []venue.Venue{
		{ID: "c", Enabled: true, Priority: 3},
		{ID: "a", Enabled: true, Priority: 1},
		{ID: "b", Enabled: true, Priority: 2},
	}
}

func TestRoute_FallsBackInPriorityOrder(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Register("a", fixed(false, "a"))
	reg.Register("b", fixed(false, "b"))
	reg.Register("c", fixed(true, "ref-c"))

	bus := event.NewBus(nil)
	var routed []event.Event
	bus.Subscribe(func(ev event.Event) error {
		routed = append(routed, ev)
		return nil
	})
	r := venue.NewRouter(threeVenues(), reg, venue.WithBus(bus))

	res, err := r.Route(context.Background(), signedIntent("10", "XRP", ""))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "c", res.VenueID)
	assert.Equal(t, "ref-c", res.ReferenceID)
	assert.True(t, res.FallbackUsed)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{res.Attempts[0].VenueID, res.Attempts[1].VenueID, res.Attempts[2].VenueID})

	hist := r.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)

	st := r.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Fallbacks)
	assert.Equal(t, 1, st.PerVenue["a"].Failures)
	assert.Equal(t, 1, st.PerVenue["c"].Successes)

	require.Len(t, routed, 1)
	assert.Equal(t, event.IntentRouted, routed[0].Type)
	assert.Equal(t, true, routed[0].Payload["fallback_used"])
}

func TestRoute_FallbackIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := venue.NewRegistry()
	reg.Register("a", venue.ExecutorFunc(func(ctx context.Context, si *intent.SignedIntent) (*venue.Execution, error) {
		cancel()
		return &venue.Execution{Success: false, Error: "rejected by a"}, nil
	}))
	reg.Register("b", fixed(true, "ref-b"))
	reg.Register("c", fixed(true, "ref-c"))
	r := venue.NewRouter(threeVenues(), reg)

	res, err := r.Route(ctx, signedIntent("10", "XRP", ""))
	require.NoError(t, err)
	assert.Equal(t, "b", res.VenueID)
	assert.True(t, res.FallbackUsed)
	assert.Len(t, res.Attempts, 2)
}

func TestRoute_PrimarySuccessIsNotFallback(t *testing.T) {
	reg := venue.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		reg.Register(id, fixed(true, "ref-"+id))
	}
	r := venue.NewRouter(threeVenues(), reg)
	res, err := r.Route(context.Background(), signedIntent("10", "XRP", ""))
	require.NoError(t, err)
	assert.Equal(t, "a", res.VenueID)
	assert.False(t, res.FallbackUsed)
	assert.Len(t, res.Attempts, 1)
}

func TestRoute_AllFail(t *testing.T) {
	reg := venue.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		reg.Register(id, fixed(false, id))
	}
	r := venue.NewRouter(threeVenues(), reg)
	res, err := r.Route(context.Background(), signedIntent("10", "XRP", ""))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRouteFailed, apperr.CodeOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "c", res.VenueID)
	assert.Equal(t, 1, r.Stats().Failed)
}

func TestDecideRoute(t *testing.T) {
	venues := []venue.Venue{
		{ID: "cheap", Enabled: true, Priority: 1, MaxAmount: dec("100"), Assets: []string{"XRP"}},
		{ID: "big", Enabled: true, Priority: 2, BaseFee: dec("1"), FeeBps: 10},
		{ID: "off", Enabled: false, Priority: 0},
	}
	reg := venue.NewRegistry()
	for _, v := range venues {
		reg.Register(v.ID, fixed(true, v.ID))
	}

	tests := []struct {
		name       string
		in         *intent.SignedIntent
		maxFee     string
		wantVenue  string
		wantAlts   int
		wantReason string
		wantCode   apperr.Code
	}{
		{name: "top priority", in: signedIntent("10", "XRP", ""), wantVenue: "cheap", wantAlts: 1},
		{name: "requested venue honoured", in: signedIntent("10", "XRP", "big"), wantVenue: "big", wantAlts: 1},
		{name: "requested venue disabled", in: signedIntent("10", "XRP", "off"), wantVenue: "cheap", wantAlts: 1, wantReason: "disabled"},
		{name: "requested venue unknown", in: signedIntent("10", "XRP", "nope"), wantVenue: "cheap", wantAlts: 1, wantReason: "unknown venue"},
		{name: "amount above max", in: signedIntent("500", "XRP", ""), wantVenue: "big"},
		{name: "asset unsupported", in: signedIntent("10", "USD", ""), wantVenue: "big"},
		{name: "fee above max fee", in: signedIntent("500", "XRP", ""), maxFee: "1", wantCode: apperr.CodeNoEligibleVenue},
	}
	r := venue.NewRouter(venues, reg)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.maxFee != "" {
				tc.in.Intent.Constraints.MaxFee = dec(tc.maxFee)
			}
			d, err := r.DecideRoute(&tc.in.Intent)
			if tc.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantVenue, d.Venue.ID)
			assert.Len(t, d.Alternatives, tc.wantAlts)
			if tc.wantReason == "" {
				assert.Empty(t, d.Reason)
			} else {
				assert.Contains(t, d.Reason, tc.wantReason)
			}
		})
	}
}

func TestDecideRoute_EstimatedFee(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Register("v", fixed(true, "v"))
	r := venue.NewRouter([]venue.Venue{{ID: "v", Enabled: true, BaseFee: dec("0.5"), FeeBps: 25, Latency: 2 * time.Second}}, reg)
	d, err := r.DecideRoute(&signedIntent("200", "XRP", "").Intent)
	require.NoError(t, err)
	assert.True(t, dec("1").Equal(d.EstimatedFee), d.EstimatedFee.String())
	assert.Equal(t, 2*time.Second, d.EstimatedLatency)
}

func TestRouter_SetEnabledAndPriority(t *testing.T) {
	reg := venue.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		reg.Register(id, fixed(true, id))
	}
	r := venue.NewRouter(threeVenues(), reg)

	require.NoError(t, r.SetPriority("c", 0))
	d, err := r.DecideRoute(&signedIntent("1", "XRP", "").Intent)
	require.NoError(t, err)
	assert.Equal(t, "c", d.Venue.ID)

	require.NoError(t, r.SetEnabled("c", false))
	d, err = r.DecideRoute(&signedIntent("1", "XRP", "").Intent)
	require.NoError(t, err)
	assert.Equal(t, "a", d.Venue.ID)

	assert.ErrorIs(t, r.SetEnabled("zzz", true), venue.ErrUnknownVenue)
	first := r.Venues()[0]
	assert.Equal(t, "c", first.ID)
	assert.False(t, first.Enabled)
}

func TestRouter_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	reg := venue.NewRegistry()
	reg.Register("flaky", venue.ExecutorFunc(func(ctx context.Context, si *intent.SignedIntent) (*venue.Execution, error) {
		calls++
		return nil, errors.New("connection refused")
	}))
	reg.Register("backup", fixed(true, "ref-backup"))
	r := venue.NewRouter([]venue.Venue{
		{ID: "flaky", Enabled: true, Priority: 1},
		{ID: "backup", Enabled: true, Priority: 2},
	}, reg, venue.WithBreaker(venue.BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Hour, MaxRequests: 1}))

	for i := 0; i < 4; i++ {
		res, err := r.Route(context.Background(), signedIntent("1", "XRP", ""))
		require.NoError(t, err)
		assert.Equal(t, "backup", res.VenueID)
		assert.True(t, res.FallbackUsed)
	}
	assert.Equal(t, 2, calls, "open breaker short-circuits the flaky venue")
	assert.Equal(t, "open", r.Stats().PerVenue["flaky"].Breaker)
}

func TestSimulatedExecutor(t *testing.T) {
	v := venue.Venue{ID: "sim", BaseFee: dec("0.1")}
	ok, err := venue.NewSimulatedExecutor(v, 0, 1).Execute(context.Background(), signedIntent("5", "XRP", ""))
	require.NoError(t, err)
	assert.True(t, ok.Success)
	assert.Contains(t, ok.ReferenceID, "sim-")
	assert.True(t, dec("0.1").Equal(ok.FeePaid))

	bad, err := venue.NewSimulatedExecutor(v, 1, 1).Execute(context.Background(), signedIntent("5", "XRP", ""))
	require.NoError(t, err)
	assert.False(t, bad.Success)

	slow := venue.NewSimulatedExecutor(venue.Venue{ID: "slow", Latency: time.Hour}, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Execute(ctx, signedIntent("5", "XRP", ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfig(t *testing.T) {
	vs := venue.FromConfig([]config.VenueDef{
		{ID: "xrpl", Type: "ledger", Enabled: true, Priority: 1, Assets: []string{"XRP"}},
		{ID: "ilp", Type: "interledger", Name: "Interledger", Priority: 2},
	})
	require.Len(t, vs, 2)
	assert.Equal(t, "xrpl", vs[0].Name)
	assert.Equal(t, venue.TypeLedger, vs[0].Type)
	assert.True(t, vs[0].Supports("xrp"))
	assert.False(t, vs[0].Supports("USD"))
	assert.Equal(t, "Interledger", vs[1].Name)
	assert.True(t, vs[1].Supports("USD"))
}
