package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paycore/internal/api"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/pipeline"
	"github.com/gyaneshwarpardhi/paycore/internal/stream"
	"github.com/gyaneshwarpardhi/paycore/internal/venue"
)

const testConfig = `
version: v1
mode: test
regime:
  preset: %s
limits:
  daily_cap: 1000
  per_tx_cap: 100
  concentration_pct: 100
  allowed_assets: [XRP, USD]
batching:
  size: 10
  flush_interval: 1h
  force_on_submit: true
venues:
  - id: primary
    type: ledger
    enabled: true
    priority: 1
ledger:
  prices:
    XRP: "0.5"
  opening_lots:
    - asset: XRP
      quantity: 1000
      cost_basis: 100
      acquired_at: 2025-01-02T00:00:00Z
engine:
  workers: 2
  queue_depth: 8
`

func configYAML(preset string) []byte {
	return []byte(strings.Replace(testConfig, "%s", preset, 1))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	srv *httptest.Server
	o   *pipeline.Orchestrator
	hub *stream.Hub
}

func newFixture(t *testing.T, loader *config.Loader) *fixture {
	t.Helper()
	cfg, err := config.Parse(configYAML("moderate"))
	require.NoError(t, err)

	bus := event.NewBus(nil)
	hub := stream.NewHub(nil)
	t.Cleanup(hub.Attach(bus))
	t.Cleanup(hub.Close)

	o, err := pipeline.FromConfig(context.Background(), cfg, pipeline.Deps{
		Bus:   bus,
		Clock: (&clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}).now,
		Executors: map[string]venue.Executor{
			"primary": venue.ExecutorFunc(func(ctx context.Context, si *intent.SignedIntent) (*venue.Execution, error) {
				return &venue.Execution{Success: true, ReferenceID: "tx-" + si.Intent.ID[:8], FillPercent: decimal.NewFromInt(100)}, nil
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	srv := httptest.NewServer(api.New(o, loader, hub, nil))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, o: o, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func payment(amount string) map[string]interface{} {
	return map[string]interface{}{"payer": "alice", "payee": "bob", "amount": amount, "asset": "XRP", "ttl": "10m"}
}

func TestProcessIntent_SettlesAndProves(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/v1/intents", payment("10"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, intent.StatusSettled, out.Status)
	assert.Equal(t, "primary", out.Route.VenueID)
	require.NotEmpty(t, out.BatchID)

	resp, body = f.do(t, http.MethodGet, "/v1/intents/"+out.IntentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"outcome"`)

	resp, body = f.do(t, http.MethodGet, "/v1/batches/"+out.BatchID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch struct {
		Leaves []string `json:"leaves"`
		Root   string   `json:"merkle_root"`
	}
	require.NoError(t, json.Unmarshal(body, &batch))
	require.Len(t, batch.Leaves, 1)

	resp, body = f.do(t, http.MethodGet, "/v1/batches/"+out.BatchID+"/proof?leaf="+batch.Leaves[0], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var proof struct {
		Valid bool `json:"valid"`
		Proof struct {
			Root string `json:"merkle_root"`
		} `json:"proof"`
	}
	require.NoError(t, json.Unmarshal(body, &proof))
	assert.True(t, proof.Valid)
	assert.Equal(t, batch.Root, proof.Proof.Root)

	resp, _ = f.do(t, http.MethodGet, "/v1/batches/"+out.BatchID+"/proof", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProcessIntent_Errors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"invalid json", "{", http.StatusBadRequest, "invalid JSON"},
		{"invalid ttl", map[string]interface{}{"payer": "a", "payee": "b", "amount": "1", "asset": "XRP", "ttl": "soon"}, http.StatusBadRequest, "invalid ttl"},
		{"over per-tx cap", payment("1000"), http.StatusUnprocessableEntity, "AMOUNT_EXCEEDS_TX_CAP"},
		{"asset not allowed", map[string]interface{}{"payer": "a", "payee": "b", "amount": "1", "asset": "DOGE"}, http.StatusUnprocessableEntity, "ASSET_NOT_ALLOWED"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/intents", tc.body)
			assert.Equal(t, tc.wantCode, resp.StatusCode)
			assert.Contains(t, string(body), tc.wantErr)
		})
	}
}

func TestSubmitAndCancel(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/v1/intents/async", payment("1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var in intent.Intent
	require.NoError(t, json.Unmarshal(body, &in))

	out, err := f.o.Wait(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusSettled, out.Status)

	resp, _ = f.do(t, http.MethodDelete, "/v1/intents/"+in.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/intents/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/intents/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/intents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []intent.Intent
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 1)
}

func TestValidateIntents(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/v1/intents/validate", []interface{}{payment("2"), payment("3")})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decimal.NewFromInt(5).Equal(f.o.Validator.Snapshot().DailyVolume))

	resp, body = f.do(t, http.MethodPost, "/v1/intents/validate", []interface{}{
		payment("2"),
		map[string]interface{}{"payer": "a", "payee": "b", "amount": "1", "asset": "DOGE"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "ASSET_NOT_ALLOWED")
	assert.True(t, decimal.NewFromInt(5).Equal(f.o.Validator.Snapshot().DailyVolume))

	resp, _ = f.do(t, http.MethodPost, "/v1/intents/validate", []interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPut, "/v1/mode", map[string]string{"mode": "staging"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/v1/mode", map[string]string{"mode": "live"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "live", f.o.Mode())

	resp, body := f.do(t, http.MethodPut, "/v1/regime", map[string]string{"preset": "aggressive"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "aggressive", f.o.Regime.Active().Name)
	resp, _ = f.do(t, http.MethodPut, "/v1/regime", map[string]string{"preset": "reckless"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/v1/regime", "{}")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPatch, "/v1/venues/primary", map[string]interface{}{"enabled": false, "priority": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var v venue.Venue
	require.NoError(t, json.Unmarshal(body, &v))
	assert.False(t, v.Enabled)
	assert.Equal(t, 3, v.Priority)
	resp, _ = f.do(t, http.MethodPatch, "/v1/venues/ghost", map[string]interface{}{"enabled": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/intents", payment("1"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "NO_ELIGIBLE_VENUE")

	resp, body = f.do(t, http.MethodGet, "/v1/routes/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"venues"`)

	resp, _ = f.do(t, http.MethodPost, "/v1/config/reload", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestTaxReport(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/intents", payment("10"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/reports/tax?start=2026-01-01&end=2027-01-01&format=csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "description,date_acquired,date_sold"))
	assert.Contains(t, lines[1], "2025-01-02")
	assert.Contains(t, lines[1], "long")

	resp, body = f.do(t, http.MethodGet, "/v1/reports/tax?start=2026-01-01&end=2027-01-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep struct {
		LongTermGains decimal.Decimal `json:"long_term_gains"`
	}
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.True(t, decimal.NewFromInt(4).Equal(rep.LongTermGains), rep.LongTermGains.String())

	for _, q := range []string{"?start=03/01/2026", "?start=2026-02-01&end=2026-01-01", "?format=xml"} {
		resp, _ = f.do(t, http.MethodGet, "/v1/reports/tax"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paycore.yaml")
	require.NoError(t, os.WriteFile(path, configYAML("moderate"), 0o644))
	loader, err := config.NewLoader(path)
	require.NoError(t, err)
	f := newFixture(t, loader)

	require.NoError(t, os.WriteFile(path, configYAML("conservative"), 0o644))
	resp, body := f.do(t, http.MethodPost, "/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "conservative", f.o.Regime.Active().Name)

	require.NoError(t, os.WriteFile(path, []byte("version: v1\nmode: sideways\n"), 0o644))
	resp, _ = f.do(t, http.MethodPost, "/v1/config/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "conservative", f.o.Regime.Active().Name)
}

func TestProbesAndStream(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ready"`)
	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "paycore_http_requests_total")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/stream?type=intent.settled"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/v1/intents", payment("1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev event.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, event.IntentSettled, ev.Type)
}
