package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/engine"
	"scalpctl/internal/metrics"
	"scalpctl/internal/reconcile"
	"scalpctl/internal/safety"
	"scalpctl/internal/store/journal"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/trader"
)

type fakeEngine struct {
	kills     []safety.KillRequest
	killErr   error
	reconErr  error
	forced    []mode.Name
	session   string
	reconcile int
}

func (f *fakeEngine) Status() engine.Status {
	return engine.Status{Phase: engine.PhaseTrading, Session: f.session, Reconciled: true}
}

func (f *fakeEngine) Kill(_ context.Context, req safety.KillRequest) (safety.KillReport, error) {
	if !req.Confirmed && req.Variant != safety.VariantForced {
		return safety.KillReport{}, safety.ErrNotConfirmed
	}
	f.kills = append(f.kills, req)
	return safety.KillReport{Variant: req.Variant, Reason: req.Reason, Liquidated: []string{"AAPL"}}, f.killErr
}

func (f *fakeEngine) RunReconcile(context.Context) (reconcile.Report, error) {
	f.reconcile++
	return reconcile.Report{Matched: []string{"AAPL"}}, f.reconErr
}

func (f *fakeEngine) ForceMode(name mode.Name) (mode.Mode, error) {
	if name != "" && name != mode.Defensive {
		return mode.Mode{}, mode.ErrUnknownMode
	}
	f.forced = append(f.forced, name)
	return mode.Mode{Name: mode.Defensive}, nil
}

type fakeJournal struct{ q journal.Query }

func (j *fakeJournal) List(_ context.Context, q journal.Query) ([]journal.Entry, error) {
	j.q = q
	return []journal.Entry{{CycleID: q.CycleID, Symbol: "AAPL", Outcome: journal.OutcomeSubmitted}}, nil
}

func (j *fakeJournal) Funnel(context.Context, string) (journal.FunnelCount, error) {
	return journal.FunnelCount{journal.OutcomeSubmitted: 1}, nil
}

type fakeTrades struct{ session string }

func (t *fakeTrades) ListTrades(_ context.Context, session string) ([]trader.Trade, error) {
	t.session = session
	return []trader.Trade{{Symbol: "AAPL"}}, nil
}

func newTestServer(t *testing.T, e *fakeEngine) (*Server, *fakeJournal, *fakeTrades) {
	t.Helper()
	j, tr := &fakeJournal{}, &fakeTrades{}
	srv, err := NewServer(ServerConfig{Engine: e, Decisions: j, Trades: tr, Metrics: metrics.New().Handler()})
	require.NoError(t, err)
	return srv, j, tr
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_RequiresEngine(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestServer_HealthzStatusAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{session: "2026-10-15"})

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)

	rec := do(t, srv, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, engine.PhaseTrading, st.Phase)
	assert.Equal(t, "2026-10-15", st.Session)

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scalpctl_killed")
}

func TestRouter_KillNeedsConfirmation(t *testing.T) {
	e := &fakeEngine{}
	srv, _, _ := newTestServer(t, e)

	rec := do(t, srv, http.MethodPost, "/api/kill", `{"variant":"full"}`)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Empty(t, e.kills)

	rec = do(t, srv, http.MethodPost, "/api/kill", `{"variant":"full","confirm":true,"reason":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.kills, 1)
	assert.Equal(t, safety.VariantFull, e.kills[0].Variant)
	assert.Equal(t, "manual", e.kills[0].Reason)
	assert.True(t, strings.HasPrefix(e.kills[0].Source, "http:"))
	assert.Contains(t, rec.Body.String(), "AAPL")
}

func TestRouter_KillRejectsForcedAndUnknownVariants(t *testing.T) {
	e := &fakeEngine{}
	srv, _, _ := newTestServer(t, e)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/kill", `{"variant":"forced"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/kill", `{"variant":"nuke","confirm":true}`).Code)
	assert.Empty(t, e.kills)
}

func TestRouter_KillPartialFailureReturnsReport(t *testing.T) {
	e := &fakeEngine{killErr: errors.New("liquidate: context deadline exceeded")}
	srv, _, _ := newTestServer(t, e)
	rec := do(t, srv, http.MethodPost, "/api/kill", `{"confirm":true}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "report")
}

func TestRouter_Reconcile(t *testing.T) {
	e := &fakeEngine{}
	srv, _, _ := newTestServer(t, e)
	rec := do(t, srv, http.MethodPost, "/api/reconcile", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.reconcile)

	e.reconErr = errors.New("holdings: timeout")
	assert.Equal(t, http.StatusBadGateway, do(t, srv, http.MethodPost, "/api/reconcile", "").Code)
}

func TestRouter_Mode(t *testing.T) {
	e := &fakeEngine{}
	srv, _, _ := newTestServer(t, e)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/mode", `{"mode":"DEFENSIVE"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/mode", `{"mode":"auto"}`).Code)
	assert.Equal(t, []mode.Name{mode.Defensive, ""}, e.forced)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/mode", `{"mode":"YOLO"}`).Code)
}

func TestRouter_DecisionsAndTrades(t *testing.T) {
	srv, j, tr := newTestServer(t, &fakeEngine{session: "2026-10-15"})

	rec := do(t, srv, http.MethodGet, "/api/decisions?cycle=c1&symbol=aapl&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, journal.Query{CycleID: "c1", Symbol: "AAPL", Limit: 5}, j.q)
	assert.Contains(t, rec.Body.String(), `"funnel"`)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/decisions?since=yesterday", "").Code)

	rec = do(t, srv, http.MethodGet, "/api/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-10-15", tr.session)
}
