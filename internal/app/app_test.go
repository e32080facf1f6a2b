package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/config"
	"scalpctl/internal/market"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/strategy/score"
)

type memNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *memNotifier) SendText(text string) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
	return nil
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

const paperYAML = `
app:
  env: test
  http_addr: 127.0.0.1:0
universe:
  symbols: [aapl, msft]
oracle:
  enabled: false
market:
  paper_prices:
    aapl: 180
    msft: 410
    spy: 520
`

func buildTestApp(t *testing.T, now time.Time) (*App, *memNotifier) {
	t.Helper()
	cfg := loadConfig(t, paperYAML)
	dir := t.TempDir()
	notes := &memNotifier{}
	a, err := NewAppBuilder(cfg,
		WithClock(func() time.Time { return now }),
		WithStorePaths(filepath.Join(dir, "state.db"), filepath.Join(dir, "journal.db")),
		WithNotifier(notes),
	).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, notes
}

func TestBuild_PaperStack(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	a, _ := buildTestApp(t, time.Date(2026, 10, 15, 10, 0, 0, 0, ny))

	require.NotNil(t, a.Engine())
	require.NotNil(t, a.Admin())
	assert.Equal(t, "paper", a.Summary.Broker)
	assert.Equal(t, "rules", a.Summary.Judge)
	assert.Equal(t, []string{"AAPL", "MSFT"}, a.Summary.Symbols)
	assert.Equal(t, mode.Balanced, a.Summary.Mode.Name)
	assert.Equal(t, 3, a.preheat(context.Background()))

	var buf bytes.Buffer
	_, err = a.Summary.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "STARTUP SUMMARY")
	assert.Contains(t, buf.String(), "AAPL, MSFT")
	assert.Contains(t, buf.String(), "09:30")
}

func TestBuild_OpenSessionAndAdminStatus(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	a, _ := buildTestApp(t, time.Date(2026, 10, 15, 10, 0, 0, 0, ny))

	require.NoError(t, a.Engine().OpenSession(context.Background()))
	assert.True(t, a.Engine().Reconciled())

	rec := httptest.NewRecorder()
	a.Admin().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Session    string `json:"session"`
		Reconciled bool   `json:"reconciled"`
		Mode       struct {
			Name string `json:"name"`
		} `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2026-10-15", body.Session)
	assert.True(t, body.Reconciled)
	assert.Equal(t, "BALANCED", body.Mode.Name)

	rec = httptest.NewRecorder()
	a.Admin().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_WithFeedOverride(t *testing.T) {
	cfg := loadConfig(t, paperYAML)
	feed := market.NewSyntheticFeed(3)
	feed.SetPrice("AAPL", 50)
	dir := t.TempDir()
	a, err := NewAppBuilder(cfg,
		WithFeed(feed),
		WithStorePaths(filepath.Join(dir, "state.db"), filepath.Join(dir, "journal.db")),
		WithNotifier(&memNotifier{}),
	).Build(context.Background())
	require.NoError(t, err)
	defer a.Close()

	// 只有 AAPL 有价格
	assert.Equal(t, 1, a.preheat(context.Background()))
}

func TestClose_Idempotent(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	a, _ := buildTestApp(t, time.Date(2026, 10, 15, 10, 0, 0, 0, ny))
	a.Close()
	a.Close()
}

func TestExitParamsFromConfig(t *testing.T) {
	cfg := loadConfig(t, paperYAML)
	session, err := sessionFromConfig(cfg.Session)
	require.NoError(t, err)

	p := exitParams(cfg.Exit, session)
	assert.Equal(t, cfg.Exit.StopLossPct, p.StopLossPct)
	assert.Equal(t, exit.ArmPolicy(cfg.Exit.ArmPolicy), p.ArmPolicy)
	assert.Equal(t, 15*time.Hour+50*time.Minute, p.Cutoff)
	assert.Equal(t, cfg.Exit.GradeTargets["S"], p.Targets[score.GradeS])
	assert.Equal(t, "America/New_York", p.Location.String())
}

func TestModeConfigFromConfig(t *testing.T) {
	cfg := loadConfig(t, paperYAML)
	th := modeThresholds(cfg.Modes)
	require.Len(t, th, 3)
	assert.Equal(t, "DEFENSIVE", th[mode.Defensive].Mode)

	mc := modeConfig(cfg.Modes, th)
	assert.Equal(t, mode.Aggressive, mc.RegimeTable[mode.RegimeBull])
	assert.Equal(t, 15*time.Minute, mc.Dwell)
}
