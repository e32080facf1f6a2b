package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/analysis/indicator"
	"scalpctl/internal/pkg/circuit"
	"scalpctl/internal/strategy/score"
	"scalpctl/internal/strategy/signal"
)

type MockCaller struct {
	mock.Mock
}

func (m *MockCaller) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	args := m.Called(ctx, systemPrompt, userPrompt)
	return args.String(0), args.Error(1)
}

func loadedPrompts(t *testing.T) *Prompts {
	t.Helper()
	p := NewPrompts("")
	require.NoError(t, p.Load())
	return p
}

func snapshot() score.Snapshot {
	return score.Snapshot{
		Symbol:     "AAPL",
		Normalized: 82.4,
		Grade:      score.GradeA,
		Components: score.Components{Candle: 12},
		Indicators: indicator.Vector{CCI: 165, ChangePct: 3.1, DistanceMA20Pct: 4.2, VolumeRatio: 2.1, ConsecutiveBullish: 2},
	}
}

func TestPrompts_RenderAndOverride(t *testing.T) {
	p := loadedPrompts(t)
	assert.Contains(t, p.System(), "JSON")
	user, err := p.User(PromptData{Symbol: "AAPL", Price: 187.2, Score: 82.4, Grade: "A", CCI: 165, IndexSymbol: "SPY", IndexChangePct: -0.4})
	require.NoError(t, err)
	assert.Contains(t, user, "[STOCK AAPL]")
	assert.Contains(t, user, "82.4/100 (grade A)")
	assert.Contains(t, user, "SPY: -0.40%")
	assert.Contains(t, user, "below MA")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.txt"), []byte("custom system"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	p = NewPrompts(dir)
	require.NoError(t, p.Load())
	assert.Equal(t, "custom system", p.System())

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "user.txt"), []byte("{{.Missing"), 0o644))
	assert.Error(t, NewPrompts(bad).Load())
}

func TestOracle_JudgeParsesReply(t *testing.T) {
	caller := &MockCaller{}
	caller.On("Call", mock.Anything, mock.Anything, mock.MatchedBy(func(user string) bool {
		return strings.Contains(user, "[STOCK AAPL]") && strings.Contains(user, "Mode: BALANCED")
	})).Return(`{"decision":"BUY","confidence":0.85,"target_price":190}`, nil).Once()

	o := New(Config{Model: "test-model", Timeout: time.Second, Concurrency: 2}, caller, loadedPrompts(t), nil)
	o.SetMarket(MarketContext{Mode: "BALANCED", IndexSymbol: "SPY", IndexAboveMA: true})
	j, err := o.Judge(context.Background(), "AAPL", snapshot(), 187.2)
	require.NoError(t, err)
	assert.Equal(t, signal.DecisionBuy, j.Verdict)
	assert.Equal(t, 0.85, j.Confidence)
	assert.Equal(t, 190.0, j.TargetPrice)
	assert.Equal(t, "test-model", j.Model)
	caller.AssertExpectations(t)
}

func TestOracle_FailureHoldsAndOpensBreaker(t *testing.T) {
	caller := &MockCaller{}
	caller.On("Call", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("connection refused")).Twice()

	breaker := circuit.NewCircuitBreaker("oracle", 2, time.Minute)
	o := New(Config{Model: "m", Timeout: time.Second}, caller, loadedPrompts(t), breaker)

	for i := 0; i < 2; i++ {
		j, err := o.Judge(context.Background(), "AAPL", snapshot(), 187.2)
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, signal.DecisionHold, j.Verdict)
	}
	j, err := o.Judge(context.Background(), "AAPL", snapshot(), 187.2)
	require.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, signal.DecisionHold, j.Verdict)
	caller.AssertNumberOfCalls(t, "Call", 2)
}

type slowCaller struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowCaller) Call(ctx context.Context, _, _ string) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return `{"decision":"HOLD","confidence":0.2}`, nil
}

func TestOracle_ConcurrencyBounded(t *testing.T) {
	caller := &slowCaller{}
	o := New(Config{Model: "m", Timeout: time.Second, Concurrency: 2}, caller, loadedPrompts(t), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Judge(context.Background(), "AAPL", snapshot(), 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, caller.peak.Load(), int32(2))
}

func TestChatClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		assert.Len(t, body.Messages, 2)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"decision\":\"BUY\",\"confidence\":0.9}"}}]}`))
	}))
	defer srv.Close()

	var waited []time.Duration
	c := NewChatClient(srv.URL+"/v1/chat/completions", "sk-test", "gpt-test", time.Second, 2)
	c.sleep = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}
	out, err := c.Call(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Contains(t, out, "BUY")
	assert.Equal(t, []time.Duration{time.Second}, waited)
}

func TestChatClient_NonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "", "m", time.Second, 3)
	_, err := c.Call(context.Background(), "", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.EqualValues(t, 1, calls.Load())
}

func TestRuleJudge(t *testing.T) {
	r := RuleJudge{MinScore: 70}
	j, err := r.Judge(context.Background(), "AAPL", snapshot(), 100)
	require.NoError(t, err)
	assert.Equal(t, signal.DecisionBuy, j.Verdict)
	assert.InDelta(t, 0.824, j.Confidence, 1e-9)
	assert.Equal(t, 100.0, j.TargetPrice)

	low := snapshot()
	low.Normalized = 50
	j, err = r.Judge(context.Background(), "AAPL", low, 100)
	require.NoError(t, err)
	assert.Equal(t, signal.DecisionHold, j.Verdict)
}
