package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndList(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordCycle(ctx, []Entry{
		{CycleID: "c1", At: at, Symbol: "aapl", Mode: "BALANCED", Score: 82, Grade: "A", Price: 100,
			Verdict: "BUY", Confidence: 0.8, Target: 101, Outcome: OutcomeSubmitted},
		{CycleID: "c1", At: at, Symbol: "MSFT", Mode: "BALANCED", Score: 71, Grade: "B", Price: 300,
			Verdict: "HOLD", Failed: []string{"verdict", "confidence"}, Outcome: OutcomeRejected},
		{CycleID: "c1", At: at, Symbol: "TSLA", Score: 40, Outcome: OutcomeFiltered, Note: "below prefilter"},
	}))
	require.NoError(t, j.RecordCycle(ctx, []Entry{
		{CycleID: "c2", At: at.Add(time.Minute), Symbol: "AAPL", Score: 79, Outcome: OutcomeSkipped},
	}))
	require.NoError(t, j.RecordCycle(ctx, nil))

	all, err := j.List(ctx, Query{Symbol: "aapl"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].CycleID)
	assert.Equal(t, OutcomeSubmitted, all[1].Outcome)
	assert.True(t, all[1].At.Equal(at))

	c1, err := j.List(ctx, Query{CycleID: "c1"})
	require.NoError(t, err)
	require.Len(t, c1, 3)
	for _, e := range c1 {
		if e.Symbol == "MSFT" {
			assert.Equal(t, []string{"verdict", "confidence"}, e.Failed)
		}
		if e.Symbol == "TSLA" {
			assert.Equal(t, "below prefilter", e.Note)
		}
	}

	funnel, err := j.Funnel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, FunnelCount{OutcomeSubmitted: 1, OutcomeRejected: 1, OutcomeFiltered: 1}, funnel)
}

func TestJournal_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordCycle(context.Background(), []Entry{{CycleID: "c", Symbol: "AAPL", Outcome: OutcomeSkipped}}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.List(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, j.Close())
	_, err = j.List(context.Background(), Query{})
	assert.Error(t, err)
}
