package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/exchange"
)

// memRepo stores records in memory, JSON round-tripping content the way the
// database does so type assertions in readers stay honest.
type memRepo struct {
	nextID  int64
	records []*database.MemoryRecord
	failAll bool
}

func newMemRepo() *memRepo { return &memRepo{nextID: 1} }

var errBackendDown = errors.New("backend down")

func (r *memRepo) InsertMemory(_ context.Context, record *database.MemoryRecord) error {
	if r.failAll {
		return errBackendDown
	}
	raw, err := json.Marshal(record.Content)
	if err != nil {
		return err
	}
	var content map[string]interface{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	stored := &database.MemoryRecord{
		ID:        r.nextID,
		Agent:     record.Agent,
		Type:      record.Type,
		Content:   content,
		Metadata:  record.Metadata,
		CreatedAt: time.Now(),
	}
	record.ID = stored.ID
	record.CreatedAt = stored.CreatedAt
	r.nextID++
	r.records = append(r.records, stored)
	return nil
}

func (r *memRepo) QueryMemory(_ context.Context, agent, recordType string, since time.Time, limit int) ([]*database.MemoryRecord, error) {
	if r.failAll {
		return nil, errBackendDown
	}
	var out []*database.MemoryRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[i]
		if rec.Agent != agent {
			continue
		}
		if recordType != "" && rec.Type != recordType {
			continue
		}
		if !since.IsZero() && rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *memRepo) QueryTradeLearning(_ context.Context, symbol, strategy string, since time.Time) ([]*database.MemoryRecord, error) {
	if r.failAll {
		return nil, errBackendDown
	}
	var out []*database.MemoryRecord
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.Type != database.MemoryTypeTradeLearning || rec.CreatedAt.Before(since) {
			continue
		}
		if rec.Content["symbol"] == symbol && rec.Content["strategy"] == strategy {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) CompactMemory(_ context.Context, cutoff time.Time) (int64, error) {
	if r.failAll {
		return 0, errBackendDown
	}
	var kept []*database.MemoryRecord
	var deleted int64
	for _, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return deleted, nil
}

func closedTrade(confidence, delay, slippage float64) *database.TradeRecord {
	reason := database.ExitReasonSignal
	return &database.TradeRecord{
		ID:                    "trade-1",
		BotID:                 "bot-1",
		Symbol:                "BTCUSDT",
		Side:                  "SELL",
		Strategy:              "rsi",
		Confidence:            confidence,
		ExecutionDelaySeconds: delay,
		PriceSlippagePercent:  slippage,
		ExitReason:            &reason,
	}
}

func flatWindow(prices ...float64) []exchange.Kline {
	out := make([]exchange.Kline, len(prices))
	for i, p := range prices {
		out[i] = exchange.Kline{
			OpenTime: int64(i) * 60_000, Open: p, High: p, Low: p, Close: p,
			Volume: 1, CloseTime: int64(i+1)*60_000 - 1,
		}
	}
	return out
}

func TestSaveAndRetrieve(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "bot-1", database.MemoryTypeAnalysis,
		map[string]interface{}{"note": "volume spike"}, nil))

	records := store.Retrieve(ctx, "bot-1", database.MemoryTypeAnalysis, time.Time{}, 10)
	require.Len(t, records, 1)
	assert.Equal(t, "volume spike", records[0].Content["note"])

	assert.Empty(t, store.Retrieve(ctx, "bot-1", database.MemoryTypeCollective, time.Time{}, 10))
}

func TestRetrieveReturnsEmptyOnOutage(t *testing.T) {
	repo := newMemRepo()
	repo.failAll = true
	store := NewStore(repo, 0)

	assert.Empty(t, store.Retrieve(context.Background(), "bot-1", "", time.Time{}, 10))
}

func TestLearnFromTradeWritesAgentAndCollective(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo, 0)
	ctx := context.Background()

	trade := closedTrade(0.9, 1.0, 0.0)
	store.LearnFromTrade(ctx, "bot-1", trade, OutcomeFailure, -3.0, nil)

	own := store.Retrieve(ctx, "bot-1", database.MemoryTypeTradeLearning, time.Time{}, 10)
	require.Len(t, own, 1)
	shared := store.Retrieve(ctx, CollectiveAgent, database.MemoryTypeTradeLearning, time.Time{}, 10)
	require.Len(t, shared, 1)

	assert.Equal(t, "trade-1", own[0].Metadata["trade_id"])
	assert.Equal(t, string(OutcomeFailure), own[0].Content["outcome"])
}

func TestLearnFromTradeSurvivesOutage(t *testing.T) {
	repo := newMemRepo()
	repo.failAll = true
	store := NewStore(repo, 0)

	// Must not panic or propagate anything.
	store.LearnFromTrade(context.Background(), "bot-1", closedTrade(0.7, 1, 0), OutcomeSuccess, 2.5, nil)
}

func TestExtractLessonsExecutionQuality(t *testing.T) {
	lessons := extractLessons(closedTrade(0.9, 1.0, 0.3), OutcomeFailure, -3.0, nil)
	assert.Contains(t, lessons[0], "high-confidence")
	assertAnyContains(t, lessons, "fast execution")
	assertAnyContains(t, lessons, "favorable slippage")

	lessons = extractLessons(closedTrade(0.5, 15.0, -0.5), OutcomeSuccess, 2.0, nil)
	assertAnyContains(t, lessons, "low-confidence")
	assertAnyContains(t, lessons, "execution delay")
	assertAnyContains(t, lessons, "adverse slippage")

	// Mid-band trade with clean execution produces no execution lessons.
	lessons = extractLessons(closedTrade(0.7, 5.0, 0.0), OutcomeNeutral, 0.1, nil)
	assert.Empty(t, lessons)
}

func TestExtractLessonsFromCandleBundle(t *testing.T) {
	bundle := &CandleBundle{
		// Downtrend into the entry.
		PreTrade: flatWindow(110, 108, 106, 104, 100),
		// Position ran to +8% before the close.
		DuringTrade: []exchange.Kline{
			{Open: 100, High: 108, Low: 99, Close: 100},
			{Open: 100, High: 101, Low: 97, Close: 98},
		},
		// Price kept falling after the exit.
		PostTrade: flatWindow(98, 97, 95),
	}

	lessons := extractLessons(closedTrade(0.7, 3.0, 0.0), OutcomeFailure, -2.0, bundle)
	assertAnyContains(t, lessons, "against a pre-trade downtrend")
	assertAnyContains(t, lessons, "missed take profit")
	assertAnyContains(t, lessons, "held too long")
	assertAnyContains(t, lessons, "well-timed exit")
}

func TestExtractLessonsShortFavorableExcursion(t *testing.T) {
	// Price never rose above the entry but dipped 8% below it: a short was
	// well in profit before being covered at a loss.
	bundle := &CandleBundle{
		DuringTrade: []exchange.Kline{
			{Open: 100, High: 100, Low: 92, Close: 95},
			{Open: 95, High: 100, Low: 94, Close: 99},
		},
	}
	trade := closedTrade(0.7, 3.0, 0.0)
	trade.Side = "BUY"

	lessons := extractLessons(trade, OutcomeFailure, -2.0, bundle)
	assertAnyContains(t, lessons, "missed take profit")
	assertAnyContains(t, lessons, "held too long")

	// The same candles seen from a long show no favorable excursion.
	long := extractLessons(closedTrade(0.7, 3.0, 0.0), OutcomeFailure, -2.0, bundle)
	for _, l := range long {
		assert.NotContains(t, l, "held too long")
	}
}

func TestExtractLessonsExitedTooEarly(t *testing.T) {
	bundle := &CandleBundle{
		PostTrade: flatWindow(100, 102, 105),
	}
	lessons := extractLessons(closedTrade(0.7, 3.0, 0.0), OutcomeSuccess, 2.1, bundle)
	assertAnyContains(t, lessons, "exited too early")
}

func TestPatternInsightsRecommendationMapping(t *testing.T) {
	assert.Equal(t, RecommendationPositive, recommend(70, 1.5))
	assert.Equal(t, RecommendationNeutral, recommend(70, -0.5))
	assert.Equal(t, RecommendationNegative, recommend(35, 2.0))
	assert.Equal(t, RecommendationNegative, recommend(45, -1.0))
	assert.Equal(t, RecommendationNeutral, recommend(55, -1.0))
	assert.Equal(t, RecommendationNeutral, recommend(45, 1.0))
}

func TestPatternInsightsAggregatesAndDeduplicates(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo, 0)
	ctx := context.Background()

	outcomes := []struct {
		id      string
		outcome Outcome
		pnl     float64
	}{
		{"t1", OutcomeSuccess, 3.0},
		{"t2", OutcomeSuccess, 2.0},
		{"t3", OutcomeFailure, -1.0},
	}
	for _, o := range outcomes {
		trade := closedTrade(0.7, 1.0, 0.0)
		trade.ID = o.id
		// Each trade is mirrored into the collective stream and must still
		// count once.
		store.LearnFromTrade(ctx, "bot-1", trade, o.outcome, o.pnl, nil)
	}

	insight := store.PatternInsights(ctx, "BTCUSDT", "rsi")
	assert.Equal(t, 3, insight.TotalTrades)
	assert.InDelta(t, 66.67, insight.SuccessRate, 0.01)
	assert.InDelta(t, 4.0/3.0, insight.AvgPnL, 1e-9)
	assert.Equal(t, RecommendationPositive, insight.Recommendation)
}

func TestPatternInsightsEmptyOnOutage(t *testing.T) {
	repo := newMemRepo()
	repo.failAll = true
	store := NewStore(repo, 0)

	insight := store.PatternInsights(context.Background(), "BTCUSDT", "rsi")
	assert.Equal(t, 0, insight.TotalTrades)
	assert.Equal(t, RecommendationNeutral, insight.Recommendation)
}

func TestRunCompaction(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo, 30*24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "bot-1", database.MemoryTypeAnalysis,
		map[string]interface{}{"note": "old"}, nil))
	repo.records[0].CreatedAt = time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, "bot-1", database.MemoryTypeAnalysis,
		map[string]interface{}{"note": "fresh"}, nil))

	deleted, err := store.RunCompaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, repo.records, 1)
}

func assertAnyContains(t *testing.T, lessons []string, fragment string) {
	t.Helper()
	for _, l := range lessons {
		if strings.Contains(l, fragment) {
			return
		}
	}
	t.Errorf("no lesson contains %q in %v", fragment, lessons)
}
