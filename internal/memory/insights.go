package memory

import (
	"context"
	"sort"
	"time"
)

// Recommendation buckets for a (symbol, strategy) pair.
const (
	RecommendationPositive = "POSITIVE"
	RecommendationNeutral  = "NEUTRAL"
	RecommendationNegative = "NEGATIVE"
)

// InsightWindow is how far back pattern insights look.
const InsightWindow = 90 * 24 * time.Hour

// Insight is a derived, recomputed-on-demand view over trade_learning
// records for one (symbol, strategy) pair.
type Insight struct {
	Symbol         string   `json:"symbol"`
	Strategy       string   `json:"strategy"`
	TotalTrades    int      `json:"total_trades"`
	SuccessRate    float64  `json:"success_rate"`
	AvgPnL         float64  `json:"avg_pnl"`
	Recommendation string   `json:"recommendation"`
	Lessons        []string `json:"lessons"`
}

// PatternInsights recomputes the insight for a pair from stored learning
// records. On backend outage it returns an empty NEUTRAL insight.
func (s *Store) PatternInsights(ctx context.Context, symbol, strategy string) *Insight {
	insight := &Insight{
		Symbol:         symbol,
		Strategy:       strategy,
		Recommendation: RecommendationNeutral,
	}

	since := s.now().Add(-InsightWindow)
	records, err := s.repo.QueryTradeLearning(ctx, symbol, strategy, since)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("strategy", strategy).Msg("insight query failed")
		return insight
	}

	var successes int
	var pnlSum float64
	lessonCounts := map[string]int{}
	seen := map[string]bool{}

	for _, record := range records {
		// The collective stream mirrors agent records; count each trade once.
		if tradeID, ok := record.Metadata["trade_id"].(string); ok {
			if seen[tradeID] {
				continue
			}
			seen[tradeID] = true
		}
		insight.TotalTrades++
		if outcome, ok := record.Content["outcome"].(string); ok && outcome == string(OutcomeSuccess) {
			successes++
		}
		if pnl, ok := record.Content["pnl_percent"].(float64); ok {
			pnlSum += pnl
		}
		if lessons, ok := record.Content["lessons"].([]interface{}); ok {
			for _, l := range lessons {
				if text, ok := l.(string); ok {
					lessonCounts[text]++
				}
			}
		}
	}

	if insight.TotalTrades == 0 {
		return insight
	}

	insight.SuccessRate = float64(successes) / float64(insight.TotalTrades) * 100
	insight.AvgPnL = pnlSum / float64(insight.TotalTrades)
	insight.Recommendation = recommend(insight.SuccessRate, insight.AvgPnL)
	insight.Lessons = topLessons(lessonCounts, 5)
	return insight
}

func recommend(successRate, avgPnL float64) string {
	switch {
	case successRate > 60 && avgPnL > 0:
		return RecommendationPositive
	case successRate < 40:
		return RecommendationNegative
	case successRate < 50 && avgPnL < 0:
		return RecommendationNegative
	default:
		return RecommendationNeutral
	}
}

func topLessons(counts map[string]int, n int) []string {
	type entry struct {
		text  string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for text, count := range counts {
		entries = append(entries, entry{text, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].text < entries[j].text
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.text
	}
	return out
}
