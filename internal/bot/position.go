package bot

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of an open position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Position is the single open position a bot may hold. Price extremes since
// entry feed the trailing take-profit.
type Position struct {
	Direction     Direction       `json:"direction"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryTime     time.Time       `json:"entry_time"`
	DecisionPrice float64         `json:"decision_price"`
	HighestPrice  float64         `json:"highest_price"`
	LowestPrice   float64         `json:"lowest_price"`
	BuyTradeID    string          `json:"buy_trade_id"`
	TPArmed       bool            `json:"tp_armed"`
}

func (p *Position) entry() float64 {
	f, _ := p.EntryPrice.Float64()
	return f
}

// UpdateExtremes folds the current mark into the best/worst excursion.
func (p *Position) UpdateExtremes(mark float64) {
	if mark > p.HighestPrice {
		p.HighestPrice = mark
	}
	if mark < p.LowestPrice || p.LowestPrice == 0 {
		p.LowestPrice = mark
	}
}

// UnrealizedPct is the percent P&L at the given mark, net of an estimated
// round-trip fee.
func (p *Position) UnrealizedPct(mark, feeRate float64) float64 {
	entry := p.entry()
	if entry <= 0 {
		return 0
	}
	var gross float64
	if p.Direction == Long {
		gross = (mark - entry) / entry * 100
	} else {
		gross = (entry - mark) / entry * 100
	}
	return gross - 2*feeRate*100
}

// RetracementPct is how far the mark has pulled back from the best excursion
// since entry, in percent.
func (p *Position) RetracementPct(mark float64) float64 {
	if p.Direction == Long {
		if p.HighestPrice <= 0 {
			return 0
		}
		return (p.HighestPrice - mark) / p.HighestPrice * 100
	}
	if p.LowestPrice <= 0 {
		return 0
	}
	return (mark - p.LowestPrice) / p.LowestPrice * 100
}
