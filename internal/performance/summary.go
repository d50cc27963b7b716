// Package performance turns realized trade P&L into the metrics used for
// promotion and allocation decisions.
package performance

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"autopilot/internal/models"
)

// DefaultProfitFactorCap is reported when there are winning trades and no losing ones.
const DefaultProfitFactorCap = 10.0

type Summary struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	AvgWin       float64
	AvgLoss      float64
	GrossProfit  float64
	GrossLoss    float64
	ProfitFactor float64
	NetPnL       float64
	Mean         float64
	StdDev       float64
	Sharpe       float64
}

// Summarize computes metrics over realized P&L values (one per closed trade).
// With no losses the profit factor is pfCap (or 0 without wins); Sharpe is 0
// when fewer than two trades exist or the P&L never varies.
func Summarize(pnls []float64, pfCap float64) Summary {
	if pfCap <= 0 {
		pfCap = DefaultProfitFactorCap
	}
	out := Summary{Trades: len(pnls)}
	if len(pnls) == 0 {
		return out
	}
	for _, v := range pnls {
		out.NetPnL += v
		switch {
		case v > 0:
			out.Wins++
			out.GrossProfit += v
		case v < 0:
			out.Losses++
			out.GrossLoss += -v
		}
	}
	out.WinRate = float64(out.Wins) / float64(out.Trades)
	if out.Wins > 0 {
		out.AvgWin = out.GrossProfit / float64(out.Wins)
	}
	if out.Losses > 0 {
		out.AvgLoss = out.GrossLoss / float64(out.Losses)
	}
	switch {
	case out.GrossLoss > 0:
		out.ProfitFactor = math.Min(out.GrossProfit/out.GrossLoss, pfCap)
	case out.GrossProfit > 0:
		out.ProfitFactor = pfCap
	}

	out.Mean = stat.Mean(pnls, nil)
	if len(pnls) > 1 {
		out.StdDev = stat.StdDev(pnls, nil)
	}
	if out.StdDev > 0 && !math.IsNaN(out.StdDev) {
		out.Sharpe = out.Mean / out.StdDev
	}
	return out
}

// FromTrades summarizes the exit fills in trades; entries are ignored.
func FromTrades(trades []models.PaperTrade, pfCap float64) Summary {
	pnls := make([]float64, 0, len(trades))
	for _, t := range trades {
		if !t.Exit {
			continue
		}
		pnls = append(pnls, t.RealizedPnL.InexactFloat64())
	}
	return Summarize(pnls, pfCap)
}

func (s Summary) Performance() models.Performance {
	return models.Performance{
		WinRate:      s.WinRate,
		ProfitFactor: s.ProfitFactor,
		TotalTrades:  int64(s.Trades),
		TotalReturn:  s.NetPnL,
	}
}
