// Package analytics implements the pure, deterministic transformations of
// spec §4.D: historical volatility, moving averages, Bollinger bands, ATR,
// pairwise Pearson correlation, and best-pairs classification. Every
// function here is side-effect-free — Jobs (internal/jobs) own fetching
// the input series and persisting the output.
//
// Grounded on the teacher's pkg/formulas package: go-talib for the
// windowed indicators (SMA, Bollinger, ATR — same library, same
// last-value-of-the-series idiom as CalculateRSI/CalculateBollingerBands),
// gonum/stat for stddev, variance, and Pearson correlation (teacher's
// pkg/formulas/stats.go already wraps gonum the same way).
package analytics

import (
	"errors"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/fxpulse/engine/internal/domain"
)

// annualizationFactor is the trading-days-per-year constant spec §4.D
// pins for HV annualization.
const annualizationFactor = 252

// priceScale is the fixed-scale decimal precision for persisted prices
// and indicator levels (spec §9: "five-decimal fixed-scale values for
// prices").
const priceScale = 5

// hvScale is the fixed-scale decimal precision for HV (spec §9:
// "six-decimal for HV").
const hvScale = 6

// ErrUndefinedCorrelation signals a zero-variance input series: Pearson ρ
// is undefined (division by zero), which spec §4.D treats as the
// MissingCoverage case for a pair.
var ErrUndefinedCorrelation = errors.New("analytics: correlation undefined on zero-variance series")

func isNaN(f float64) bool { return f != f }

func round(v float64, scale int32) decimal.Decimal {
	return decimal.NewFromFloat(v).RoundBank(scale)
}

// LogReturns converts a time-ordered (oldest-first) close-price sequence
// into log-returns r_i = ln(c_i / c_i-1).
func LogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		out[i-1] = math.Log(closes[i] / closes[i-1])
	}
	return out
}

// HistoricalVolatility computes annualized HV over the trailing `window`
// log-returns of closes. Per spec §4.D it requires n >= window+1 closes;
// with fewer samples the metric is omitted (nil, no error) rather than
// zeroed. Uses sample standard deviation (N-1 denominator), the pinned
// choice from spec §9(c).
func HistoricalVolatility(closes []float64, window int) *decimal.Decimal {
	if len(closes) < window+1 {
		return nil
	}
	returns := LogReturns(closes)
	tail := returns[len(returns)-window:]

	// A perfectly flat series yields zero-variance returns; stat.StdDev
	// on a constant slice correctly returns 0, matching spec S1 (HV=0 on
	// a flat series).
	sd := stat.StdDev(tail, nil)
	hv := sd * math.Sqrt(annualizationFactor) * 100
	d := round(hv, hvScale)
	return &d
}

// SMA is the arithmetic mean of the last `window` closes. Nil if fewer
// than `window` samples are available.
func SMA(closes []float64, window int) *decimal.Decimal {
	if len(closes) < window {
		return nil
	}
	tail := closes[len(closes)-window:]
	sma := talib.Sma(tail, window)
	last := sma[len(sma)-1]
	if isNaN(last) {
		return nil
	}
	d := round(last, priceScale)
	return &d
}

// BollingerBands is the 20-period (by convention; caller supplies window)
// SMA middle band with ±`dev` standard-deviation bands (go-talib's
// population deviation, N denominator). Nil
// (all three) if fewer than `window` closes are available. A zero-variance
// input collapses upper=middle=lower, matching spec's edge case.
func BollingerBands(closes []float64, window int, dev float64) (upper, middle, lower *decimal.Decimal) {
	if len(closes) < window {
		return nil, nil, nil
	}
	tail := closes[len(closes)-window:]
	u, m, l := talib.BBands(tail, window, dev, dev, 0) // MAType 0 = SMA
	if len(u) == 0 || isNaN(u[len(u)-1]) {
		return nil, nil, nil
	}
	uv := round(u[len(u)-1], priceScale)
	mv := round(m[len(m)-1], priceScale)
	lv := round(l[len(l)-1], priceScale)
	return &uv, &mv, &lv
}

// OHLCPoint is the minimal per-candle shape ATR needs: high, low, and the
// previous candle's close for gap-aware true range.
type OHLCPoint struct {
	High  float64
	Low   float64
	Close float64
}

// ATR is the `window`-period (14 by spec default) average true range over
// a time-ordered (oldest-first) OHLC sequence. Nil if fewer than
// window+1 candles are available (TR needs a previous close).
func ATR(points []OHLCPoint, window int) *decimal.Decimal {
	if len(points) < window+1 {
		return nil
	}
	highs := make([]float64, len(points))
	lows := make([]float64, len(points))
	closes := make([]float64, len(points))
	for i, p := range points {
		highs[i] = p.High
		lows[i] = p.Low
		closes[i] = p.Close
	}
	atr := talib.Atr(highs, lows, closes, window)
	last := atr[len(atr)-1]
	if isNaN(last) {
		return nil
	}
	d := round(last, priceScale)
	return &d
}

// Correlation returns the Pearson ρ between two equal-length, time-aligned
// close-price series. Returns ErrUndefinedCorrelation when either series
// has zero variance (ρ is undefined), which callers treat as
// MissingCoverage per spec §4.D.
func Correlation(x, y []float64) (float64, error) {
	if len(x) == 0 || len(x) != len(y) {
		return 0, ErrUndefinedCorrelation
	}
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return 0, ErrUndefinedCorrelation
	}
	rho := stat.Correlation(x, y, nil)
	if isNaN(rho) {
		return 0, ErrUndefinedCorrelation
	}
	if rho > 1 {
		rho = 1
	} else if rho < -1 {
		rho = -1
	}
	return rho, nil
}

// Classify assigns a BestPairCategory to a correlation magnitude/sign,
// following the first-match ordered rule of spec §4.D. The hedging
// boundary is pinned at ρ <= -0.7 per spec §9(b) to keep categories
// disjoint.
func Classify(rho float64) domain.BestPairCategory {
	switch {
	case rho <= -0.7:
		return domain.CategoryHedging
	case rho < -0.4:
		return domain.CategoryNegativelyCorrelated
	case math.Abs(rho) < 0.4:
		return domain.CategoryUncorrelated
	case math.Abs(rho) < 0.7:
		return domain.CategoryModerate
	default:
		return domain.CategoryHighCorrelation
	}
}

// Reason renders the human-readable classification note stored on
// BestPairEntry.Reason.
func Reason(category domain.BestPairCategory, rho float64) string {
	switch category {
	case domain.CategoryHedging:
		return "strong negative correlation suitable for hedging"
	case domain.CategoryNegativelyCorrelated:
		return "negatively correlated"
	case domain.CategoryUncorrelated:
		return "no meaningful correlation"
	case domain.CategoryModerate:
		return "moderate correlation"
	default:
		return "high correlation"
	}
}

// RankedPair is an unranked classification result for one instrument pair,
// the input to RankBestPairs.
type RankedPair struct {
	Pair1       string
	Pair2       string
	Correlation float64
}

// RankBestPairs classifies and ranks a batch of correlation results for a
// single `time` snapshot. Ranking within a category is by |ρ| descending,
// ties broken by (pair1, pair2) ascending, per spec §4.D. The caller
// (internal/jobs) stamps the resulting entries' Time field, since every
// entry in one run's snapshot shares the same time.
func RankBestPairs(pairs []RankedPair) []domain.BestPairEntry {
	byCategory := make(map[domain.BestPairCategory][]RankedPair)
	for _, p := range pairs {
		cat := Classify(p.Correlation)
		byCategory[cat] = append(byCategory[cat], p)
	}

	categoryOrder := []domain.BestPairCategory{
		domain.CategoryHedging,
		domain.CategoryNegativelyCorrelated,
		domain.CategoryUncorrelated,
		domain.CategoryModerate,
		domain.CategoryHighCorrelation,
	}

	var out []domain.BestPairEntry
	for _, cat := range categoryOrder {
		group := byCategory[cat]
		sortRanked(group)
		for i, p := range group {
			out = append(out, domain.BestPairEntry{
				Pair1:       p.Pair1,
				Pair2:       p.Pair2,
				Correlation: p.Correlation,
				Category:    cat,
				Rank:        i + 1,
				Reason:      Reason(cat, p.Correlation),
			})
		}
	}
	return out
}

func sortRanked(group []RankedPair) {
	// Insertion sort: these groups are small (tens of pairs at most) and
	// the comparator is a two-key tie-break, not worth pulling in
	// sort.Slice's reflection overhead.
	for i := 1; i < len(group); i++ {
		for j := i; j > 0 && rankedLess(group[j], group[j-1]); j-- {
			group[j], group[j-1] = group[j-1], group[j]
		}
	}
}

func rankedLess(a, b RankedPair) bool {
	absA, absB := math.Abs(a.Correlation), math.Abs(b.Correlation)
	if absA != absB {
		return absA > absB
	}
	if a.Pair1 != b.Pair1 {
		return a.Pair1 < b.Pair1
	}
	return a.Pair2 < b.Pair2
}
