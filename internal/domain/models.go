// Package domain holds the shared entity types, enums, and error kinds used
// across every other package in the engine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass categorizes a tracked instrument. Only FX and Metal
// participate in correlation computation.
type AssetClass string

const (
	AssetClassFX    AssetClass = "FX"
	AssetClassMetal AssetClass = "METAL"
	AssetClassCFD   AssetClass = "CFD"
)

// Granularity is the time-bucket size of a candle series. Only H1 is
// ingested by the scheduled jobs; the others exist so the store and broker
// client contracts aren't artificially narrowed.
type Granularity string

const (
	GranularityM1  Granularity = "M1"
	GranularityM5  Granularity = "M5"
	GranularityM15 Granularity = "M15"
	GranularityM30 Granularity = "M30"
	GranularityH1  Granularity = "H1"
	GranularityH4  Granularity = "H4"
	GranularityD   Granularity = "D"
	GranularityW   Granularity = "W"
	GranularityMo  Granularity = "M"
)

// PriceSide is one of the three quote sides a candle may carry.
type PriceSide string

const (
	PriceSideBid PriceSide = "bid"
	PriceSideAsk PriceSide = "ask"
	PriceSideMid PriceSide = "mid"
)

// Instrument is the tracked-universe entry: an opaque, case-sensitive
// identifier tagged with an asset class.
type Instrument struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
}

// OHLC is the four fixed-scale prices describing motion within one time
// bucket, for a single quote side.
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Valid reports whether the OHLC invariant
// low <= min(open, close) <= max(open, close) <= high holds.
func (o OHLC) Valid() bool {
	lo := o.Open
	hi := o.Open
	if o.Close.LessThan(lo) {
		lo = o.Close
	}
	if o.Close.GreaterThan(hi) {
		hi = o.Close
	}
	return o.Low.LessThanOrEqual(lo) && hi.LessThanOrEqual(o.High)
}

// Candle is one row of time-bucketed price information for an
// (instrument, time, granularity) triple.
type Candle struct {
	Instrument  string      `json:"instrument"`
	Time        time.Time   `json:"time"`
	Granularity Granularity `json:"granularity"`
	Bid         *OHLC       `json:"bid,omitempty"`
	Ask         *OHLC       `json:"ask,omitempty"`
	Mid         *OHLC       `json:"mid,omitempty"`
	Volume      int64       `json:"volume"`
	Complete    bool        `json:"complete"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// FillMid computes the mid side from bid/ask when absent, per spec
// §3: "mid is (bid+ask)/2 and may be computed if absent".
func (c *Candle) FillMid() {
	if c.Mid != nil || c.Bid == nil || c.Ask == nil {
		return
	}
	two := decimal.NewFromInt(2)
	c.Mid = &OHLC{
		Open:  c.Bid.Open.Add(c.Ask.Open).Div(two),
		High:  c.Bid.High.Add(c.Ask.High).Div(two),
		Low:   c.Bid.Low.Add(c.Ask.Low).Div(two),
		Close: c.Bid.Close.Add(c.Ask.Close).Div(two),
	}
}

// Valid checks the OHLC invariant on every present side and bid<=ask
// pointwise where both exist.
func (c *Candle) Valid() bool {
	for _, side := range []*OHLC{c.Bid, c.Ask, c.Mid} {
		if side != nil && !side.Valid() {
			return false
		}
	}
	if c.Bid != nil && c.Ask != nil {
		if c.Bid.Open.GreaterThan(c.Ask.Open) || c.Bid.Close.GreaterThan(c.Ask.Close) ||
			c.Bid.High.GreaterThan(c.Ask.High) || c.Bid.Low.GreaterThan(c.Ask.Low) {
			return false
		}
	}
	return true
}

// VolatilityMetric is derived from the last N candles of an instrument.
type VolatilityMetric struct {
	Instrument string           `json:"instrument"`
	AssetClass AssetClass       `json:"asset_class"`
	Time       time.Time        `json:"time"`
	HV20       *decimal.Decimal `json:"hv20,omitempty"`
	HV50       *decimal.Decimal `json:"hv50,omitempty"`
	SMA15      *decimal.Decimal `json:"sma15,omitempty"`
	SMA30      *decimal.Decimal `json:"sma30,omitempty"`
	SMA50      *decimal.Decimal `json:"sma50,omitempty"`
	BBUpper    *decimal.Decimal `json:"bb_upper,omitempty"`
	BBMiddle   *decimal.Decimal `json:"bb_middle,omitempty"`
	BBLower    *decimal.Decimal `json:"bb_lower,omitempty"`
	ATR        *decimal.Decimal `json:"atr,omitempty"`
}

// CorrelationEntry is the pairwise Pearson correlation between two
// instruments over a window of close prices. Pair1 < Pair2 is enforced at
// construction via NewCorrelationEntry.
type CorrelationEntry struct {
	Pair1       string    `json:"pair1"`
	Pair2       string    `json:"pair2"`
	Time        time.Time `json:"time"`
	Correlation float64   `json:"correlation"`
	WindowSize  int       `json:"window_size"`
}

// NewCorrelationEntry canonicalizes (pair1, pair2) so pair1 < pair2
// lexicographically, per spec §3 invariant.
func NewCorrelationEntry(a, b string, t time.Time, corr float64, window int) CorrelationEntry {
	if a > b {
		a, b = b, a
	}
	return CorrelationEntry{Pair1: a, Pair2: b, Time: t, Correlation: corr, WindowSize: window}
}

// BestPairCategory classifies a correlation pair by magnitude and sign.
type BestPairCategory string

const (
	CategoryHedging              BestPairCategory = "hedging"
	CategoryNegativelyCorrelated BestPairCategory = "negatively_correlated"
	CategoryUncorrelated         BestPairCategory = "uncorrelated"
	CategoryModerate             BestPairCategory = "moderate"
	CategoryHighCorrelation      BestPairCategory = "high_correlation"
)

// BestPairEntry is a categorized, ranked correlation pair snapshot.
type BestPairEntry struct {
	Pair1       string           `json:"pair1"`
	Pair2       string           `json:"pair2"`
	Time        time.Time        `json:"time"`
	Correlation float64          `json:"correlation"`
	Category    BestPairCategory `json:"category"`
	Rank        int              `json:"rank"`
	Reason      string           `json:"reason"`
}

// JobStatus is the lifecycle state of a JobRun.
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// JobRun is an append-only audit row of scheduler activity.
type JobRun struct {
	ID               int64     `json:"id"`
	JobName          string    `json:"job_name"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Status           JobStatus `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RecordsProcessed int       `json:"records_processed"`
}

// Severity levels used across volatility, correlation, and fan-out alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)
