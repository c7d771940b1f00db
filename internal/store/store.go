// Package store implements the domain.Store contract (spec §4.B) over the
// engine's SQLite schema, grounded on the teacher's internal/database
// connection wrapper and its repository-per-concern layout.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fxpulse/engine/internal/database"
	"github.com/fxpulse/engine/internal/domain"
)

// Store is the SQLite-backed implementation of domain.Store.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New wraps an already-migrated *database.DB.
func New(db *database.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}
}

var _ domain.Store = (*Store)(nil)

func decStr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDec(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

// UpsertCandles replaces numeric fields and bumps updated_at for each
// (instrument, time, granularity) key. Idempotent.
func (s *Store) UpsertCandles(ctx context.Context, rows []domain.Candle) error {
	const stmt = `
INSERT INTO candles (
	instrument, time, granularity,
	open_bid, high_bid, low_bid, close_bid,
	open_ask, high_ask, low_ask, close_ask,
	open_mid, high_mid, low_mid, close_mid,
	volume, complete, created_at, updated_at
) VALUES (?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?)
ON CONFLICT(instrument, time, granularity) DO UPDATE SET
	open_bid=excluded.open_bid, high_bid=excluded.high_bid, low_bid=excluded.low_bid, close_bid=excluded.close_bid,
	open_ask=excluded.open_ask, high_ask=excluded.high_ask, low_ask=excluded.low_ask, close_ask=excluded.close_ask,
	open_mid=excluded.open_mid, high_mid=excluded.high_mid, low_mid=excluded.low_mid, close_mid=excluded.close_mid,
	volume=excluded.volume, complete=excluded.complete, updated_at=excluded.updated_at
`
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range rows {
		var bid, ask, mid domain.OHLC
		if c.Bid != nil {
			bid = *c.Bid
		}
		if c.Ask != nil {
			ask = *c.Ask
		}
		if c.Mid != nil {
			mid = *c.Mid
		}
		_, err := s.db.Conn().ExecContext(ctx, stmt,
			c.Instrument, c.Time.UTC().Format(time.RFC3339Nano), string(c.Granularity),
			nullIf(c.Bid, bid.Open), nullIf(c.Bid, bid.High), nullIf(c.Bid, bid.Low), nullIf(c.Bid, bid.Close),
			nullIf(c.Ask, ask.Open), nullIf(c.Ask, ask.High), nullIf(c.Ask, ask.Low), nullIf(c.Ask, ask.Close),
			nullIf(c.Mid, mid.Open), nullIf(c.Mid, mid.High), nullIf(c.Mid, mid.Low), nullIf(c.Mid, mid.Close),
			c.Volume, boolToInt(c.Complete), now, now,
		)
		if err != nil {
			return domain.NewError(domain.KindStoreUnavailable, c.Instrument, err)
		}
	}
	return nil
}

func nullIf(present *domain.OHLC, v decimal.Decimal) sql.NullString {
	if present == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertVolatility replaces a VolatilityMetric row keyed by (instrument,
// time). Idempotent.
func (s *Store) UpsertVolatility(ctx context.Context, rows []domain.VolatilityMetric) error {
	const stmt = `
INSERT INTO volatility (
	instrument, asset_class, time,
	hv20, hv50, sma15, sma30, sma50, bb_upper, bb_middle, bb_lower, atr
) VALUES (?,?,?, ?,?,?,?,?,?,?,?,?)
ON CONFLICT(instrument, time) DO UPDATE SET
	asset_class=excluded.asset_class,
	hv20=excluded.hv20, hv50=excluded.hv50,
	sma15=excluded.sma15, sma30=excluded.sma30, sma50=excluded.sma50,
	bb_upper=excluded.bb_upper, bb_middle=excluded.bb_middle, bb_lower=excluded.bb_lower,
	atr=excluded.atr
`
	for _, m := range rows {
		_, err := s.db.Conn().ExecContext(ctx, stmt,
			m.Instrument, string(m.AssetClass), m.Time.UTC().Format(time.RFC3339Nano),
			decStr(m.HV20), decStr(m.HV50),
			decStr(m.SMA15), decStr(m.SMA30), decStr(m.SMA50),
			decStr(m.BBUpper), decStr(m.BBMiddle), decStr(m.BBLower),
			decStr(m.ATR),
		)
		if err != nil {
			return domain.NewError(domain.KindStoreUnavailable, m.Instrument, err)
		}
	}
	return nil
}

// InsertCorrelation writes correlation rows keyed by (pair1, pair2, time),
// replacing an existing row with the same key, and rejects any row that
// violates pair1 < pair2 at the entry boundary.
func (s *Store) InsertCorrelation(ctx context.Context, rows []domain.CorrelationEntry) error {
	const stmt = `
INSERT INTO correlation (pair1, pair2, time, correlation, window_size)
VALUES (?,?,?,?,?)
ON CONFLICT(pair1, pair2, time) DO UPDATE SET
	correlation=excluded.correlation, window_size=excluded.window_size
`
	for _, r := range rows {
		if r.Pair1 >= r.Pair2 {
			return domain.NewError(domain.KindStoreInvariant, fmt.Sprintf("%s/%s", r.Pair1, r.Pair2),
				fmt.Errorf("pair1 must be lexicographically less than pair2"))
		}
		_, err := s.db.Conn().ExecContext(ctx, stmt, r.Pair1, r.Pair2, r.Time.UTC().Format(time.RFC3339Nano), r.Correlation, r.WindowSize)
		if err != nil {
			return domain.NewError(domain.KindStoreUnavailable, fmt.Sprintf("%s/%s", r.Pair1, r.Pair2), err)
		}
	}
	return nil
}

// AppendBestPairs is a simple append; each run's best-pairs snapshot is
// never upserted or overwritten.
func (s *Store) AppendBestPairs(ctx context.Context, rows []domain.BestPairEntry) error {
	const stmt = `INSERT INTO best_pairs (time, pair1, pair2, correlation, category, rank, reason) VALUES (?,?,?,?,?,?,?)`
	for _, r := range rows {
		_, err := s.db.Conn().ExecContext(ctx, stmt, r.Time.UTC().Format(time.RFC3339Nano), r.Pair1, r.Pair2, r.Correlation, string(r.Category), r.Rank, r.Reason)
		if err != nil {
			return domain.NewError(domain.KindStoreUnavailable, fmt.Sprintf("%s/%s", r.Pair1, r.Pair2), err)
		}
	}
	return nil
}

// GetRecentCandles returns up to limit candles, newest-first by time.
func (s *Store) GetRecentCandles(ctx context.Context, instrument string, gran domain.Granularity, limit int) ([]domain.Candle, error) {
	const q = `
SELECT time, open_bid, high_bid, low_bid, close_bid,
       open_ask, high_ask, low_ask, close_ask,
       open_mid, high_mid, low_mid, close_mid,
       volume, complete
FROM candles
WHERE instrument = ? AND granularity = ?
ORDER BY time DESC
LIMIT ?
`
	rows, err := s.db.Conn().QueryContext(ctx, q, instrument, string(gran), limit)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var (
			timeStr                                             string
			obid, hbid, lbid, cbid                               sql.NullString
			oask, hask, lask, cask                                sql.NullString
			omid, hmid, lmid, cmid                                sql.NullString
			volume                                                int64
			complete                                              int
		)
		if err := rows.Scan(&timeStr, &obid, &hbid, &lbid, &cbid, &oask, &hask, &lask, &cask, &omid, &hmid, &lmid, &cmid, &volume, &complete); err != nil {
			return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
		}
		c := domain.Candle{
			Instrument:  instrument,
			Time:        t,
			Granularity: gran,
			Volume:      volume,
			Complete:    complete != 0,
			Bid:         sideFrom(obid, hbid, lbid, cbid),
			Ask:         sideFrom(oask, hask, lask, cask),
			Mid:         sideFrom(omid, hmid, lmid, cmid),
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func sideFrom(o, h, l, c sql.NullString) *domain.OHLC {
	if !o.Valid {
		return nil
	}
	open, _ := decimal.NewFromString(o.String)
	high, _ := decimal.NewFromString(h.String)
	low, _ := decimal.NewFromString(l.String)
	cls, _ := decimal.NewFromString(c.String)
	return &domain.OHLC{Open: open, High: high, Low: low, Close: cls}
}

// GetRecentCloses returns a time-ordered (oldest-first) list of (time,
// mid-close) points for analytics computation, with closes converted to
// float64.
func (s *Store) GetRecentCloses(ctx context.Context, instrument string, gran domain.Granularity, window int) ([]domain.ClosePoint, error) {
	const q = `
SELECT time, close_mid FROM (
	SELECT time, close_mid FROM candles
	WHERE instrument = ? AND granularity = ? AND close_mid IS NOT NULL
	ORDER BY time DESC
	LIMIT ?
) ORDER BY time ASC
`
	rows, err := s.db.Conn().QueryContext(ctx, q, instrument, string(gran), window)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
	}
	defer rows.Close()

	var out []domain.ClosePoint
	for rows.Next() {
		var timeStr, closeStr string
		if err := rows.Scan(&timeStr, &closeStr); err != nil {
			return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
		}
		cls, err := decimal.NewFromString(closeStr)
		if err != nil {
			return nil, domain.NewError(domain.KindStoreUnavailable, instrument, err)
		}
		f, _ := cls.Float64()
		out = append(out, domain.ClosePoint{Time: t, Close: f})
	}
	return out, rows.Err()
}

// BeginJob inserts a JobRun row with status=running and returns a handle.
func (s *Store) BeginJob(ctx context.Context, name string) (domain.JobHandle, error) {
	now := time.Now().UTC()
	res, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO job_log (job_name, start_time, status, records_processed) VALUES (?, ?, ?, 0)`,
		name, now.Format(time.RFC3339Nano), string(domain.JobStatusRunning))
	if err != nil {
		return domain.JobHandle{}, domain.NewError(domain.KindStoreUnavailable, name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.JobHandle{}, domain.NewError(domain.KindStoreUnavailable, name, err)
	}
	return domain.JobHandle{ID: id, JobName: name, StartTime: now}, nil
}

// EndJob finalizes the JobRun row referenced by handle.
func (s *Store) EndJob(ctx context.Context, handle domain.JobHandle, status domain.JobStatus, errMsg string, records int) error {
	end := time.Now().UTC()
	duration := end.Sub(handle.StartTime).Seconds()
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE job_log SET end_time=?, duration_seconds=?, status=?, error_message=?, records_processed=? WHERE id=?`,
		end.Format(time.RFC3339Nano), duration, string(status), errMsg, records, handle.ID)
	if err != nil {
		return domain.NewError(domain.KindStoreUnavailable, handle.JobName, err)
	}
	return nil
}
