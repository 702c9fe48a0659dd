package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"signal-radar/internal/model"
)

// GetBars returns the most recent lookbackDays bars for symbol, oldest first.
// Unknown symbols yield model.ErrNoData.
func (s *Store) GetBars(ctx context.Context, symbol string, lookbackDays int) ([]model.Bar, error) {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT symbol, market, ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ?
		ORDER BY ts DESC
		LIMIT ?
	`, symbol, lookbackDays)
	if err != nil {
		return nil, &model.TransientError{Op: "sqlite query bars", Err: err}
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			b  model.Bar
			ns int64
		)
		if err := rows.Scan(&b.Symbol, &b.Market, &ns, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(0, ns).UTC()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.TransientError{Op: "sqlite read bars", Err: err}
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, model.ErrNoData)
	}

	// Query returned newest first
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Instruments lists the instruments table, or every distinct symbol in bars
// when the table is empty.
func (s *Store) Instruments(ctx context.Context) ([]model.Instrument, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT symbol, market, name FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments: %w", err)
	}
	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Symbol, &in.Market, &in.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan instruments: %w", err)
		}
		out = append(out, in)
	}
	rows.Close()
	if len(out) > 0 {
		return out, nil
	}

	rows, err = db.QueryContext(ctx, `SELECT symbol, MAX(market) FROM bars GROUP BY symbol ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bar symbols: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Symbol, &in.Market); err != nil {
			return nil, fmt.Errorf("sqlite scan bar symbols: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// InsertBars upserts bars in a single transaction.
func (s *Store) InsertBars(ctx context.Context, bars []model.Bar) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, market, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, b.Symbol, b.Market, b.TS.UnixNano(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("[sqlite] inserted bars", "count", len(bars))
	return nil
}

// UpsertInstruments writes instrument metadata.
func (s *Store) UpsertInstruments(ctx context.Context, instruments []model.Instrument) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, in := range instruments {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO instruments (symbol, market, name) VALUES (?, ?, ?)`,
			in.Symbol, in.Market, in.Name,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
