// Package barsource provides bar history from end-of-day CSV exports and a
// retrying wrapper for any model.BarSource.
package barsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"signal-radar/internal/model"
)

// csvColumns is the required header, in any order.
var csvColumns = []string{"date", "symbol", "market", "open", "high", "low", "close", "volume"}

// CSV serves bars from an EOD export. The file is re-read when its
// modification time changes, so a long-running daemon picks up new exports.
type CSV struct {
	path string

	mu      sync.RWMutex
	modTime time.Time
	bars    map[string][]model.Bar // symbol -> bars, oldest first
	markets map[string]string
}

// NewCSV creates a source for path. Nothing is read until first use.
func NewCSV(path string) *CSV {
	return &CSV{path: path}
}

// GetBars returns the last lookbackDays bars of symbol, oldest first.
func (c *CSV) GetBars(ctx context.Context, symbol string, lookbackDays int) ([]model.Bar, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	series := c.bars[symbol]
	if len(series) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, model.ErrNoData)
	}
	if lookbackDays > 0 && len(series) > lookbackDays {
		series = series[len(series)-lookbackDays:]
	}
	return append([]model.Bar(nil), series...), nil
}

// Instruments lists every symbol in the file, sorted.
func (c *CSV) Instruments(ctx context.Context) ([]model.Instrument, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Instrument, 0, len(c.bars))
	for sym := range c.bars {
		out = append(out, model.Instrument{Symbol: sym, Market: c.markets[sym]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// All returns every bar in the file grouped by symbol.
func (c *CSV) All(ctx context.Context) (map[string][]model.Bar, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]model.Bar, len(c.bars))
	for k, v := range c.bars {
		out[k] = append([]model.Bar(nil), v...)
	}
	return out, nil
}

func (c *CSV) refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(c.path)
	if err != nil {
		return &model.TransientError{Op: "csv stat", Err: err}
	}

	c.mu.RLock()
	fresh := c.bars != nil && st.ModTime().Equal(c.modTime)
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return &model.TransientError{Op: "csv open", Err: err}
	}
	defer f.Close()

	exp, err := ParseCSV(f)
	if err != nil {
		return fmt.Errorf("csv %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.bars, c.markets, c.modTime = exp.Bars, exp.Markets, st.ModTime()
	c.mu.Unlock()
	slog.Info("[csv] loaded bars", "path", c.path, "symbols", len(exp.Bars), "skipped_rows", exp.Skipped)
	return nil
}

// Export is a parsed EOD file.
type Export struct {
	Bars    map[string][]model.Bar // symbol -> bars, oldest first
	Markets map[string]string
	Skipped int // rows dropped as unparseable
}

// ParseCSV reads an EOD export. Only a missing or incomplete header fails the
// file; a row with a bad date, number or field count is logged with its line
// number and dropped. Rows for the same symbol and date keep the last
// occurrence.
func ParseCSV(r io.Reader) (*Export, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range csvColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	type key struct {
		sym string
		ts  int64
	}
	latest := make(map[key]model.Bar)
	out := &Export{Markets: make(map[string]string)}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var (
			line int
			perr *csv.ParseError
		)
		switch {
		case errors.As(err, &perr):
			line = perr.StartLine
		case err != nil:
			return nil, err
		default:
			line, _ = cr.FieldPos(0)
			if len(rec) < len(header) {
				err = fmt.Errorf("%d fields, want %d", len(rec), len(header))
			}
		}

		var b model.Bar
		if err == nil {
			b, err = parseRow(rec, idx)
		}
		if err != nil {
			out.Skipped++
			slog.Warn("[csv] skipping row", "line", line, "error", err)
			continue
		}
		latest[key{b.Symbol, b.TS.UnixNano()}] = b
		out.Markets[b.Symbol] = b.Market
	}

	out.Bars = make(map[string][]model.Bar)
	for _, b := range latest {
		out.Bars[b.Symbol] = append(out.Bars[b.Symbol], b)
	}
	for sym := range out.Bars {
		s := out.Bars[sym]
		sort.Slice(s, func(i, j int) bool { return s[i].TS.Before(s[j].TS) })
	}
	return out, nil
}

func parseRow(rec []string, idx map[string]int) (model.Bar, error) {
	field := func(name string) string { return strings.TrimSpace(rec[idx[name]]) }

	ts, err := parseDate(field("date"))
	if err != nil {
		return model.Bar{}, err
	}
	b := model.Bar{
		Symbol: field("symbol"),
		Market: strings.ToUpper(field("market")),
		TS:     ts,
	}
	if b.Symbol == "" {
		return model.Bar{}, errors.New("empty symbol")
	}

	nums := []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
	}
	for _, n := range nums {
		s := strings.ReplaceAll(field(n.name), ",", "")
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Bar{}, fmt.Errorf("%s: %w", n.name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Bar{}, fmt.Errorf("%s: %w", n.name, model.ErrNonFinite)
		}
		*n.dst = v
	}
	return b, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
