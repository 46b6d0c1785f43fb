// Package marketdata provides tick sources: historical replay from CSV,
// in-memory slices, the websocket feed, and REST polling.
package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
)

// TickSource delivers market ticks one at a time. Next returns io.EOF when
// the source is exhausted; live sources block until data arrives or ctx is
// cancelled.
type TickSource interface {
	Next(ctx context.Context) (market.Tick, error)
}

// SliceSource replays a fixed set of ticks.
type SliceSource struct {
	ticks []market.Tick
	pos   int
}

func NewSliceSource(ticks []market.Tick) *SliceSource {
	return &SliceSource{ticks: ticks}
}

func (s *SliceSource) Next(ctx context.Context) (market.Tick, error) {
	if err := ctx.Err(); err != nil {
		return market.Tick{}, err
	}
	if s.pos >= len(s.ticks) {
		return market.Tick{}, io.EOF
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, nil
}

// CSVSource replays historical candles from a CSV file with the columns
// timestamp,open,high,low,close,volume. The timestamp is Unix seconds or
// RFC 3339. A header row is skipped if present.
type CSVSource struct {
	symbol string
	path   string
	file   *os.File
	reader *csv.Reader
	line   int
}

func NewCSVSource(symbol, path string) (*CSVSource, error) {
	s := &CSVSource{symbol: symbol, path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening candle file %s: %w", s.path, err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	s.file = f
	s.reader = r
	s.line = 0
	return nil
}

// Reset rewinds the source to the beginning of the file.
func (s *CSVSource) Reset() error {
	if s.file != nil {
		s.file.Close()
	}
	return s.open()
}

func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *CSVSource) Next(ctx context.Context) (market.Tick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return market.Tick{}, err
		}
		rec, err := s.reader.Read()
		if err == io.EOF {
			return market.Tick{}, io.EOF
		}
		if err != nil {
			return market.Tick{}, fmt.Errorf("reading %s: %w", s.path, err)
		}
		s.line++
		if len(rec) < 5 {
			return market.Tick{}, fmt.Errorf("%s line %d: expected at least 5 columns, got %d", s.path, s.line, len(rec))
		}

		ts, err := parseTimestamp(rec[0])
		if err != nil {
			if s.line == 1 {
				// Header row.
				continue
			}
			return market.Tick{}, fmt.Errorf("%s line %d: %w", s.path, s.line, err)
		}

		vals := make([]float64, 4)
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return market.Tick{}, fmt.Errorf("%s line %d column %d: %w", s.path, s.line, i+2, err)
			}
			vals[i] = v
		}
		volume := 0.0
		if len(rec) > 5 {
			if v, err := strconv.ParseFloat(rec[5], 64); err == nil {
				volume = v
			}
		}

		tick := market.Tick{
			Symbol:    s.symbol,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Price:     vals[3],
			Volume:    volume,
			Timestamp: ts,
		}
		if err := tick.Validate(); err != nil {
			return market.Tick{}, fmt.Errorf("%s line %d: %w", s.path, s.line, err)
		}
		return tick, nil
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
