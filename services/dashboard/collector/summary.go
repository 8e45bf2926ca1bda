// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"fmt"
	"strings"
	"time"
)

// Summary is the per-symbol value published to the cache and pushed to
// dashboard clients.
type Summary struct {
	Symbol    string    `json:"symbol"`
	Currency  string    `json:"currency,omitempty"`
	Last      float64   `json:"last"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	PrevClose float64   `json:"prev_close,omitempty"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	AsOf      time.Time `json:"as_of"`
}

// KeyForSymbol derives the cache key for a symbol: lowercase, separators
// folded to underscores, with a _summary suffix. "BTC-USD" becomes
// "btc_usd_summary".
func KeyForSymbol(symbol string) string {
	key := strings.ToLower(symbol)
	key = strings.NewReplacer("-", "_", ".", "_").Replace(key)
	return key + "_summary"
}

// Summarize folds an intraday series into a Summary.
func Summarize(series *Series) (*Summary, error) {
	if series == nil || len(series.Bars) == 0 {
		return nil, fmt.Errorf("empty series for symbol %s", symbolOf(series))
	}

	first := series.Bars[0]
	last := series.Bars[len(series.Bars)-1]

	s := &Summary{
		Symbol:    series.Symbol,
		Currency:  series.Currency,
		Last:      last.Close,
		Open:      first.Open,
		High:      first.High,
		Low:       first.Low,
		PrevClose: series.PrevClose,
		AsOf:      last.Time,
	}
	for _, bar := range series.Bars {
		if bar.High > s.High {
			s.High = bar.High
		}
		if bar.Low < s.Low {
			s.Low = bar.Low
		}
		s.Volume += bar.Volume
	}
	if s.PrevClose > 0 {
		s.Change = s.Last - s.PrevClose
		s.ChangePct = s.Change / s.PrevClose * 100
	}
	return s, nil
}

func symbolOf(series *Series) string {
	if series == nil {
		return "<nil>"
	}
	return series.Symbol
}
