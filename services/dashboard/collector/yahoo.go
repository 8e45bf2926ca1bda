// Copyright (C) 2025-2026 The MarketDeck Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package collector acquires market data from the upstream chart API and
// feeds computed summaries into the cache on a fixed interval.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultEndpoint is the upstream chart API base URL.
const DefaultEndpoint = "https://query1.finance.yahoo.com/v8/finance/chart"

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// HTTPClient abstracts the HTTP transport so tests can substitute canned
// responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Bar is one OHLCV interval of a chart series.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Series is one symbol's intraday chart plus the metadata needed to
// compute day-over-day change.
type Series struct {
	Symbol    string
	Currency  string
	PrevClose float64
	Bars      []Bar
}

// Fetcher retrieves the current intraday series for a symbol.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (*Series, error)
}

// --- upstream chart API wire types ---

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  any           `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta       chartMeta       `json:"meta"`
	Timestamp  []int64         `json:"timestamp"`
	Indicators chartIndicators `json:"indicators"`
}

type chartMeta struct {
	Currency           string  `json:"currency"`
	Symbol             string  `json:"symbol"`
	ChartPreviousClose float64 `json:"chartPreviousClose"`
	PreviousClose      float64 `json:"previousClose"`
}

type chartIndicators struct {
	Quote []struct {
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Volume []int64   `json:"volume"`
	} `json:"quote"`
}

// YahooClient fetches intraday chart data over HTTP.
type YahooClient struct {
	endpoint string
	http     HTTPClient
}

// NewYahooClient creates a client. An empty endpoint falls back to
// DefaultEndpoint; a nil transport falls back to a 30s-timeout client.
func NewYahooClient(endpoint string, transport HTTPClient) *YahooClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if transport == nil {
		transport = &http.Client{Timeout: 30 * time.Second}
	}
	return &YahooClient{endpoint: endpoint, http: transport}
}

// Fetch retrieves the last trading day at one-minute resolution.
func (c *YahooClient) Fetch(ctx context.Context, symbol string) (*Series, error) {
	url := fmt.Sprintf("%s/%s?range=1d&interval=1m&events=history", c.endpoint, symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chart API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart API returned status %s for %s", resp.Status, symbol)
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("failed to decode chart JSON: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error: %v", chart.Chart.Error)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("no results for symbol %s", symbol)
	}

	res := chart.Chart.Result[0]
	if len(res.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("incomplete indicators for symbol %s", symbol)
	}
	quote := res.Indicators.Quote[0]

	prevClose := res.Meta.ChartPreviousClose
	if prevClose == 0 {
		prevClose = res.Meta.PreviousClose
	}
	series := &Series{
		Symbol:    res.Meta.Symbol,
		Currency:  res.Meta.Currency,
		PrevClose: prevClose,
	}
	if series.Symbol == "" {
		series.Symbol = symbol
	}

	for i, ts := range res.Timestamp {
		if len(quote.Open) <= i || len(quote.High) <= i || len(quote.Low) <= i ||
			len(quote.Close) <= i || len(quote.Volume) <= i {
			continue
		}
		// Minutes with no trades come back as zeroed nulls; skip them.
		if quote.Close[i] == 0 {
			continue
		}
		series.Bars = append(series.Bars, Bar{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   quote.Open[i],
			High:   quote.High[i],
			Low:    quote.Low[i],
			Close:  quote.Close[i],
			Volume: quote.Volume[i],
		})
	}
	return series, nil
}
