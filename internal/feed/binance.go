package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/atmx/edge-engine/internal/model"
)

// DefaultBinanceURL is the public spot API; no key is needed.
const DefaultBinanceURL = "https://api.binance.com/api/v3"

// maxKlinesPerRequest is Binance's page size cap for /klines.
const maxKlinesPerRequest = 1000

// Binance reads spot prices, klines and trades for one symbol.
type Binance struct {
	c      *client
	symbol string
}

// NewBinance returns a client for symbol (default BTCUSDT).
func NewBinance(baseURL, symbol string, o Options) *Binance {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	if symbol == "" {
		symbol = "BTCUSDT"
	}
	return &Binance{c: newClient("binance", baseURL, o), symbol: symbol}
}

// Price returns the last traded price.
func (b *Binance) Price(ctx context.Context) (float64, error) {
	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.c.get(ctx, "/ticker/price", map[string]string{"symbol": b.symbol}, &out); err != nil {
		return 0, err
	}
	p, err := strconv.ParseFloat(out.Price, 64)
	if err != nil || p <= 0 {
		return 0, fmt.Errorf("%w: binance price %q", ErrUpstream, out.Price)
	}
	return p, nil
}

// Candles returns the latest limit klines at interval ("1m", "5m").
func (b *Binance) Candles(ctx context.Context, interval string, limit int) ([]model.Candle, error) {
	return b.klines(ctx, map[string]string{
		"symbol":   b.symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
}

// HistoricalCandles pages through klines in [start, end).
func (b *Binance) HistoricalCandles(ctx context.Context, interval string, start, end time.Time) ([]model.Candle, error) {
	var out []model.Candle
	cursor := start
	for cursor.Before(end) {
		page, err := b.klines(ctx, map[string]string{
			"symbol":    b.symbol,
			"interval":  interval,
			"startTime": strconv.FormatInt(cursor.UnixMilli(), 10),
			"endTime":   strconv.FormatInt(end.UnixMilli()-1, 10),
			"limit":     strconv.Itoa(maxKlinesPerRequest),
		})
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		next := page[len(page)-1].OpenTime.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out, nil
}

func (b *Binance) klines(ctx context.Context, params map[string]string) ([]model.Candle, error) {
	var rows [][]any
	if err := b.c.get(ctx, "/klines", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKline(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, ...].
// Prices arrive as strings, times as milliseconds.
func parseKline(row []any) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("%w: kline has %d fields", ErrUpstream, len(row))
	}
	ms, ok := row[0].(float64)
	if !ok {
		return model.Candle{}, fmt.Errorf("%w: kline open time %v", ErrUpstream, row[0])
	}
	var vals [5]float64
	for i := range vals {
		s, ok := row[i+1].(string)
		if !ok {
			return model.Candle{}, fmt.Errorf("%w: kline field %d: %v", ErrUpstream, i+1, row[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("%w: kline field %d: %w", ErrUpstream, i+1, err)
		}
		vals[i] = v
	}
	return model.Candle{
		OpenTime: time.UnixMilli(int64(ms)).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

// Trades returns the most recent public trades.
func (b *Binance) Trades(ctx context.Context, limit int) ([]model.Trade, error) {
	var rows []struct {
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		Time         int64  `json:"time"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	params := map[string]string{"symbol": b.symbol, "limit": strconv.Itoa(limit)}
	if err := b.c.get(ctx, "/trades", params, &rows); err != nil {
		return nil, err
	}
	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		p, err1 := strconv.ParseFloat(r.Price, 64)
		q, err2 := strconv.ParseFloat(r.Qty, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: trade %q x %q", ErrUpstream, r.Price, r.Qty)
		}
		trades = append(trades, model.Trade{
			Price:      p,
			Quantity:   q,
			BuyerMaker: r.IsBuyerMaker,
			Time:       time.UnixMilli(r.Time).UTC(),
		})
	}
	return trades, nil
}
