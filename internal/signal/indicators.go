package signal

import (
	"math"

	"github.com/atmx/edge-engine/internal/model"
)

// Indicator names used as SignalSet reading keys.
const (
	IndicatorRSI            = "rsi"
	IndicatorVWAP           = "vwap_reversion"
	IndicatorMomentum       = "momentum"
	IndicatorOrderFlow      = "order_flow"
	IndicatorForecastMargin = "forecast_margin"
)

// IndicatorParams controls the lookback windows of the price indicators.
type IndicatorParams struct {
	RSIPeriod        int     `yaml:"rsi_period"`
	RSIOversold      float64 `yaml:"rsi_oversold"`
	RSIOverbought    float64 `yaml:"rsi_overbought"`
	VWAPWindow       int     `yaml:"vwap_window"`
	VWAPDeadband     float64 `yaml:"vwap_deadband"`
	VolatilityWindow int     `yaml:"volatility_window"`
	MomentumLookback int     `yaml:"momentum_lookback"`
}

// DefaultIndicatorParams returns the 1-minute candle settings.
func DefaultIndicatorParams() IndicatorParams {
	return IndicatorParams{
		RSIPeriod:        14,
		RSIOversold:      30,
		RSIOverbought:    70,
		VWAPWindow:       60,
		VWAPDeadband:     0.001,
		VolatilityWindow: 20,
		MomentumLookback: 10,
	}
}

// DefaultPriceWeights move the estimate by up to 5% at the RSI extremes, half
// the VWAP deviation, ten times momentum and 3% of the order-flow imbalance.
func DefaultPriceWeights() map[string]Weight {
	return map[string]Weight{
		IndicatorRSI:       {Weight: 0.05, Transform: TransformClamp, Scale: 1},
		IndicatorVWAP:      {Weight: 0.005, Transform: TransformClamp, Scale: 1},
		IndicatorMomentum:  {Weight: 0.10, Transform: TransformClamp, Scale: 1},
		IndicatorOrderFlow: {Weight: 0.03, Transform: TransformClamp, Scale: 1},
	}
}

// DefaultWeatherWeights nudges the forecast probability by how far the
// forecast sits past the threshold, in forecast-sigma units.
func DefaultWeatherWeights() map[string]Weight {
	return map[string]Weight{
		IndicatorForecastMargin: {Weight: 0.02, Transform: TransformTanh, Scale: 1},
	}
}

// PriceIndicators is one evaluation's worth of price-action measurements.
type PriceIndicators struct {
	Spot          float64 `json:"spot"`
	RSI           float64 `json:"rsi"`
	VWAP          float64 `json:"vwap"`
	VWAPDeviation float64 `json:"vwap_deviation"`
	Volatility    float64 `json:"volatility"`
	Momentum      float64 `json:"momentum"`
	OrderFlow     float64 `json:"order_flow"`
}

// ComputePriceIndicators derives the indicator set from 1-minute candles and
// recent trades. Spot is the last close when spot <= 0.
func ComputePriceIndicators(candles []model.Candle, trades []model.Trade, spot float64, p IndicatorParams) PriceIndicators {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	if spot <= 0 && len(closes) > 0 {
		spot = closes[len(closes)-1]
	}

	vwap := VWAP(candles, p.VWAPWindow)
	var dev float64
	if vwap > 0 {
		dev = (spot - vwap) / vwap
	}

	return PriceIndicators{
		Spot:          spot,
		RSI:           RSI(closes, p.RSIPeriod),
		VWAP:          vwap,
		VWAPDeviation: dev,
		Volatility:    Volatility(closes, p.VolatilityWindow),
		Momentum:      Momentum(closes, p.MomentumLookback),
		OrderFlow:     OrderFlowImbalance(trades),
	}
}

// Readings converts measurements into bullish-signed, unitless readings.
func (pi PriceIndicators) Readings(p IndicatorParams) map[string]float64 {
	return map[string]float64{
		IndicatorRSI:       RSIReading(pi.RSI, p.RSIOversold, p.RSIOverbought),
		IndicatorVWAP:      VWAPReading(pi.VWAPDeviation, p.VWAPDeadband),
		IndicatorMomentum:  pi.Momentum / 0.01,
		IndicatorOrderFlow: pi.OrderFlow,
	}
}

// RSI is the simple-average relative strength index over the last period
// deltas. Returns 50 when there is not enough history.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50
	}
	var gain, loss float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// RSIReading maps RSI to [-1, 1]: positive when oversold, negative when
// overbought, zero inside the bands.
func RSIReading(rsi, oversold, overbought float64) float64 {
	switch {
	case rsi < oversold && oversold > 0:
		return (oversold - rsi) / oversold
	case rsi > overbought && overbought < 100:
		return -(rsi - overbought) / (100 - overbought)
	default:
		return 0
	}
}

// VWAP is the volume-weighted typical price over the last window candles.
// Falls back to the last close when there is no volume.
func VWAP(candles []model.Candle, window int) float64 {
	if len(candles) == 0 {
		return 0
	}
	n := len(candles)
	if window > 0 && window < n {
		n = window
	}
	var pv, vol float64
	for _, c := range candles[len(candles)-n:] {
		tp := (c.High + c.Low + c.Close) / 3
		pv += tp * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return candles[len(candles)-1].Close
	}
	return pv / vol
}

// VWAPReading is the mean-reversion reading in units of 1% deviation.
// Deviations inside the deadband read zero.
func VWAPReading(deviation, deadband float64) float64 {
	if math.Abs(deviation) <= deadband {
		return 0
	}
	return -deviation / 0.01
}

// Volatility is the population std-dev of log returns over the last window
// candles. Returns 0.001 when fewer than two returns are available.
func Volatility(closes []float64, window int) float64 {
	if len(closes) < window+1 {
		window = len(closes) - 1
	}
	if window < 2 {
		return 0.001
	}
	tail := closes[len(closes)-window-1:]
	returns := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] <= 0 || tail[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(tail[i]/tail[i-1]))
	}
	if len(returns) < 2 {
		return 0.001
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)))
}

// Momentum is the rate of change over lookback candles.
func Momentum(closes []float64, lookback int) float64 {
	if lookback <= 0 || len(closes) < lookback+1 {
		return 0
	}
	base := closes[len(closes)-lookback-1]
	if base == 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base
}

// OrderFlowImbalance is (buy - sell) / (buy + sell) over taker volume,
// in [-1, 1].
func OrderFlowImbalance(trades []model.Trade) float64 {
	var buy, sell float64
	for _, t := range trades {
		if t.BuyerMaker {
			sell += t.Quantity
		} else {
			buy += t.Quantity
		}
	}
	total := buy + sell
	if total == 0 {
		return 0
	}
	return (buy - sell) / total
}
