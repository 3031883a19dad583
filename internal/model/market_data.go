package model

import "time"

// Candle is one OHLCV bar from the spot exchange.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Trade is one public print. BuyerMaker is true when the taker sold.
type Trade struct {
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	BuyerMaker bool      `json:"buyer_maker"`
	Time       time.Time `json:"time"`
}

// Forecast is a daily weather forecast for one location.
type Forecast struct {
	Location             string    `json:"location"`
	Date                 time.Time `json:"date"`
	TempMaxC             float64   `json:"temp_max_c"`
	TempMinC             float64   `json:"temp_min_c"`
	PrecipitationMM      float64   `json:"precipitation_mm"`
	SnowfallCM           float64   `json:"snowfall_cm"`
	PrecipitationMaxProb float64   `json:"precipitation_max_prob"`  // 0-100
	PrecipitationAvgProb float64   `json:"precipitation_mean_prob"` // 0-100 over the day's hours
}
