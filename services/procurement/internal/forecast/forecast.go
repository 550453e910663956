package forecast

import (
	"context"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
)

// Demand is a per-SKU demand prediction over the forecast horizon.
type Demand struct {
	SKU        string  `json:"sku"`
	Days       int     `json:"forecast_days"`
	Predicted  int     `json:"predicted_demand"`
	Lower      int     `json:"lower_bound"`
	Upper      int     `json:"upper_bound"`
	Confidence float64 `json:"confidence"`
}

// Forecaster predicts demand for a SKU over a horizon in days.
type Forecaster interface {
	Forecast(ctx context.Context, sku string, days int) (Demand, error)
}

// Static forecasts from a fixed daily consumption rate per SKU. SKUs
// without a configured rate fall back to DefaultDailyRate.
type Static struct {
	DailyRateBySKU   map[string]float64
	DefaultDailyRate float64
	Confidence       float64
}

const defaultConfidenceBand = 0.2

func (s *Static) Forecast(ctx context.Context, sku string, days int) (Demand, error) {
	if err := ctx.Err(); err != nil {
		return Demand{}, err
	}
	if days < 1 {
		return Demand{}, domain.Validationf("forecast_days", "must be >= 1")
	}
	rate, ok := s.DailyRateBySKU[sku]
	if !ok {
		rate = s.DefaultDailyRate
	}
	predicted := int(rate * float64(days))
	band := int(float64(predicted) * defaultConfidenceBand)
	lower := predicted - band
	if lower < 0 {
		lower = 0
	}
	confidence := s.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	return Demand{
		SKU:        sku,
		Days:       days,
		Predicted:  predicted,
		Lower:      lower,
		Upper:      predicted + band,
		Confidence: confidence,
	}, nil
}
