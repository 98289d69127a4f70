package tools

import (
	"context"
	"math"
)

// growthModel is a simplified age-linear mean/SD model for one metric.
// Real percentile curves are non-linear; this is an estimate only, and
// every result says so.
type growthModel struct {
	baseMean  float64 // mean at birth
	meanSlope float64 // mean increase per month
	baseSD    float64
	sdSlope   float64
}

var (
	heightModel = growthModel{baseMean: 50, meanSlope: 0.55, baseSD: 2.0, sdSlope: 0.025}
	weightModel = growthModel{baseMean: 3.4, meanSlope: 0.21, baseSD: 0.5, sdSlope: 0.012}
	bmiModel    = growthModel{baseMean: 13.5, meanSlope: 0.018, baseSD: 1.2, sdSlope: 0.004}
)

func (m growthModel) zScore(ageMonths, value float64) float64 {
	mean := m.baseMean + m.meanSlope*ageMonths
	sd := m.baseSD + m.sdSlope*ageMonths
	return (value - mean) / sd
}

// percentileBand buckets a z-score into one of six coarse bands.
func percentileBand(z float64) string {
	switch {
	case z < -2:
		return "below 3rd percentile"
	case z < -1:
		return "3rd-15th percentile"
	case z < 0:
		return "15th-50th percentile"
	case z < 1:
		return "50th-85th percentile"
	case z < 2:
		return "85th-97th percentile"
	default:
		return "above 97th percentile"
	}
}

const growthDisclaimer = "Estimate only. Clinical decisions must be based on official growth charts (WHO/CDC), not this approximation."

// GrowthInput is the argument object for the analyze_growth tool.
type GrowthInput struct {
	AgeMonths float64 `json:"age_months" jsonschema:"patient age in months, 0 to 216"`
	HeightCm  float64 `json:"height_cm" jsonschema:"height in centimeters"`
	WeightKg  float64 `json:"weight_kg" jsonschema:"weight in kilograms"`
}

// GrowthResult is the analyzer's answer.
type GrowthResult struct {
	BMI        float64 `json:"bmi"`
	HeightBand string  `json:"height_percentile_band"`
	WeightBand string  `json:"weight_percentile_band"`
	BMIBand    string  `json:"bmi_percentile_band"`
	Disclaimer string  `json:"disclaimer"`
}

// NewGrowthAnalyzer returns the analyze_growth tool.
func NewGrowthAnalyzer() Tool {
	return New("analyze_growth",
		"Estimate height, weight, and BMI percentile bands for a pediatric patient from age, height, and weight. Returns coarse bands, not exact percentiles.",
		analyzeGrowth)
}

func analyzeGrowth(_ context.Context, in GrowthInput) (any, error) {
	if in.AgeMonths < 0 || in.AgeMonths > 216 {
		return ErrorResult{Error: "age_months must be between 0 and 216"}, nil
	}
	if in.HeightCm <= 0 || in.WeightKg <= 0 {
		return ErrorResult{Error: "height_cm and weight_kg must be positive numbers"}, nil
	}

	heightM := in.HeightCm / 100
	bmi := in.WeightKg / (heightM * heightM)

	return GrowthResult{
		BMI:        math.Round(bmi*10) / 10,
		HeightBand: percentileBand(heightModel.zScore(in.AgeMonths, in.HeightCm)),
		WeightBand: percentileBand(weightModel.zScore(in.AgeMonths, in.WeightKg)),
		BMIBand:    percentileBand(bmiModel.zScore(in.AgeMonths, bmi)),
		Disclaimer: growthDisclaimer,
	}, nil
}
