package tools

import (
	"context"
	"fmt"
	"strings"
)

// dosageEntry is one row of the fixed pediatric dosing table. Per-day
// entries express the total daily dose; per-dose entries express a single
// administration.
type dosageEntry struct {
	MgPerKg   float64
	PerDose   bool // false means mg/kg/day
	MaxMg     float64
	Frequency string

	// MinAgeMonths, when non-zero, marks the medication contraindicated
	// below that age. ContraWarning is the message appended in that case.
	MinAgeMonths  float64
	ContraWarning string
}

// The table is intentionally tiny and conservative. Anything outside it
// gets an explicit "consult reference" answer rather than a guess.
var dosageTable = map[string]dosageEntry{
	"amoxicillin|oral": {
		MgPerKg:   40,
		MaxMg:     3000,
		Frequency: "divided every 8 hours",
	},
	"ibuprofen|oral": {
		MgPerKg:       10,
		PerDose:       true,
		MaxMg:         400,
		Frequency:     "every 6-8 hours as needed",
		MinAgeMonths:  6,
		ContraWarning: "Ibuprofen is not recommended under 6 months of age.",
	},
	"acetaminophen|oral": {
		MgPerKg:   15,
		PerDose:   true,
		MaxMg:     1000,
		Frequency: "every 4-6 hours as needed",
	},
	"aspirin|oral": {
		MgPerKg:       10,
		PerDose:       true,
		MaxMg:         650,
		Frequency:     "every 4-6 hours",
		MinAgeMonths:  16 * 12,
		ContraWarning: "Aspirin is contraindicated under 16 years due to Reye's syndrome risk.",
	},
}

// DosageInput is the argument object for the calculate_dosage tool.
type DosageInput struct {
	Medication string  `json:"medication" jsonschema:"generic medication name, e.g. amoxicillin"`
	Route      string  `json:"route,omitempty" jsonschema:"administration route, defaults to oral"`
	WeightKg   float64 `json:"weight_kg" jsonschema:"patient weight in kilograms"`
	AgeMonths  float64 `json:"age_months,omitempty" jsonschema:"patient age in months, used for contraindication checks"`
}

// DosageResult is the calculator's answer.
type DosageResult struct {
	Medication string   `json:"medication"`
	Route      string   `json:"route"`
	DoseMg     float64  `json:"dose_mg"`
	Unit       string   `json:"unit"` // "mg/day" or "mg/dose"
	Frequency  string   `json:"frequency"`
	Capped     bool     `json:"capped"`
	Warnings   []string `json:"warnings,omitempty"`
}

// NewDosageCalculator returns the calculate_dosage tool. Deterministic:
// dose = weight × mg/kg, capped at the table maximum with a warning.
func NewDosageCalculator() Tool {
	return New("calculate_dosage",
		"Calculate a pediatric medication dose from weight using a fixed reference table. Returns total mg per day or per dose with the dosing frequency.",
		calculateDosage)
}

func calculateDosage(_ context.Context, in DosageInput) (any, error) {
	if in.WeightKg <= 0 {
		return ErrorResult{Error: "weight_kg must be a positive number"}, nil
	}
	route := strings.ToLower(strings.TrimSpace(in.Route))
	if route == "" {
		route = "oral"
	}
	med := strings.ToLower(strings.TrimSpace(in.Medication))

	entry, ok := dosageTable[med+"|"+route]
	if !ok {
		return ErrorResult{
			Error: fmt.Sprintf("dosing for %s (%s) is not available, consult a pediatric dosing reference", in.Medication, route),
		}, nil
	}

	res := DosageResult{
		Medication: med,
		Route:      route,
		DoseMg:     in.WeightKg * entry.MgPerKg,
		Unit:       "mg/day",
		Frequency:  entry.Frequency,
	}
	if entry.PerDose {
		res.Unit = "mg/dose"
	}
	if res.DoseMg > entry.MaxMg {
		res.DoseMg = entry.MaxMg
		res.Capped = true
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Calculated dose exceeds the maximum; capped at %.0f %s.", entry.MaxMg, res.Unit))
	}
	if entry.MinAgeMonths > 0 && in.AgeMonths > 0 && in.AgeMonths < entry.MinAgeMonths {
		res.Warnings = append(res.Warnings, entry.ContraWarning)
	}
	return res, nil
}
