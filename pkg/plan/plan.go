// Package plan holds the compiled-in subscription plan table consulted by
// upload and ingestion limits. Plans are configuration, not persisted state.
package plan

import "strings"

// Plan describes the limits of one subscription tier.
type Plan struct {
	Name         string
	Slug         string
	Quota        int   // max files per user
	MaxSizeBytes int64 // max upload size of a single PDF
	PagesPerPDF  int   // max extracted pages per PDF
	PriceAmount  int   // monthly price in whole currency units
	PriceIDTest  string
	PriceIDProd  string
}

var (
	Free = Plan{
		Name:         "Free",
		Slug:         "free",
		Quota:        10,
		MaxSizeBytes: 4 * 1024 * 1024,
		PagesPerPDF:  5,
	}

	Pro = Plan{
		Name:         "Pro",
		Slug:         "pro",
		Quota:        50,
		MaxSizeBytes: 16 * 1024 * 1024,
		PagesPerPDF:  25,
		PriceAmount:  14,
		PriceIDTest:  "price_1OjR0WKTA7bFkq8AeHe1Ou3n",
	}
)

// All lists every plan, cheapest first.
func All() []Plan {
	return []Plan{Free, Pro}
}

// ByName resolves a plan by name or slug, falling back to Free for unknown
// or empty values so a missing subscription never blocks an upload outright.
func ByName(name string) Plan {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pro":
		return Pro
	default:
		return Free
	}
}
