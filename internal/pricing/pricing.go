package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/parking-match/internal/models"
)

// DefaultFlatPrice is charged for every reservation unless configured otherwise.
var DefaultFlatPrice = decimal.RequireFromString("10.00")

// Pricer quotes the price of a reservation at request time.
type Pricer interface {
	Quote(loc models.Location) decimal.Decimal
}

// FlatRate charges the same amount regardless of location.
type FlatRate struct {
	Amount decimal.Decimal
}

func (f FlatRate) Quote(models.Location) decimal.Decimal { return f.Amount.Round(2) }

// ParseFlatRate builds a FlatRate from a decimal string such as "12.50".
func ParseFlatRate(s string) (FlatRate, error) {
	if s == "" {
		return FlatRate{Amount: DefaultFlatPrice}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return FlatRate{}, fmt.Errorf("%w: price %q: %v", models.ErrValidation, s, err)
	}
	if d.IsNegative() {
		return FlatRate{}, fmt.Errorf("%w: price %q is negative", models.ErrValidation, s)
	}
	return FlatRate{Amount: d}, nil
}
