package calculator

import (
	"github.com/shopspring/decimal"

	"github.com/mmynk/settleup/internal/errs"
)

// SplitType mirrors models.SplitType without importing the models package.
type SplitType string

const (
	SplitEqual      SplitType = "equal"
	SplitExact      SplitType = "exact"
	SplitPercentage SplitType = "percentage"
)

var (
	hundred = decimal.NewFromInt(100)

	// exactTolerance bounds how far exact split amounts may drift from the total.
	exactTolerance = decimal.New(1, -2)

	// percentageTolerance bounds how far split percentages may drift from 100.
	percentageTolerance = decimal.New(1, -1)
)

// Share is one member's portion of an expense.
type Share struct {
	UserID     string
	Amount     decimal.Decimal
	Percentage decimal.Decimal
}

// ResolveSplits validates the shares of an expense and returns them with
// Amount filled in.
//
// Equal shares each get total/n. Percentage shares get total × pct / Σpct, so
// the resolved amounts always add up to the total even when the percentages
// drift inside their tolerance. Exact shares are returned as given. Nothing is
// rounded here.
func ResolveSplits(splitType SplitType, total decimal.Decimal, shares []Share) ([]Share, error) {
	if !total.IsPositive() {
		return nil, errs.Invalid("amount", "must be positive, got %s", total)
	}
	if len(shares) == 0 {
		return nil, errs.Invalid("splits", "must have at least one participant")
	}

	seen := make(map[string]bool, len(shares))
	for _, s := range shares {
		if s.UserID == "" {
			return nil, errs.Invalid("splits", "participant id is required")
		}
		if seen[s.UserID] {
			return nil, errs.Invalid("splits", "participant %s appears more than once", s.UserID)
		}
		seen[s.UserID] = true
	}

	resolved := make([]Share, len(shares))
	copy(resolved, shares)

	switch splitType {
	case SplitEqual, "":
		perPerson := total.Div(decimal.NewFromInt(int64(len(shares))))
		for i := range resolved {
			resolved[i].Amount = perPerson
		}

	case SplitExact:
		sum := decimal.Zero
		for _, s := range resolved {
			if s.Amount.IsNegative() {
				return nil, errs.Invalid("splits", "amount for %s is negative", s.UserID)
			}
			sum = sum.Add(s.Amount)
		}
		if sum.Sub(total).Abs().GreaterThan(exactTolerance) {
			return nil, errs.Invalid("splits", "exact amounts sum to %s, expense is %s", sum, total)
		}

	case SplitPercentage:
		sum := decimal.Zero
		for _, s := range resolved {
			if s.Percentage.IsNegative() {
				return nil, errs.Invalid("splits", "percentage for %s is negative", s.UserID)
			}
			sum = sum.Add(s.Percentage)
		}
		if sum.Sub(hundred).Abs().GreaterThan(percentageTolerance) {
			return nil, errs.Invalid("splits", "percentages sum to %s, want 100", sum)
		}
		for i := range resolved {
			resolved[i].Amount = total.Mul(resolved[i].Percentage).Div(sum)
		}

	default:
		return nil, errs.Invalid("split_type", "unknown split type %q", splitType)
	}

	return resolved, nil
}
