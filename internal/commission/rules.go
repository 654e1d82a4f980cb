// internal/commission/rules.go
package commission

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// defaultSalePercentages apply to SALE levels that have no configured rule.
var defaultSalePercentages = map[int]decimal.Decimal{
	1: decimal.NewFromInt(10),
	2: decimal.NewFromInt(5),
	3: decimal.NewFromInt(3),
	4: decimal.NewFromInt(2),
	5: decimal.NewFromInt(1),
}

// DefaultSalePercentage returns the built-in percentage for a SALE level, if any.
func DefaultSalePercentage(level int) (decimal.Decimal, bool) {
	pct, ok := defaultSalePercentages[level]
	return pct, ok
}

type ruleKey struct {
	typ   Type
	level int
}

// RuleSet resolves the single applicable rule per (type, level).
type RuleSet struct {
	byKey map[ruleKey]Rule
}

// NewRuleSet indexes the active rules. For each (type, level) the rule with the
// highest priority wins; equal priorities go to the earliest created.
func NewRuleSet(rules []Rule) *RuleSet {
	sorted := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return outranks(sorted[i], sorted[j])
	})

	rs := &RuleSet{byKey: make(map[ruleKey]Rule, len(sorted))}
	for _, r := range sorted {
		k := ruleKey{r.Type, r.Level}
		if _, ok := rs.byKey[k]; !ok {
			rs.byKey[k] = r
		}
	}
	return rs
}

func outranks(a, b Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Applicable returns the rule for (typ, level). SALE levels 1-5 fall back to the
// built-in percentages when nothing is configured.
func (rs *RuleSet) Applicable(typ Type, level int) (Rule, bool) {
	if r, ok := rs.byKey[ruleKey{typ, level}]; ok {
		return r, true
	}
	if typ == TypeSale {
		if pct, ok := DefaultSalePercentage(level); ok {
			return Rule{
				Type:       TypeSale,
				Level:      level,
				Percentage: decimal.NewNullDecimal(pct),
				Active:     true,
			}, true
		}
	}
	return Rule{}, false
}

// Empty reports whether no configured rule exists for typ.
func (rs *RuleSet) Empty(typ Type) bool {
	for k := range rs.byKey {
		if k.typ == typ {
			return false
		}
	}
	return true
}

// Compute returns the commission r pays on base. ok is false when the rule does
// not apply or the amount rounds to zero or less.
func (r Rule) Compute(base decimal.Decimal) (amount decimal.Decimal, ok bool) {
	if r.MinOrderValue.Valid && base.LessThan(r.MinOrderValue.Decimal) {
		return decimal.Zero, false
	}

	switch {
	case r.FixedAmount.Valid:
		amount = r.FixedAmount.Decimal
	case r.Percentage.Valid:
		amount = base.Mul(r.Percentage.Decimal).Div(hundred)
	default:
		return decimal.Zero, false
	}

	if r.MaxCommission.Valid && amount.GreaterThan(r.MaxCommission.Decimal) {
		amount = r.MaxCommission.Decimal
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

// FixedBonus returns the amount of a fixed-amount rule that has no order base.
// Percentage-only rules pay nothing.
func (r Rule) FixedBonus() (decimal.Decimal, bool) {
	if !r.FixedAmount.Valid {
		return decimal.Zero, false
	}
	amount := r.FixedAmount.Decimal
	if r.MaxCommission.Valid && amount.GreaterThan(r.MaxCommission.Decimal) {
		amount = r.MaxCommission.Decimal
	}
	amount = amount.Round(2)
	return amount, amount.IsPositive()
}

// ruleID is nil for the built-in defaults.
func ruleID(r Rule) *uuid.UUID {
	if r.ID == uuid.Nil {
		return nil
	}
	id := r.ID
	return &id
}

// Validate checks a rule against the configured level range.
func (r Rule) Validate(maxLevels int) error {
	if !r.Type.Valid() {
		return invalidRule("unknown commission type")
	}
	if r.Level < 1 || r.Level > maxLevels {
		return invalidRule("level out of range")
	}
	if !r.Percentage.Valid && !r.FixedAmount.Valid {
		return invalidRule("percentage or fixed amount is required")
	}
	if r.Percentage.Valid && (r.Percentage.Decimal.IsNegative() || r.Percentage.Decimal.GreaterThan(hundred)) {
		return invalidRule("percentage must be within 0..100")
	}
	for _, v := range []decimal.NullDecimal{r.FixedAmount, r.MinOrderValue, r.MaxCommission} {
		if v.Valid && v.Decimal.IsNegative() {
			return invalidRule("amounts must not be negative")
		}
	}
	return nil
}
