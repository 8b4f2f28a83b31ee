package reward

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const BaseUpgradeCost = 25

var (
	ErrUnknownKind = errors.New("unknown upgrade kind")
	ErrInvalidItem = errors.New("item id must be > 0")
)

var costMultipliers = map[Kind]decimal.Decimal{
	ClickPower:         decimal.RequireFromString("1.3416"),
	Autoclicker:        decimal.RequireFromString("1.3038"),
	LuckyHitChance:     decimal.RequireFromString("1.5"),
	LuckyHitMultiplier: decimal.RequireFromString("1.6"),
	ClickMultiplier:    decimal.RequireFromString("1.7"),
	PokedexBonus:       decimal.RequireFromString("2.5"),
}

var (
	baseItemCost   = decimal.NewFromInt(100)
	itemTierGrowth = decimal.RequireFromString("1.5")
)

// UpgradeCost is the price of raising kind from currentLevel to currentLevel+1:
// floor(25 * multiplier^(currentLevel-1)).
func UpgradeCost(kind Kind, currentLevel int) (decimal.Decimal, error) {
	mult, ok := costMultipliers[kind]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if currentLevel < 1 {
		currentLevel = 1
	}
	return intPow(mult, currentLevel-1).Mul(decimal.NewFromInt(BaseUpgradeCost)).Floor(), nil
}

// ItemCost prices collection items in tiers of ten ids: floor(100 * 1.5^floor(id/10)).
func ItemCost(itemID int) (decimal.Decimal, error) {
	if itemID <= 0 {
		return decimal.Zero, ErrInvalidItem
	}
	return intPow(itemTierGrowth, itemID/10).Mul(baseItemCost).Floor(), nil
}
