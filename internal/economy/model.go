package economy

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"rarecandy/internal/reward"
)

var (
	ErrPlayerNotFound       = errors.New("player not found")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrInvalidUsername      = errors.New("username must be 3-24 chars of letters, digits or underscore")
	ErrInvalidDelta         = errors.New("delta must be a decimal number")
	ErrDeltaTooLarge        = errors.New("delta exceeds the per-commit limit")
	ErrInsufficientFunds    = errors.New("not enough rare candy")
	ErrAlreadyOwned         = errors.New("you already own this item")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrTxConflict           = errors.New("transaction conflict, retry")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// Profile is the authoritative view of a player returned by every mutation.
type Profile struct {
	PlayerID   string          `json:"player_id"`
	Username   string          `json:"username"`
	Balance    decimal.Decimal `json:"balance"`
	Levels     reward.Levels   `json:"levels"`
	OwnedItems []int           `json:"owned_items"`
	Revision   int64           `json:"revision"`
}

func (p Profile) Owns(itemID int) bool {
	for _, id := range p.OwnedItems {
		if id == itemID {
			return true
		}
	}
	return false
}

type CommitInput struct {
	PlayerID       string
	Delta          decimal.Decimal
	IdempotencyKey string
}

type UpgradeInput struct {
	PlayerID       string
	Kind           reward.Kind
	IdempotencyKey string
}

type PurchaseInput struct {
	PlayerID       string
	ItemID         int
	IdempotencyKey string
}

func ValidateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if !usernameRE.MatchString(username) {
		return "", ErrInvalidUsername
	}
	return username, nil
}

// ParseDelta reads a signed decimal string and rounds it to cents.
func ParseDelta(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDelta, raw)
	}
	return d.Round(2), nil
}

// applyDelta returns the balance after a signed commit. The balance never
// goes below zero.
func applyDelta(balance, delta, limit decimal.Decimal) (decimal.Decimal, error) {
	if limit.IsPositive() && delta.GreaterThan(limit) {
		return balance, ErrDeltaTooLarge
	}
	next := balance.Add(delta).Round(2)
	if next.IsNegative() {
		return balance, fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientFunds, balance.StringFixed(2), delta.StringFixed(2))
	}
	return next, nil
}

// debit subtracts a price the player must be able to cover.
func debit(balance, price decimal.Decimal) (decimal.Decimal, error) {
	if balance.LessThan(price) {
		return balance, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, price.StringFixed(0), balance.StringFixed(2))
	}
	return balance.Sub(price), nil
}

func encodeLevels(levels reward.Levels) ([]byte, error) {
	return json.Marshal(levels.Clone())
}

// decodeLevels tolerates a missing or malformed column: the formula treats
// absent kinds as level 1.
func decodeLevels(raw []byte) reward.Levels {
	levels := reward.Levels{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &levels)
	}
	return levels.Clone()
}

func sortedItems(items []int) []int {
	out := append([]int(nil), items...)
	sort.Ints(out)
	if out == nil {
		out = []int{}
	}
	return out
}
