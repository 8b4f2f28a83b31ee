package reward

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	ClickPower         Kind = "clickPower"
	Autoclicker        Kind = "autoclicker"
	ClickMultiplier    Kind = "clickMultiplier"
	PokedexBonus       Kind = "pokedexBonus"
	LuckyHitChance     Kind = "luckyHitChance"
	LuckyHitMultiplier Kind = "luckyHitMultiplier"
)

var Kinds = []Kind{ClickPower, Autoclicker, ClickMultiplier, PokedexBonus, LuckyHitChance, LuckyHitMultiplier}

// calcPlaces bounds intermediate precision; results are only reported to 2 places.
const calcPlaces = 24

var (
	growthBase     = decimal.RequireFromString("1.0954")
	linearRate     = decimal.RequireFromString("0.15")
	collectionBase = decimal.RequireFromString("1.005")
	luckyBase      = decimal.RequireFromString("1.2")
	luckyCap       = decimal.RequireFromString("0.08")

	one     = decimal.NewFromInt(1)
	half    = decimal.RequireFromString("0.5")
	hundred = decimal.NewFromInt(100)
)

// Levels maps an upgrade kind to its level. Missing or non-positive levels read as 1.
type Levels map[Kind]int

func (l Levels) Level(k Kind) int {
	if l == nil {
		return 1
	}
	v, ok := l[k]
	if !ok || v < 1 {
		return 1
	}
	return v
}

func (l Levels) has(k Kind) bool {
	if l == nil {
		return false
	}
	v, ok := l[k]
	return ok && v >= 1
}

// Clone returns a copy with every known kind filled in.
func (l Levels) Clone() Levels {
	out := make(Levels, len(Kinds))
	for _, k := range Kinds {
		out[k] = l.Level(k)
	}
	return out
}

func ValidKind(k Kind) bool {
	for _, known := range Kinds {
		if known == k {
			return true
		}
	}
	return false
}

type Variant int

const (
	Manual Variant = iota
	Tick
)

// Source supplies uniform draws in [0, 1).
type Source interface {
	Float64() float64
}

type lockedSource struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewSource() Source {
	return &lockedSource{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64()
}

type Result struct {
	Amount decimal.Decimal
	Lucky  bool
}

func (r Result) String() string {
	return r.Amount.StringFixed(2)
}

func ManualReward(levels Levels, owned int, src Source) Result {
	return Compute(levels, owned, Manual, src)
}

func TickReward(levels Levels, owned int) Result {
	return Compute(levels, owned, Tick, nil)
}

// Compute never fails: any multiplier that cannot be evaluated counts as 1.
// The lucky roll only happens for the Manual variant with a non-nil source.
func Compute(levels Levels, owned int, variant Variant, src Source) Result {
	growthKind := ClickPower
	if variant == Tick {
		growthKind = Autoclicker
	}

	amount := BaseMultiplier(levels.Level(growthKind))
	amount = amount.Mul(GlobalMultiplier(levels.Level(ClickMultiplier))).Round(calcPlaces)
	amount = amount.Mul(CollectionMultiplier(levels.Level(PokedexBonus), owned)).Round(calcPlaces)

	out := Result{Amount: amount}
	if variant != Manual || src == nil {
		out.Amount = out.Amount.Round(2)
		return out
	}

	draw := src.Float64()
	if levels.has(LuckyHitMultiplier) && decimal.NewFromFloat(draw).LessThan(LuckyChance(levels.Level(LuckyHitChance))) {
		out.Lucky = true
		out.Amount = out.Amount.Mul(LuckyMultiplier(levels.Level(LuckyHitMultiplier))).Round(calcPlaces)
	}
	out.Amount = out.Amount.Round(2)
	return out
}

// BaseMultiplier is 1.0954^(level-1).
func BaseMultiplier(level int) decimal.Decimal {
	return intPow(growthBase, level-1)
}

// GlobalMultiplier grows linearly: 1 + (level-1)*0.15.
func GlobalMultiplier(level int) decimal.Decimal {
	if level <= 1 {
		return one
	}
	return one.Add(decimal.NewFromInt(int64(level - 1)).Mul(linearRate))
}

// CollectionMultiplier is 1.005^((level-1)*sqrt(owned)), and exactly 1 with no owned items.
func CollectionMultiplier(level, owned int) decimal.Decimal {
	if level <= 1 || owned <= 0 {
		return one
	}
	root, err := decimal.NewFromInt(int64(owned)).PowWithPrecision(half, calcPlaces)
	if err != nil {
		return one
	}
	exp := decimal.NewFromInt(int64(level - 1)).Mul(root).Round(calcPlaces)
	v, err := collectionBase.PowWithPrecision(exp, calcPlaces)
	if err != nil || v.LessThan(one) {
		return one
	}
	return v
}

// LuckyChance is 2*ln(1+0.5*level) percent, clamped to [0, 8%].
func LuckyChance(level int) decimal.Decimal {
	if level < 1 {
		level = 1
	}
	ln, err := one.Add(half.Mul(decimal.NewFromInt(int64(level)))).Ln(calcPlaces)
	if err != nil {
		return decimal.Zero
	}
	p := ln.Mul(decimal.NewFromInt(2)).Div(hundred)
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(luckyCap) {
		return luckyCap
	}
	return p
}

// LuckyMultiplier is 1.2^(level-1).
func LuckyMultiplier(level int) decimal.Decimal {
	return intPow(luckyBase, level-1)
}

func intPow(base decimal.Decimal, exp int) decimal.Decimal {
	if exp <= 0 {
		return one
	}
	if exp > math.MaxInt32 {
		exp = math.MaxInt32
	}
	v, err := base.PowInt32(int32(exp))
	if err != nil {
		return one
	}
	return v.Round(calcPlaces)
}
