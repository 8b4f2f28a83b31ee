package reward

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func baseLevels() Levels {
	return Levels{
		ClickPower:         1,
		Autoclicker:        1,
		ClickMultiplier:    1,
		PokedexBonus:       1,
		LuckyHitChance:     1,
		LuckyHitMultiplier: 1,
	}
}

func TestComputeAllLevelsOne(t *testing.T) {
	got := ManualReward(baseLevels(), 0, fixedSource(0.99))
	if got.String() != "1.00" {
		t.Fatalf("got %s want 1.00", got)
	}
	if got.Lucky {
		t.Fatalf("expected no lucky hit")
	}
}

func TestComputeMissingInputsFallBackToIdentity(t *testing.T) {
	cases := []Levels{nil, {}, {ClickPower: 0}, {ClickPower: -4, ClickMultiplier: -1}}
	for _, levels := range cases {
		if got := Compute(levels, 0, Manual, nil).String(); got != "1.00" {
			t.Fatalf("levels=%v got %s want 1.00", levels, got)
		}
		if got := TickReward(levels, -3).String(); got != "1.00" {
			t.Fatalf("tick levels=%v got %s want 1.00", levels, got)
		}
	}
}

func TestBaseGrowthIsMonotonic(t *testing.T) {
	prev := BaseMultiplier(1)
	for level := 2; level <= 400; level++ {
		next := BaseMultiplier(level)
		if !next.GreaterThan(prev) {
			t.Fatalf("level %d: %s is not greater than %s", level, next, prev)
		}
		prev = next
	}
}

func TestManualRewardGrowsExponentially(t *testing.T) {
	low := baseLevels()
	low[ClickPower] = 5
	high := baseLevels()
	high[ClickPower] = 20

	a := ManualReward(low, 0, fixedSource(0.99)).Amount
	b := ManualReward(high, 0, fixedSource(0.99)).Amount
	if !b.GreaterThan(a.Mul(decimal.NewFromInt(3))) {
		t.Fatalf("level 20 (%s) should exceed 3x level 5 (%s)", b, a)
	}
}

func TestGlobalMultiplierIsLinear(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{level: 1, want: "1"},
		{level: 2, want: "1.15"},
		{level: 11, want: "2.5"},
	}
	for _, tc := range tests {
		if got := GlobalMultiplier(tc.level); !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("level=%d got %s want %s", tc.level, got, tc.want)
		}
	}
}

func TestCollectionMultiplierZeroOwnedIsExactlyOne(t *testing.T) {
	for _, level := range []int{1, 2, 10, 500, 100000} {
		if got := CollectionMultiplier(level, 0); !got.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("level=%d got %s want 1", level, got)
		}
	}
}

func TestCollectionMultiplierScalesWithSqrtOwned(t *testing.T) {
	got := CollectionMultiplier(11, 100)
	lo := decimal.RequireFromString("1.6466")
	hi := decimal.RequireFromString("1.6467")
	if got.LessThan(lo) || got.GreaterThan(hi) {
		t.Fatalf("got %s want ~1.64667", got)
	}

	levels := baseLevels()
	levels[PokedexBonus] = 11
	if got := TickReward(levels, 100).String(); got != "1.65" {
		t.Fatalf("tick reward got %s want 1.65", got)
	}
}

func TestLuckyChanceNeverExceedsCap(t *testing.T) {
	limit := decimal.RequireFromString("0.08")
	for _, level := range []int{-5, 0, 1, 2, 10, 100, 107, 1000, 1_000_000, math.MaxInt32} {
		p := LuckyChance(level)
		if p.GreaterThan(limit) {
			t.Fatalf("level=%d chance %s exceeds cap", level, p)
		}
		if p.IsNegative() {
			t.Fatalf("level=%d chance %s is negative", level, p)
		}
	}
	if !LuckyChance(1_000_000).Equal(limit) {
		t.Fatalf("expected very large levels to sit on the cap")
	}
}

func TestLuckyChanceGrowsLogarithmically(t *testing.T) {
	p1 := LuckyChance(1)
	if p1.LessThan(decimal.RequireFromString("0.0081")) || p1.GreaterThan(decimal.RequireFromString("0.0082")) {
		t.Fatalf("level 1 chance got %s want ~0.0081", p1)
	}
	if !LuckyChance(10).GreaterThan(p1) {
		t.Fatalf("expected chance to grow with level")
	}
}

func TestLuckyRollAppliesMagnitude(t *testing.T) {
	levels := baseLevels()
	levels[LuckyHitMultiplier] = 3

	hit := ManualReward(levels, 0, fixedSource(0))
	if !hit.Lucky || hit.String() != "1.44" {
		t.Fatalf("expected lucky 1.44, got lucky=%v amount=%s", hit.Lucky, hit)
	}

	miss := ManualReward(levels, 0, fixedSource(0.5))
	if miss.Lucky || miss.String() != "1.00" {
		t.Fatalf("expected plain 1.00, got lucky=%v amount=%s", miss.Lucky, miss)
	}
}

func TestLuckyRollNeedsMagnitudeLevel(t *testing.T) {
	levels := Levels{ClickPower: 1}
	if got := ManualReward(levels, 0, fixedSource(0)); got.Lucky {
		t.Fatalf("expected no lucky hit without a magnitude level")
	}
}

func TestTickRewardNeverRollsLucky(t *testing.T) {
	levels := baseLevels()
	levels[Autoclicker] = 10
	levels[LuckyHitMultiplier] = 20

	got := Compute(levels, 0, Tick, fixedSource(0))
	if got.Lucky {
		t.Fatalf("tick variant must not roll lucky")
	}
	if got.String() != "2.27" {
		t.Fatalf("got %s want 2.27", got)
	}
}

func TestComputeHandlesHugeMagnitudes(t *testing.T) {
	levels := baseLevels()
	levels[ClickPower] = 800
	got := ManualReward(levels, 0, nil).Amount
	if got.LessThan(decimal.New(1, 30)) {
		t.Fatalf("expected > 1e30, got %s", got)
	}
	if got.Exponent() < -2 {
		t.Fatalf("expected at most 2 fraction digits, got %s", got)
	}
}

func TestLevelsClone(t *testing.T) {
	src := Levels{ClickPower: 4}
	cp := src.Clone()
	cp[ClickPower] = 9
	if src[ClickPower] != 4 {
		t.Fatalf("clone must not alias")
	}
	if cp.Level(PokedexBonus) != 1 || len(cp) != len(Kinds) {
		t.Fatalf("clone must fill every kind: %v", cp)
	}
}
