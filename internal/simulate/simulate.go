// Package simulate generates synthetic staggered-adoption panels with known
// treatment effects.
package simulate

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"didimpute/internal/panel"
)

// DGP names a data-generating process.
type DGP string

const (
	// NoTreat has no treated units.
	NoTreat DGP = "no_treat"
	// ConstantTE treats the first half of units from period 5 with a
	// constant effect.
	ConstantTE DGP = "const_te"
	// Pretrend adds a linear drift before adoption to the treated units.
	Pretrend DGP = "pretrend"
)

// AdoptionPeriod is when treated units adopt.
const AdoptionPeriod = 5

// PretrendLookback is the placebo window used for simulated panels. A window
// covering every pre-adoption period makes each treated unit's placebo
// residuals sum to zero under the unit fixed effect, leaving the Wald test
// undefined.
const PretrendLookback = AdoptionPeriod - 2

// Column names of generated panels.
var Columns = panel.Columns{Outcome: "Y", Unit: "i", Time: "t", Adoption: "Ei"}

// Params controls a simulation.
type Params struct {
	Units    int     `json:"units" yaml:"units"`
	Periods  int     `json:"periods" yaml:"periods"`
	TE       float64 `json:"te" yaml:"te"`
	PreSlope float64 `json:"pre_slope" yaml:"pre_slope"`
	Sigma    float64 `json:"sigma" yaml:"sigma"`
	Seed     int64   `json:"seed" yaml:"seed"`
}

// DefaultParams returns the standard settings for dgp.
func DefaultParams(dgp DGP) Params {
	p := Params{Units: 60, Periods: 10, Sigma: 0.1, Seed: 123}
	switch dgp {
	case ConstantTE:
		p.TE = 1.0
	case Pretrend:
		p.PreSlope = 0.10
	}
	return p
}

// ParseDGP validates a DGP name.
func ParseDGP(s string) (DGP, error) {
	switch DGP(s) {
	case NoTreat, ConstantTE, Pretrend:
		return DGP(s), nil
	}
	return "", fmt.Errorf("unknown DGP %q: want no_treat, const_te or pretrend", s)
}

// Generate draws a panel with columns i, t, Ei and Y. Unit intercepts are
// N(0, 0.2^2), the common trend is 0.05*t and noise is N(0, Sigma^2).
func Generate(dgp DGP, p Params) (*panel.Panel, error) {
	if _, err := ParseDGP(string(dgp)); err != nil {
		return nil, err
	}
	if p.Units < 1 || p.Periods < 1 {
		return nil, fmt.Errorf("units and periods must be positive, got %d and %d", p.Units, p.Periods)
	}
	if p.Sigma < 0 {
		return nil, fmt.Errorf("sigma must be non-negative, got %g", p.Sigma)
	}

	rng := NewSource(p.Seed)
	out := panel.New(Columns.Unit, Columns.Time, Columns.Adoption, Columns.Outcome)
	for i := 0; i < p.Units; i++ {
		adopt := math.NaN()
		if dgp != NoTreat && i < p.Units/2 {
			adopt = AdoptionPeriod
		}
		alpha := rng.NormFloat64() * 0.2
		for t := 0; t < p.Periods; t++ {
			y := alpha + 0.05*float64(t)
			if !math.IsNaN(adopt) {
				if float64(t) >= adopt {
					y += p.TE
				} else if dgp == Pretrend {
					y += p.PreSlope * (float64(t) - adopt)
				}
			}
			y += rng.NormFloat64() * p.Sigma

			ei := panel.Missing()
			if !math.IsNaN(adopt) {
				ei = panel.Num(adopt)
			}
			if err := out.Append(panel.Num(float64(i)), panel.Num(float64(t)), ei, panel.Num(y)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// NewSource returns a generator seeded with seed.
func NewSource(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

var global = struct {
	sync.Mutex
	rng *rand.Rand
}{rng: NewSource(1)}

// SetSeed reseeds the package generator behind NextSeed.
func SetSeed(seed int64) {
	global.Lock()
	defer global.Unlock()
	global.rng = NewSource(seed)
}

// NextSeed draws a seed from the package generator.
func NextSeed() int64 {
	global.Lock()
	defer global.Unlock()
	return global.rng.Int63()
}
