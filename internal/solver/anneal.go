package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/optforge/optforge/internal/domain/model"
)

const (
	defaultAnnealIterations = 20000
	defaultInitialTemp      = 10.0
	defaultCoolingRate      = 0.999
	finalTemp               = 1e-8
	annealCancelCheckMask   = 0xff

	// Constraint violations are penalised into the energy so the walk can
	// cross infeasible regions at high temperature and settle feasible.
	annealPenalty = 1e6
)

// AnnealAdapter handles black-box and custom models with simulated
// annealing over the box-bounded variable domain: Metropolis acceptance,
// geometric cooling, and integer-aware neighborhood moves.
type AnnealAdapter struct{}

// NewAnnealAdapter constructs the BO/CUSTOM engine.
func NewAnnealAdapter() *AnnealAdapter {
	return &AnnealAdapter{}
}

// Name returns the engine name.
func (a *AnnealAdapter) Name() string { return "anneal" }

// Solve runs the annealing walk. Heuristic engines never prove optimality,
// so a feasible incumbent reports feasible and an incumbent that still
// violates constraints after the full schedule reports infeasible.
func (a *AnnealAdapter) Solve(ctx context.Context, m *model.ModelDescriptor, params Params) (*Result, error) {
	domains, err := variableDomains(m)
	if err != nil {
		return nil, err
	}
	idx := domainIndex(domains)

	obj, err := decodeObjective(m.Objective, idx)
	if err != nil {
		return nil, err
	}
	cons, err := decodeConstraints(m.Constraints, idx)
	if err != nil {
		return nil, err
	}

	sign := 1.0
	if !obj.Minimize() {
		sign = -1
	}

	maxIter := params.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultAnnealIterations
	}
	temp := params.InitialTemp
	if temp <= 0 {
		temp = defaultInitialTemp
	}
	alpha := params.CoolingRate
	if alpha <= 0 || alpha >= 1 {
		alpha = defaultCoolingRate
	}
	rng := rand.New(rand.NewSource(seedOrDefault(params.Seed)))

	violationAt := func(x []float64) float64 {
		total := 0.0
		for i := range cons {
			total += cons[i].violation(x, idx)
		}
		return total
	}
	energy := func(x []float64) float64 {
		return sign*obj.evaluate(x, idx) + annealPenalty*violationAt(x)
	}

	curr := interiorPoint(domains, rng)
	clampToDomain(domains, curr)
	currEnergy := energy(curr)

	best := append([]float64(nil), curr...)
	bestEnergy := currEnergy

	cand := make([]float64, len(curr))
	iters := 0

	for iter := 0; iter < maxIter && temp > finalTemp; iter++ {
		if iter&annealCancelCheckMask == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		iters = iter + 1

		copy(cand, curr)
		neighborMove(domains, cand, temp, rng)
		candEnergy := energy(cand)

		delta := candEnergy - currEnergy
		accept := delta <= 0
		if !accept {
			// Metropolis criterion admits uphill moves at high temperature.
			accept = rng.Float64() < math.Exp(-delta/temp)
		}

		if accept {
			curr, cand = cand, curr
			currEnergy = candEnergy
			if currEnergy < bestEnergy {
				bestEnergy = currEnergy
				copy(best, curr)
			}
		}

		temp *= alpha
	}

	if v := violationAt(best); v > feasibilityTol {
		return &Result{
			Status: StatusInfeasible,
			Logs:   fmt.Sprintf("anneal: best violation %.3g after %d iterations", v, iters),
		}, nil
	}

	objVal := obj.evaluate(best, idx)
	return &Result{
		Status:         StatusFeasible,
		ObjectiveValue: float64Ptr(objVal),
		Variables:      variableMap(domains, best),
		Logs:           fmt.Sprintf("anneal: %d iterations, final temperature %.3g", iters, temp),
	}, nil
}

// neighborMove perturbs one random coordinate. Continuous variables take a
// Gaussian step scaled by the box width and the temperature fraction;
// integer variables take unit steps. The result stays inside the box.
func neighborMove(domains []variableDomain, x []float64, temp float64, rng *rand.Rand) {
	i := rng.Intn(len(x))
	d := domains[i]

	if d.integer {
		if rng.Float64() < 0.5 {
			x[i]++
		} else {
			x[i]--
		}
	} else {
		width := d.upper - d.lower
		if math.IsInf(width, 1) {
			width = 10
		}
		scale := math.Max(width*0.1, 1e-3)
		x[i] += rng.NormFloat64() * scale * math.Min(1, temp)
	}

	lo, hi := effectiveBounds(d)
	if x[i] < lo {
		x[i] = lo
	}
	if x[i] > hi {
		x[i] = hi
	}
}

// effectiveBounds tightens an integer variable's box to the integers it
// contains: a fractional bound like lower=0.5 admits no integer at the bound
// itself, so clamping against the raw box could leave a fractional value.
func effectiveBounds(d variableDomain) (float64, float64) {
	if d.integer {
		return math.Ceil(d.lower), math.Floor(d.upper)
	}
	return d.lower, d.upper
}

func clampToDomain(domains []variableDomain, x []float64) {
	for i, d := range domains {
		if d.integer {
			x[i] = math.Round(x[i])
		}
		lo, hi := effectiveBounds(d)
		if x[i] < lo {
			x[i] = lo
		}
		if x[i] > hi {
			x[i] = hi
		}
	}
}

var _ Adapter = (*AnnealAdapter)(nil)
