package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/optimize"

	"github.com/optforge/optforge/internal/domain/model"
)

const (
	defaultNMIterations = 2000
	defaultNMRestarts   = 4
	feasibilityTol      = 1e-6

	// Penalty weights escalate across outer rounds so early rounds explore
	// and late rounds pin the iterate inside the feasible region.
	penaltyBase       = 1e3
	penaltyEscalation = 100
	penaltyRounds     = 3
)

// NelderMeadAdapter solves quadratic and general nonlinear models with
// gonum's derivative-free Nelder-Mead method on a penalty-augmented
// objective. Constraint and bound violations are squared-penalised, with
// multi-start from random interior points to escape poor simplices.
type NelderMeadAdapter struct{}

// NewNelderMeadAdapter constructs the QP/NLP engine.
func NewNelderMeadAdapter() *NelderMeadAdapter {
	return &NelderMeadAdapter{}
}

// Name returns the engine name.
func (a *NelderMeadAdapter) Name() string { return "neldermead" }

// Solve runs penalty-method Nelder-Mead. The returned status is optimal when
// the method converged on a feasible point, feasible when iterations ran out
// on a feasible point, and infeasible when no start drove the constraint
// violation below tolerance.
func (a *NelderMeadAdapter) Solve(ctx context.Context, m *model.ModelDescriptor, params Params) (*Result, error) {
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
		maxIter = defaultNMIterations
	}
	restarts := params.Restarts
	if restarts <= 0 {
		restarts = defaultNMRestarts
	}
	rng := rand.New(rand.NewSource(seedOrDefault(params.Seed)))

	violationAt := func(x []float64) float64 {
		total := 0.0
		for i, d := range domains {
			if x[i] < d.lower {
				total += d.lower - x[i]
			}
			if x[i] > d.upper {
				total += x[i] - d.upper
			}
		}
		for i := range cons {
			total += cons[i].violation(x, idx)
		}
		return total
	}

	var (
		bestX         []float64
		bestVal       = math.Inf(1) // minimisation sense
		bestViolation = math.Inf(1)
		converged     bool
	)

	for start := 0; start < restarts; start++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x0 := interiorPoint(domains, rng)
		penalty := penaltyBase

		for round := 0; round < penaltyRounds; round++ {
			mu := penalty
			problem := optimize.Problem{
				Func: func(x []float64) float64 {
					val := sign * obj.evaluate(x, idx)
					v := violationAt(x)
					return val + mu*v*v
				},
				Status: func() (optimize.Status, error) {
					if err := ctx.Err(); err != nil {
						return optimize.Failure, err
					}
					return optimize.NotTerminated, nil
				},
			}
			settings := &optimize.Settings{
				MajorIterations: maxIter,
				Converger: &optimize.FunctionConverge{
					Absolute:   1e-10,
					Iterations: 100,
				},
			}

			res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("nelder-mead solve: %w", err)
			}

			x0 = res.X
			penalty *= penaltyEscalation

			v := violationAt(res.X)
			val := sign * obj.evaluate(res.X, idx)
			better := v < bestViolation-feasibilityTol ||
				(math.Abs(v-bestViolation) <= feasibilityTol && val < bestVal)
			if better {
				bestX = append([]float64(nil), res.X...)
				bestVal = val
				bestViolation = v
				converged = res.Status == optimize.FunctionConvergence
			}
		}
	}

	if bestX == nil {
		return nil, fmt.Errorf("nelder-mead solve: no iterate produced")
	}
	if bestViolation > feasibilityTol {
		return &Result{
			Status: StatusInfeasible,
			Logs: fmt.Sprintf(
				"nelder-mead: best violation %.3g above tolerance after %d starts", bestViolation, restarts),
		}, nil
	}

	roundIntegers(domains, bestX)
	objVal := obj.evaluate(bestX, idx)

	status := StatusFeasible
	if converged {
		status = StatusOptimal
	}
	return &Result{
		Status:         status,
		ObjectiveValue: float64Ptr(objVal),
		Variables:      variableMap(domains, bestX),
		Logs:           fmt.Sprintf("nelder-mead: %d starts, violation %.3g", restarts, bestViolation),
	}, nil
}

// interiorPoint samples a start inside the box, falling back to unit offsets
// when a bound is open.
func interiorPoint(domains []variableDomain, rng *rand.Rand) []float64 {
	x := make([]float64, len(domains))
	for i, d := range domains {
		lower, upper := d.lower, d.upper
		if math.IsInf(upper, 1) {
			upper = lower + 10
		}
		if lower == upper {
			x[i] = lower
			continue
		}
		x[i] = lower + rng.Float64()*(upper-lower)
	}
	return x
}

func roundIntegers(domains []variableDomain, x []float64) {
	for i, d := range domains {
		if d.integer {
			x[i] = math.Round(x[i])
		}
	}
}

func variableMap(domains []variableDomain, x []float64) map[string]*float64 {
	out := make(map[string]*float64, len(domains))
	for i, d := range domains {
		out[d.name] = float64Ptr(x[i])
	}
	return out
}

func seedOrDefault(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return 1
}

var _ Adapter = (*NelderMeadAdapter)(nil)
