package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/optforge/optforge/internal/domain/model"
)

// SimplexAdapter solves linear programs with gonum's simplex method and
// mixed-integer linear programs by branch and bound over LP relaxations.
type SimplexAdapter struct{}

// NewSimplexAdapter constructs the LP/MIP engine.
func NewSimplexAdapter() *SimplexAdapter {
	return &SimplexAdapter{}
}

// Name returns the engine name.
func (a *SimplexAdapter) Name() string { return "simplex" }

// Solve translates the model to standard form and runs the simplex method.
// Integer variables route through branch and bound. Quadratic objectives are
// rejected as invalid for this engine; the registry defaults QP elsewhere.
func (a *SimplexAdapter) Solve(ctx context.Context, m *model.ModelDescriptor, params Params) (*Result, error) {
	prob, err := newLinearProblem(m)
	if err != nil {
		return nil, err
	}
	if prob.obj.Quadratic() {
		return nil, &InvalidModelError{Reason: "quadratic objective is not supported by the simplex engine"}
	}

	if prob.hasIntegers() {
		return solveBranchAndBound(ctx, prob, params)
	}

	x, objVal, err := prob.solveRelaxation(params.Tolerance, nil)
	if err != nil {
		return lpErrorResult(err)
	}

	return &Result{
		Status:         StatusOptimal,
		ObjectiveValue: float64Ptr(objVal),
		Gap:            float64Ptr(0),
		BestBound:      float64Ptr(objVal),
		Variables:      prob.variableMap(x),
		Logs:           fmt.Sprintf("simplex: %d variables, %d constraints", len(prob.domains), len(prob.cons)),
	}, nil
}

// lpErrorResult maps gonum's sentinel errors onto normalized statuses. Any
// other failure is an engine error the dispatcher may retry.
func lpErrorResult(err error) (*Result, error) {
	switch {
	case errors.Is(err, lp.ErrInfeasible):
		return &Result{Status: StatusInfeasible, Logs: "simplex: problem is infeasible"}, nil
	case errors.Is(err, lp.ErrUnbounded):
		return &Result{Status: StatusUnbounded, Logs: "simplex: problem is unbounded"}, nil
	default:
		return nil, fmt.Errorf("simplex solve: %w", err)
	}
}

// linearProblem is a decoded linear model ready for standard-form conversion.
type linearProblem struct {
	domains []variableDomain
	idx     map[string]int
	obj     *Objective
	cons    []Constraint
}

func newLinearProblem(m *model.ModelDescriptor) (*linearProblem, error) {
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

	return &linearProblem{domains: domains, idx: idx, obj: obj, cons: cons}, nil
}

func (p *linearProblem) hasIntegers() bool {
	for _, d := range p.domains {
		if d.integer {
			return true
		}
	}
	return false
}

func (p *linearProblem) variableMap(x []float64) map[string]*float64 {
	out := make(map[string]*float64, len(p.domains))
	for i, d := range p.domains {
		out[d.name] = float64Ptr(x[i])
	}
	return out
}

// solveRelaxation solves the continuous relaxation in standard form:
// variables are shifted by their lower bounds so y >= 0, finite upper
// bounds and inequality rows gain slack columns, and everything lands in
// a single equality system for gonum's Simplex. overrides tightens
// per-variable bounds for branch-and-bound nodes.
func (p *linearProblem) solveRelaxation(tol float64, overrides map[int][2]float64) ([]float64, float64, error) {
	n := len(p.domains)

	lower := make([]float64, n)
	upper := make([]float64, n)
	for i, d := range p.domains {
		lower[i], upper[i] = d.lower, d.upper
		if ov, ok := overrides[i]; ok {
			lower[i] = math.Max(lower[i], ov[0])
			upper[i] = math.Min(upper[i], ov[1])
		}
		if lower[i] > upper[i] {
			return nil, 0, lp.ErrInfeasible
		}
	}

	// Row layout: model constraints first, then finite upper-bound rows.
	type row struct {
		coefs map[int]float64
		rhs   float64
		slack float64 // +1 for <=, -1 for >=, 0 for =
	}

	rows := make([]row, 0, len(p.cons)+n)
	for _, c := range p.cons {
		r := row{coefs: make(map[int]float64, len(c.Terms))}
		shift := 0.0
		for _, t := range c.Terms {
			j := p.idx[t.Var]
			r.coefs[j] += t.Coef
			shift += t.Coef * lower[j]
		}
		r.rhs = c.RHS - shift
		switch c.Op {
		case OpLE:
			r.slack = 1
		case OpGE:
			r.slack = -1
		}
		rows = append(rows, r)
	}
	for j := range p.domains {
		if math.IsInf(upper[j], 1) {
			continue
		}
		rows = append(rows, row{
			coefs: map[int]float64{j: 1},
			rhs:   upper[j] - lower[j],
			slack: 1,
		})
	}

	slackCount := 0
	for _, r := range rows {
		if r.slack != 0 {
			slackCount++
		}
	}
	cols := n + slackCount

	c := make([]float64, cols)
	for _, t := range p.obj.Terms {
		c[p.idx[t.Var]] += t.Coef
	}
	if !p.obj.Minimize() {
		for j := 0; j < n; j++ {
			c[j] = -c[j]
		}
	}

	if len(rows) == 0 {
		// No constraints and no finite upper bounds: optimal iff no
		// objective pressure away from the lower corner.
		for j := 0; j < n; j++ {
			if c[j] < 0 {
				return nil, 0, lp.ErrUnbounded
			}
		}
		x := make([]float64, n)
		copy(x, lower)
		return x, p.obj.evaluate(x, p.idx), nil
	}

	aData := make([]float64, len(rows)*cols)
	b := make([]float64, len(rows))
	slackCol := n
	for i, r := range rows {
		for j, coef := range r.coefs {
			aData[i*cols+j] = coef
		}
		if r.slack != 0 {
			aData[i*cols+slackCol] = r.slack
			slackCol++
		}
		b[i] = r.rhs
	}
	A := mat.NewDense(len(rows), cols, aData)

	_, y, err := lp.Simplex(c, A, b, tol, nil)
	if err != nil {
		return nil, 0, err
	}

	x := make([]float64, n)
	for j := 0; j < n; j++ {
		x[j] = y[j] + lower[j]
	}
	return x, p.obj.evaluate(x, p.idx), nil
}

var _ Adapter = (*SimplexAdapter)(nil)
