// Package solver defines the engine-agnostic adapter contract and the
// in-process optimisation engines behind it. Adapters translate a
// ModelDescriptor into engine-specific form, run the engine, and map the
// outcome onto a small normalized status set so the dispatch layer never
// learns engine-specific result codes.
package solver

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/optforge/optforge/internal/domain/model"
)

// Status is the normalized solve outcome shared by every adapter.
type Status string

const (
	// StatusOptimal indicates a proven optimal solution.
	StatusOptimal Status = "optimal"
	// StatusFeasible indicates a usable solution without an optimality proof.
	StatusFeasible Status = "feasible"
	// StatusInfeasible indicates the constraints admit no solution.
	StatusInfeasible Status = "infeasible"
	// StatusUnbounded indicates the objective improves without limit.
	StatusUnbounded Status = "unbounded"
	// StatusError indicates the engine finished without a classifiable outcome.
	StatusError Status = "error"
)

// Usable reports whether the status carries a solution worth persisting.
func (s Status) Usable() bool {
	return s == StatusOptimal || s == StatusFeasible
}

// Params are the solve knobs recognised across engines. Unknown JSON fields
// are ignored so clients can carry engine hints without breaking dispatch.
type Params struct {
	TimeLimitSec  float64 `json:"time_limit_sec,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
	Tolerance     float64 `json:"tolerance,omitempty"`
	InitialTemp   float64 `json:"initial_temp,omitempty"`
	CoolingRate   float64 `json:"cooling_rate,omitempty"`
	Restarts      int     `json:"restarts,omitempty"`
	MIPGap        float64 `json:"mip_gap,omitempty"`
}

// Result is the normalized outcome of one solve invocation. Variables is
// keyed by decision-variable name; Gap and BestBound are only set by engines
// that prove bounds.
type Result struct {
	Status         Status
	ObjectiveValue *float64
	Gap            *float64
	BestBound      *float64
	Variables      map[string]*float64
	Logs           string
}

// Adapter is the contract every solver engine implements. Solve must treat
// the descriptor as read-only and honour context cancellation on long runs.
type Adapter interface {
	Name() string
	Solve(ctx context.Context, m *model.ModelDescriptor, params Params) (*Result, error)
}

// EngineUnavailableError reports that the selected engine has no usable
// backend in this build. Selection still succeeds; invocation fails.
type EngineUnavailableError struct {
	Engine string
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("solver engine %q is not available in this build", e.Engine)
}

// InvalidModelError reports a model the selected engine cannot represent,
// such as duplicate variable names or unsupported objective structure.
type InvalidModelError struct {
	Reason string
}

func (e *InvalidModelError) Error() string {
	return "invalid model: " + e.Reason
}

// variableDomain is a decision variable after bound defaulting: a missing
// lower bound becomes 0, a missing upper bound stays open, and binary
// collapses to integer over [0, 1].
type variableDomain struct {
	name    string
	lower   float64
	upper   float64
	integer bool
}

// variableDomains normalises the descriptor's variables, rejecting duplicate
// or empty names and inverted bounds as InvalidModelError.
func variableDomains(m *model.ModelDescriptor) ([]variableDomain, error) {
	if m == nil || len(m.DecisionVariables) == 0 {
		return nil, &InvalidModelError{Reason: "model declares no decision variables"}
	}

	domains := make([]variableDomain, 0, len(m.DecisionVariables))
	seen := make(map[string]struct{}, len(m.DecisionVariables))

	for i := range m.DecisionVariables {
		v := &m.DecisionVariables[i]
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("decision variable %d has no name", i)}
		}
		if _, dup := seen[name]; dup {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("duplicate decision variable name %q", name)}
		}
		seen[name] = struct{}{}

		d := variableDomain{name: name, lower: 0, upper: math.Inf(1)}
		if v.Lower != nil {
			d.lower = *v.Lower
		}
		if v.Upper != nil {
			d.upper = *v.Upper
		}

		switch v.Integrality.Normalized() {
		case model.IntegralityBinary:
			d.integer = true
			d.lower = math.Max(d.lower, 0)
			d.upper = math.Min(d.upper, 1)
		case model.IntegralityInteger:
			d.integer = true
		}

		if d.lower > d.upper {
			return nil, &InvalidModelError{
				Reason: fmt.Sprintf("variable %q has lower bound %g above upper bound %g", name, d.lower, d.upper),
			}
		}
		domains = append(domains, d)
	}
	return domains, nil
}

// domainIndex maps variable names to their position for constraint lookups.
func domainIndex(domains []variableDomain) map[string]int {
	idx := make(map[string]int, len(domains))
	for i, d := range domains {
		idx[d.name] = i
	}
	return idx
}

func float64Ptr(v float64) *float64 { return &v }
