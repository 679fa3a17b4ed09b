package solver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The objective/constraint sub-documents of a ModelDescriptor are opaque to
// the dispatch core; this file is the one place their encoding is defined.
// The objective carries linear terms, optional quadratic terms, and a
// constant; constraints are linear rows compared against a right-hand side.

// Sense of optimisation.
const (
	SenseMin = "min"
	SenseMax = "max"
)

// Comparison operators accepted in constraint rows.
const (
	OpLE = "<="
	OpGE = ">="
	OpEQ = "="
)

// Term is one linear coefficient on a named variable.
type Term struct {
	Var  string  `json:"var"`
	Coef float64 `json:"coef"`
}

// QuadTerm is one quadratic coefficient on a pair of named variables.
type QuadTerm struct {
	X    string  `json:"x"`
	Y    string  `json:"y"`
	Coef float64 `json:"coef"`
}

// Objective is the decoded objective sub-document.
type Objective struct {
	Sense    string     `json:"sense,omitempty"`
	Terms    []Term     `json:"terms,omitempty"`
	Quad     []QuadTerm `json:"quad,omitempty"`
	Constant float64    `json:"constant,omitempty"`
}

// Minimize reports whether the objective minimises; an unset sense defaults
// to minimisation.
func (o *Objective) Minimize() bool {
	return o == nil || strings.ToLower(o.Sense) != SenseMax
}

// Quadratic reports whether any quadratic terms are present.
func (o *Objective) Quadratic() bool {
	return o != nil && len(o.Quad) > 0
}

// Constraint is one decoded constraint row.
type Constraint struct {
	Terms []Term  `json:"terms"`
	Op    string  `json:"op"`
	RHS   float64 `json:"rhs"`
}

// decodeObjective parses the opaque objective sub-document. A missing or
// null objective decodes to an empty minimisation (every feasible point is
// optimal), which lets constraint-satisfaction models flow through.
func decodeObjective(raw json.RawMessage, idx map[string]int) (*Objective, error) {
	obj := &Objective{}
	if len(raw) == 0 || string(raw) == "null" {
		return obj, nil
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, &InvalidModelError{Reason: "objective does not decode: " + err.Error()}
	}

	sense := strings.ToLower(obj.Sense)
	if sense != "" && sense != SenseMin && sense != SenseMax {
		return nil, &InvalidModelError{Reason: fmt.Sprintf("unknown objective sense %q", obj.Sense)}
	}
	for _, t := range obj.Terms {
		if _, ok := idx[t.Var]; !ok {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("objective references unknown variable %q", t.Var)}
		}
	}
	for _, q := range obj.Quad {
		if _, ok := idx[q.X]; !ok {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("objective references unknown variable %q", q.X)}
		}
		if _, ok := idx[q.Y]; !ok {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("objective references unknown variable %q", q.Y)}
		}
	}
	return obj, nil
}

// decodeConstraints parses the opaque constraints sub-document.
func decodeConstraints(raw json.RawMessage, idx map[string]int) ([]Constraint, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var rows []Constraint
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &InvalidModelError{Reason: "constraints do not decode: " + err.Error()}
	}

	for i, row := range rows {
		switch row.Op {
		case OpLE, OpGE, OpEQ:
		default:
			return nil, &InvalidModelError{Reason: fmt.Sprintf("constraint %d has unknown operator %q", i, row.Op)}
		}
		if len(row.Terms) == 0 {
			return nil, &InvalidModelError{Reason: fmt.Sprintf("constraint %d has no terms", i)}
		}
		for _, t := range row.Terms {
			if _, ok := idx[t.Var]; !ok {
				return nil, &InvalidModelError{
					Reason: fmt.Sprintf("constraint %d references unknown variable %q", i, t.Var),
				}
			}
		}
	}
	return rows, nil
}

// evaluate computes the objective value at a point, quadratic terms included.
func (o *Objective) evaluate(x []float64, idx map[string]int) float64 {
	if o == nil {
		return 0
	}
	v := o.Constant
	for _, t := range o.Terms {
		v += t.Coef * x[idx[t.Var]]
	}
	for _, q := range o.Quad {
		v += q.Coef * x[idx[q.X]] * x[idx[q.Y]]
	}
	return v
}

// violation returns how far a point is outside the constraint (0 when satisfied).
func (c *Constraint) violation(x []float64, idx map[string]int) float64 {
	lhs := 0.0
	for _, t := range c.Terms {
		lhs += t.Coef * x[idx[t.Var]]
	}
	switch c.Op {
	case OpLE:
		if d := lhs - c.RHS; d > 0 {
			return d
		}
	case OpGE:
		if d := c.RHS - lhs; d > 0 {
			return d
		}
	case OpEQ:
		if d := lhs - c.RHS; d > 0 {
			return d
		} else if d < 0 {
			return -d
		}
	}
	return 0
}
