package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ModelType declares the mathematical class of an optimisation model.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ModelType string

// Integrality declares the domain of a single decision variable.
type Integrality string

const (
	// ModelTypeLP is a linear program with continuous variables.
	ModelTypeLP ModelType = "LP"
	// ModelTypeMIP is a mixed-integer linear program.
	ModelTypeMIP ModelType = "MIP"
	// ModelTypeQP is a quadratic program.
	ModelTypeQP ModelType = "QP"
	// ModelTypeNLP is a general nonlinear program.
	ModelTypeNLP ModelType = "NLP"
	// ModelTypeBO is a black-box/Bayesian-style optimisation model.
	ModelTypeBO ModelType = "BO"
	// ModelTypeCustom is a model outside the recognised classes.
	ModelTypeCustom ModelType = "CUSTOM"

	// IntegralityContinuous allows any real value within bounds.
	IntegralityContinuous Integrality = "continuous"
	// IntegralityInteger restricts the variable to whole numbers.
	IntegralityInteger Integrality = "integer"
	// IntegralityBinary restricts the variable to {0, 1}.
	IntegralityBinary Integrality = "binary"
)

// Valid returns true if the ModelType is one of the recognised classes.
// Unrecognised types are not an error at the submission boundary; dispatch
// routes them to the fallback adapter instead.
func (t ModelType) Valid() bool {
	switch t {
	case ModelTypeLP, ModelTypeMIP, ModelTypeQP, ModelTypeNLP, ModelTypeBO, ModelTypeCustom:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so model types parse
// case-insensitively from JSON and env values.
func (t *ModelType) UnmarshalText(text []byte) error {
	*t = ModelType(strings.ToUpper(strings.TrimSpace(string(text))))
	return nil
}

// Normalized returns the integrality with the continuous default applied.
func (i Integrality) Normalized() Integrality {
	switch Integrality(strings.ToLower(string(i))) {
	case IntegralityInteger:
		return IntegralityInteger
	case IntegralityBinary:
		return IntegralityBinary
	default:
		return IntegralityContinuous
	}
}

// Variable is one decision variable of a model. Bounds are optional; the
// solver layer defaults the lower bound to 0 and leaves the upper bound
// open when unset.
type Variable struct {
	Name        string      `json:"name"`
	Lower       *float64    `json:"lower,omitempty"`
	Upper       *float64    `json:"upper,omitempty"`
	Integrality Integrality `json:"integrality,omitempty"`
}

// ModelDescriptor is the engine-agnostic description of an optimisation
// problem. Objective and constraints are opaque sub-documents: the dispatch
// core passes them through untouched and each adapter decodes what it
// understands.
type ModelDescriptor struct {
	Name              string            `json:"name"`
	Type              ModelType         `json:"type"`
	DecisionVariables []Variable        `json:"decision_variables"`
	Objective         json.RawMessage   `json:"objective,omitempty"`
	Constraints       json.RawMessage   `json:"constraints,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate applies boundary checks only: an empty model or a nameless
// variable is rejected synchronously at submission. Structural problems
// that need solver context (duplicate names, unknown references in the
// objective) are classified by the adapter and fail the run instead.
func (m *ModelDescriptor) Validate() error {
	if m == nil {
		return errors.New("model is required")
	}
	if len(m.DecisionVariables) == 0 {
		return errors.New("model must declare at least one decision variable")
	}
	for i := range m.DecisionVariables {
		if strings.TrimSpace(m.DecisionVariables[i].Name) == "" {
			return fmt.Errorf("decision variable %d has no name", i)
		}
	}
	return nil
}
