package solver

import (
	"context"
	"strings"

	"github.com/optforge/optforge/internal/domain/model"
)

// SelectionSource identifies how an adapter was chosen.
type SelectionSource string

const (
	// SelectionExplicit means the requested solver name resolved directly.
	SelectionExplicit SelectionSource = "explicit"
	// SelectionTypeDefault means the model type's default adapter was used.
	SelectionTypeDefault SelectionSource = "type_default"
	// SelectionFallback means nothing matched and the placeholder adapter
	// was selected; its Solve reports engine-unavailable.
	SelectionFallback SelectionSource = "fallback"
)

// Selection is the outcome of adapter selection. Selection is total: every
// (name, type) pair resolves to some adapter, and failures surface at solve
// time, never at selection time.
type Selection struct {
	Adapter Adapter
	Source  SelectionSource
}

// Registry resolves solver names and model types to adapters.
type Registry struct {
	aliases  map[string]Adapter
	defaults map[model.ModelType]Adapter
	fallback Adapter
}

// NewRegistry wires the built-in engines: simplex for LP/MIP, Nelder-Mead
// for QP/NLP, annealing for BO/CUSTOM, and the unimplemented placeholder
// for commercial engine names. Legacy client names from the previous
// platform generation (ortools, cvxpy, pyomo) stay as aliases so existing
// submissions keep resolving.
func NewRegistry() *Registry {
	simplex := NewSimplexAdapter()
	neldermead := NewNelderMeadAdapter()
	anneal := NewAnnealAdapter()

	r := &Registry{
		aliases:  make(map[string]Adapter),
		defaults: make(map[model.ModelType]Adapter),
		fallback: NewUnimplementedAdapter("unimplemented"),
	}

	r.register(simplex, "simplex", "ortools", "scip", "glop")
	r.register(neldermead, "neldermead", "nelder-mead", "cvxpy", "cvx", "pyomo", "ipopt")
	r.register(anneal, "anneal", "sa", "annealing")

	for _, name := range []string{"gurobi", "cplex", "commercial"} {
		r.aliases[name] = NewUnimplementedAdapter(name)
	}

	r.defaults[model.ModelTypeLP] = simplex
	r.defaults[model.ModelTypeMIP] = simplex
	r.defaults[model.ModelTypeQP] = neldermead
	r.defaults[model.ModelTypeNLP] = neldermead
	r.defaults[model.ModelTypeBO] = anneal
	r.defaults[model.ModelTypeCustom] = anneal

	return r
}

func (r *Registry) register(a Adapter, names ...string) {
	for _, name := range names {
		r.aliases[name] = a
	}
}

// Select resolves a requested solver name and model type to an adapter.
// Resolution order: explicit alias (case-insensitive), then the model
// type's default, then the placeholder. Deterministic for identical input.
func (r *Registry) Select(name string, modelType model.ModelType) Selection {
	if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
		if adapter, ok := r.aliases[trimmed]; ok {
			return Selection{Adapter: adapter, Source: SelectionExplicit}
		}
		// An unrecognised explicit name is honoured as a placeholder
		// selection rather than silently rerouted to a different engine.
		return Selection{Adapter: NewUnimplementedAdapter(trimmed), Source: SelectionFallback}
	}

	if adapter, ok := r.defaults[modelType]; ok {
		return Selection{Adapter: adapter, Source: SelectionTypeDefault}
	}
	return Selection{Adapter: r.fallback, Source: SelectionFallback}
}

// UnimplementedAdapter is the placeholder for engines without a backend in
// this build. Selecting it always succeeds; solving it fails with an
// engine-unavailable classification.
type UnimplementedAdapter struct {
	name string
}

// NewUnimplementedAdapter constructs a placeholder adapter for the given name.
func NewUnimplementedAdapter(name string) *UnimplementedAdapter {
	return &UnimplementedAdapter{name: name}
}

// Name returns the requested engine name the placeholder stands in for.
func (a *UnimplementedAdapter) Name() string { return a.name }

// Solve always fails with EngineUnavailableError.
func (a *UnimplementedAdapter) Solve(context.Context, *model.ModelDescriptor, Params) (*Result, error) {
	return nil, &EngineUnavailableError{Engine: a.name}
}

var _ Adapter = (*UnimplementedAdapter)(nil)
