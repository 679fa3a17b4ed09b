package solver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optforge/optforge/internal/domain/model"
)

func lpModel(t *testing.T, vars []model.Variable, objective, constraints string) *model.ModelDescriptor {
	t.Helper()
	m := &model.ModelDescriptor{
		Name:              "test-lp",
		Type:              model.ModelTypeLP,
		DecisionVariables: vars,
	}
	if objective != "" {
		m.Objective = json.RawMessage(objective)
	}
	if constraints != "" {
		m.Constraints = json.RawMessage(constraints)
	}
	return m
}

func TestSimplexAdapter_Solve(t *testing.T) {
	adapter := NewSimplexAdapter()
	ctx := context.Background()

	t.Run("optimal production mix", func(t *testing.T) {
		// max 3x + 2y  s.t. x + y <= 4, x <= 2, x,y >= 0 -> x=2, y=2, obj=10
		m := lpModel(t,
			[]model.Variable{{Name: "x", Upper: f64(2)}, {Name: "y"}},
			`{"sense":"max","terms":[{"var":"x","coef":3},{"var":"y","coef":2}]}`,
			`[{"terms":[{"var":"x","coef":1},{"var":"y","coef":1}],"op":"<=","rhs":4}]`,
		)

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		require.Equal(t, StatusOptimal, res.Status)
		require.NotNil(t, res.ObjectiveValue)
		assert.InDelta(t, 10.0, *res.ObjectiveValue, 1e-6)
		assert.InDelta(t, 2.0, *res.Variables["x"], 1e-6)
		assert.InDelta(t, 2.0, *res.Variables["y"], 1e-6)
		require.NotNil(t, res.Gap)
		assert.Equal(t, 0.0, *res.Gap)
	})

	t.Run("shifted lower bounds", func(t *testing.T) {
		// min x with x in [-5, 5] -> x = -5
		m := lpModel(t,
			[]model.Variable{{Name: "x", Lower: f64(-5), Upper: f64(5)}},
			`{"sense":"min","terms":[{"var":"x","coef":1}]}`,
			"",
		)

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		require.Equal(t, StatusOptimal, res.Status)
		assert.InDelta(t, -5.0, *res.ObjectiveValue, 1e-6)
	})

	t.Run("infeasible", func(t *testing.T) {
		// x <= 2 and x >= 5 cannot both hold
		m := lpModel(t,
			[]model.Variable{{Name: "x", Upper: f64(2)}},
			`{"sense":"max","terms":[{"var":"x","coef":1}]}`,
			`[{"terms":[{"var":"x","coef":1}],"op":">=","rhs":5}]`,
		)

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		assert.Equal(t, StatusInfeasible, res.Status)
		assert.Nil(t, res.ObjectiveValue)
	})

	t.Run("unbounded", func(t *testing.T) {
		m := lpModel(t,
			[]model.Variable{{Name: "x"}},
			`{"sense":"max","terms":[{"var":"x","coef":1}]}`,
			"",
		)

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		assert.Equal(t, StatusUnbounded, res.Status)
	})

	t.Run("equality constraint", func(t *testing.T) {
		// min x + y  s.t. x + y = 3 -> obj = 3
		m := lpModel(t,
			[]model.Variable{{Name: "x"}, {Name: "y"}},
			`{"sense":"min","terms":[{"var":"x","coef":1},{"var":"y","coef":1}]}`,
			`[{"terms":[{"var":"x","coef":1},{"var":"y","coef":1}],"op":"=","rhs":3}]`,
		)

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		require.Equal(t, StatusOptimal, res.Status)
		assert.InDelta(t, 3.0, *res.ObjectiveValue, 1e-6)
	})

	t.Run("quadratic objective rejected", func(t *testing.T) {
		m := lpModel(t,
			[]model.Variable{{Name: "x"}},
			`{"quad":[{"x":"x","y":"x","coef":1}]}`,
			"",
		)

		_, err := adapter.Solve(ctx, m, Params{})
		var invalid *InvalidModelError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("descriptor is not mutated", func(t *testing.T) {
		m := lpModel(t,
			[]model.Variable{{Name: "x", Upper: f64(2)}},
			`{"sense":"max","terms":[{"var":"x","coef":1}]}`,
			"",
		)
		before, err := json.Marshal(m)
		require.NoError(t, err)

		_, err = adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)

		after, err := json.Marshal(m)
		require.NoError(t, err)
		assert.JSONEq(t, string(before), string(after))
	})
}

func TestSimplexAdapter_BranchAndBound(t *testing.T) {
	adapter := NewSimplexAdapter()
	ctx := context.Background()

	t.Run("integer knapsack corner", func(t *testing.T) {
		// max x + y  s.t. 2x + 3y <= 12, x <= 3, x,y integer -> x=3, y=2, obj=5
		m := &model.ModelDescriptor{
			Name: "int-test",
			Type: model.ModelTypeMIP,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(3), Integrality: model.IntegralityInteger},
				{Name: "y", Integrality: model.IntegralityInteger},
			},
			Objective:   json.RawMessage(`{"sense":"max","terms":[{"var":"x","coef":1},{"var":"y","coef":1}]}`),
			Constraints: json.RawMessage(`[{"terms":[{"var":"x","coef":2},{"var":"y","coef":3}],"op":"<=","rhs":12}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		require.Equal(t, StatusOptimal, res.Status)
		assert.InDelta(t, 5.0, *res.ObjectiveValue, 1e-6)
		assert.InDelta(t, 3.0, *res.Variables["x"], 1e-9)
		assert.InDelta(t, 2.0, *res.Variables["y"], 1e-9)
		require.NotNil(t, res.BestBound)
	})

	t.Run("fractional relaxation rounds down", func(t *testing.T) {
		// max x  s.t. 2x <= 7, x integer -> x=3 (relaxation x=3.5)
		m := &model.ModelDescriptor{
			Name: "frac-test",
			Type: model.ModelTypeMIP,
			DecisionVariables: []model.Variable{
				{Name: "x", Integrality: model.IntegralityInteger},
			},
			Objective:   json.RawMessage(`{"sense":"max","terms":[{"var":"x","coef":1}]}`),
			Constraints: json.RawMessage(`[{"terms":[{"var":"x","coef":2}],"op":"<=","rhs":7}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		require.Equal(t, StatusOptimal, res.Status)
		assert.InDelta(t, 3.0, *res.ObjectiveValue, 1e-6)
	})

	t.Run("binary selection", func(t *testing.T) {
		// max 5a + 4b + 3c  s.t. a + b + c <= 2, binary -> a=b=1, obj=9
		m := &model.ModelDescriptor{
			Name: "binary-test",
			Type: model.ModelTypeMIP,
			DecisionVariables: []model.Variable{
				{Name: "a", Integrality: model.IntegralityBinary},
				{Name: "b", Integrality: model.IntegralityBinary},
				{Name: "c", Integrality: model.IntegralityBinary},
			},
			Objective: json.RawMessage(
				`{"sense":"max","terms":[{"var":"a","coef":5},{"var":"b","coef":4},{"var":"c","coef":3}]}`),
			Constraints: json.RawMessage(
				`[{"terms":[{"var":"a","coef":1},{"var":"b","coef":1},{"var":"c","coef":1}],"op":"<=","rhs":2}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{})
		require.NoError(t, err)
		require.Equal(t, StatusOptimal, res.Status)
		assert.InDelta(t, 9.0, *res.ObjectiveValue, 1e-6)
		assert.InDelta(t, 1.0, *res.Variables["a"], 1e-9)
		assert.InDelta(t, 1.0, *res.Variables["b"], 1e-9)
		assert.InDelta(t, 0.0, *res.Variables["c"], 1e-9)
	})

	t.Run("canceled context stops the search", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		m := &model.ModelDescriptor{
			Name: "cancel-test",
			Type: model.ModelTypeMIP,
			DecisionVariables: []model.Variable{
				{Name: "x", Integrality: model.IntegralityInteger},
			},
			Objective:   json.RawMessage(`{"sense":"max","terms":[{"var":"x","coef":1}]}`),
			Constraints: json.RawMessage(`[{"terms":[{"var":"x","coef":2}],"op":"<=","rhs":7}]`),
		}

		_, err := adapter.Solve(ctx, m, Params{})
		require.ErrorIs(t, err, context.Canceled)
	})
}
