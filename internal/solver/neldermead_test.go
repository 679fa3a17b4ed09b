package solver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optforge/optforge/internal/domain/model"
)

func TestNelderMeadAdapter_Solve(t *testing.T) {
	adapter := NewNelderMeadAdapter()
	ctx := context.Background()

	t.Run("unconstrained quadratic", func(t *testing.T) {
		// min (x-2)^2 = x^2 - 4x + 4 over [0, 10] -> x=2, obj=0
		m := &model.ModelDescriptor{
			Name: "parabola",
			Type: model.ModelTypeQP,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(10)},
			},
			Objective: json.RawMessage(
				`{"terms":[{"var":"x","coef":-4}],"quad":[{"x":"x","y":"x","coef":1}],"constant":4}`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 7})
		require.NoError(t, err)
		require.True(t, res.Status.Usable(), string(res.Status))
		require.NotNil(t, res.ObjectiveValue)
		assert.InDelta(t, 0.0, *res.ObjectiveValue, 1e-3)
		assert.InDelta(t, 2.0, *res.Variables["x"], 1e-2)
	})

	t.Run("constrained minimum lands on boundary", func(t *testing.T) {
		// min x^2 + y^2  s.t. x + y >= 2 -> x=y=1, obj=2
		m := &model.ModelDescriptor{
			Name: "boundary",
			Type: model.ModelTypeQP,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(5)},
				{Name: "y", Upper: f64(5)},
			},
			Objective: json.RawMessage(
				`{"quad":[{"x":"x","y":"x","coef":1},{"x":"y","y":"y","coef":1}]}`),
			Constraints: json.RawMessage(
				`[{"terms":[{"var":"x","coef":1},{"var":"y","coef":1}],"op":">=","rhs":2}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 7})
		require.NoError(t, err)
		require.True(t, res.Status.Usable(), string(res.Status))
		assert.InDelta(t, 2.0, *res.ObjectiveValue, 5e-2)
	})

	t.Run("contradictory constraints report infeasible", func(t *testing.T) {
		m := &model.ModelDescriptor{
			Name: "contradiction",
			Type: model.ModelTypeNLP,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(1)},
			},
			Objective: json.RawMessage(`{"terms":[{"var":"x","coef":1}]}`),
			Constraints: json.RawMessage(
				`[{"terms":[{"var":"x","coef":1}],"op":">=","rhs":100}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 7})
		require.NoError(t, err)
		assert.Equal(t, StatusInfeasible, res.Status)
	})

	t.Run("canceled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		m := &model.ModelDescriptor{
			Name:              "cancel",
			Type:              model.ModelTypeNLP,
			DecisionVariables: []model.Variable{{Name: "x", Upper: f64(10)}},
			Objective:         json.RawMessage(`{"terms":[{"var":"x","coef":1}]}`),
		}

		_, err := adapter.Solve(ctx, m, Params{Seed: 7})
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("deterministic for equal seeds", func(t *testing.T) {
		m := &model.ModelDescriptor{
			Name: "seeded",
			Type: model.ModelTypeQP,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(10)},
			},
			Objective: json.RawMessage(
				`{"terms":[{"var":"x","coef":-4}],"quad":[{"x":"x","y":"x","coef":1}],"constant":4}`),
		}

		first, err := adapter.Solve(ctx, m, Params{Seed: 42})
		require.NoError(t, err)
		second, err := adapter.Solve(ctx, m, Params{Seed: 42})
		require.NoError(t, err)
		assert.Equal(t, *first.ObjectiveValue, *second.ObjectiveValue)
	})
}
