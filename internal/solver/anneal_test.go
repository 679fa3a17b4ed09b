package solver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optforge/optforge/internal/domain/model"
)

func TestAnnealAdapter_Solve(t *testing.T) {
	adapter := NewAnnealAdapter()
	ctx := context.Background()

	t.Run("box-bounded quadratic", func(t *testing.T) {
		// min x^2 over [-5, 5]; heuristic, so a loose delta
		m := &model.ModelDescriptor{
			Name: "bowl",
			Type: model.ModelTypeBO,
			DecisionVariables: []model.Variable{
				{Name: "x", Lower: f64(-5), Upper: f64(5)},
			},
			Objective: json.RawMessage(`{"quad":[{"x":"x","y":"x","coef":1}]}`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 11})
		require.NoError(t, err)
		require.Equal(t, StatusFeasible, res.Status)
		require.NotNil(t, res.ObjectiveValue)
		assert.InDelta(t, 0.0, *res.ObjectiveValue, 0.5)
	})

	t.Run("integer moves stay integral", func(t *testing.T) {
		// max x + y over integers in [0, 10] with x + y <= 7
		m := &model.ModelDescriptor{
			Name: "grid",
			Type: model.ModelTypeCustom,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(10), Integrality: model.IntegralityInteger},
				{Name: "y", Upper: f64(10), Integrality: model.IntegralityInteger},
			},
			Objective: json.RawMessage(
				`{"sense":"max","terms":[{"var":"x","coef":1},{"var":"y","coef":1}]}`),
			Constraints: json.RawMessage(
				`[{"terms":[{"var":"x","coef":1},{"var":"y","coef":1}],"op":"<=","rhs":7}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 11})
		require.NoError(t, err)
		require.Equal(t, StatusFeasible, res.Status)

		x := *res.Variables["x"]
		y := *res.Variables["y"]
		assert.Equal(t, x, float64(int(x)))
		assert.Equal(t, y, float64(int(y)))
		assert.LessOrEqual(t, x+y, 7.0)
	})

	t.Run("fractional bounds on integers tighten to whole numbers", func(t *testing.T) {
		// max x over integers with box [0.5, 3.5]; the only admissible
		// values are 1..3, so clamping must never settle on a bound.
		m := &model.ModelDescriptor{
			Name: "fractional-box",
			Type: model.ModelTypeCustom,
			DecisionVariables: []model.Variable{
				{Name: "x", Lower: f64(0.5), Upper: f64(3.5), Integrality: model.IntegralityInteger},
			},
			Objective: json.RawMessage(`{"sense":"max","terms":[{"var":"x","coef":1}]}`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 11})
		require.NoError(t, err)
		require.Equal(t, StatusFeasible, res.Status)

		x := *res.Variables["x"]
		assert.Equal(t, x, float64(int(x)))
		assert.GreaterOrEqual(t, x, 1.0)
		assert.LessOrEqual(t, x, 3.0)
	})

	t.Run("unsatisfiable constraint reports infeasible", func(t *testing.T) {
		m := &model.ModelDescriptor{
			Name: "impossible",
			Type: model.ModelTypeCustom,
			DecisionVariables: []model.Variable{
				{Name: "x", Upper: f64(1)},
			},
			Constraints: json.RawMessage(
				`[{"terms":[{"var":"x","coef":1}],"op":">=","rhs":50}]`),
		}

		res, err := adapter.Solve(ctx, m, Params{Seed: 11})
		require.NoError(t, err)
		assert.Equal(t, StatusInfeasible, res.Status)
	})

	t.Run("canceled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		m := &model.ModelDescriptor{
			Name:              "cancel",
			Type:              model.ModelTypeBO,
			DecisionVariables: []model.Variable{{Name: "x", Upper: f64(5)}},
		}

		_, err := adapter.Solve(ctx, m, Params{Seed: 11})
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("deterministic for equal seeds", func(t *testing.T) {
		m := &model.ModelDescriptor{
			Name: "seeded",
			Type: model.ModelTypeBO,
			DecisionVariables: []model.Variable{
				{Name: "x", Lower: f64(-5), Upper: f64(5)},
			},
			Objective: json.RawMessage(`{"quad":[{"x":"x","y":"x","coef":1}]}`),
		}

		first, err := adapter.Solve(ctx, m, Params{Seed: 99})
		require.NoError(t, err)
		second, err := adapter.Solve(ctx, m, Params{Seed: 99})
		require.NoError(t, err)
		assert.Equal(t, *first.ObjectiveValue, *second.ObjectiveValue)
	})
}
