package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optforge/optforge/internal/domain/model"
)

func f64(v float64) *float64 { return &v }

func TestVariableDomains(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		m := &model.ModelDescriptor{
			Type: model.ModelTypeLP,
			DecisionVariables: []model.Variable{
				{Name: "x"},
				{Name: "y", Lower: f64(-3), Upper: f64(7)},
				{Name: "b", Integrality: model.IntegralityBinary},
			},
		}
		domains, err := variableDomains(m)
		require.NoError(t, err)
		require.Len(t, domains, 3)

		assert.Equal(t, 0.0, domains[0].lower)
		assert.True(t, math.IsInf(domains[0].upper, 1))
		assert.False(t, domains[0].integer)

		assert.Equal(t, -3.0, domains[1].lower)
		assert.Equal(t, 7.0, domains[1].upper)

		assert.True(t, domains[2].integer)
		assert.Equal(t, 0.0, domains[2].lower)
		assert.Equal(t, 1.0, domains[2].upper)
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		m := &model.ModelDescriptor{
			DecisionVariables: []model.Variable{{Name: "x"}, {Name: "x"}},
		}
		_, err := variableDomains(m)
		var invalid *InvalidModelError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "duplicate")
	})

	t.Run("inverted bounds rejected", func(t *testing.T) {
		m := &model.ModelDescriptor{
			DecisionVariables: []model.Variable{{Name: "x", Lower: f64(5), Upper: f64(1)}},
		}
		_, err := variableDomains(m)
		var invalid *InvalidModelError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("empty model rejected", func(t *testing.T) {
		_, err := variableDomains(&model.ModelDescriptor{})
		var invalid *InvalidModelError
		require.ErrorAs(t, err, &invalid)
	})
}

func TestStatus_Usable(t *testing.T) {
	assert.True(t, StatusOptimal.Usable())
	assert.True(t, StatusFeasible.Usable())
	assert.False(t, StatusInfeasible.Usable())
	assert.False(t, StatusUnbounded.Usable())
	assert.False(t, StatusError.Usable())
}
