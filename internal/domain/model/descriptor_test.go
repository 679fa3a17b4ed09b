package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelType_Valid(t *testing.T) {
	for _, mt := range []ModelType{ModelTypeLP, ModelTypeMIP, ModelTypeQP, ModelTypeNLP, ModelTypeBO, ModelTypeCustom} {
		assert.True(t, mt.Valid(), string(mt))
	}
	assert.False(t, ModelType("SAT").Valid())
	assert.False(t, ModelType("").Valid())
}

func TestModelType_UnmarshalText(t *testing.T) {
	var mt ModelType
	require.NoError(t, json.Unmarshal([]byte(`" mip "`), &mt))
	assert.Equal(t, ModelTypeMIP, mt)

	require.NoError(t, json.Unmarshal([]byte(`"quantum"`), &mt))
	assert.Equal(t, ModelType("QUANTUM"), mt)
	assert.False(t, mt.Valid())
}

func TestIntegrality_Normalized(t *testing.T) {
	assert.Equal(t, IntegralityContinuous, Integrality("").Normalized())
	assert.Equal(t, IntegralityContinuous, Integrality("real").Normalized())
	assert.Equal(t, IntegralityInteger, Integrality("Integer").Normalized())
	assert.Equal(t, IntegralityBinary, Integrality("BINARY").Normalized())
}

func TestModelDescriptor_Validate(t *testing.T) {
	t.Run("valid model", func(t *testing.T) {
		m := &ModelDescriptor{
			Name: "prod-mix",
			Type: ModelTypeLP,
			DecisionVariables: []Variable{
				{Name: "x"},
				{Name: "y"},
			},
		}
		require.NoError(t, m.Validate())
	})

	t.Run("nil model", func(t *testing.T) {
		var m *ModelDescriptor
		require.Error(t, m.Validate())
	})

	t.Run("no variables", func(t *testing.T) {
		m := &ModelDescriptor{Name: "empty", Type: ModelTypeLP}
		require.Error(t, m.Validate())
	})

	t.Run("nameless variable", func(t *testing.T) {
		m := &ModelDescriptor{
			Name:              "bad",
			Type:              ModelTypeLP,
			DecisionVariables: []Variable{{Name: "x"}, {Name: "  "}},
		}
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decision variable 1")
	})
}
