package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_KeyOrderDeterministic(t *testing.T) {
	a, err := Marshal(map[string]interface{}{"b": float64(2), "a": float64(1), "nested": map[string]interface{}{"z": "y", "c": "d"}})
	require.NoError(t, err)
	b, err := Marshal(map[string]interface{}{"nested": map[string]interface{}{"c": "d", "z": "y"}, "a": float64(1), "b": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2,"nested":{"c":"d","z":"y"}}`, string(a))
}

func TestWithout_TopLevelOnly(t *testing.T) {
	m := map[string]interface{}{
		"hash": "top",
		"params": map[string]interface{}{
			"hash": "nested commit sha",
		},
	}
	out := Without(m, "hash", "hmac")
	_, hasTop := out["hash"]
	assert.False(t, hasTop)
	nested := out["params"].(map[string]interface{})
	assert.Equal(t, "nested commit sha", nested["hash"])

	// Input map is untouched.
	assert.Equal(t, "top", m["hash"])
}
