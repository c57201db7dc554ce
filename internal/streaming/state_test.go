package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-volley/internal/device"
)

func TestStateRejectsBatchAxisMismatch(t *testing.T) {
	b := device.NewCPUBackend()
	st := NewState(4)

	require.NoError(t, st.Set("ok", b.NewTensor(4, 2, 8, nil)))

	err := st.Set("bad", b.NewTensor(3, 2, 8, nil))
	var shape *ShapeError
	require.ErrorAs(t, err, &shape)
	require.Equal(t, "bad", shape.Key)
	require.Equal(t, 4, shape.Want)
	require.Equal(t, 3, shape.Got)
}

func TestStateValidateNamesComponent(t *testing.T) {
	b := device.NewCPUBackend()
	st := NewState(2)
	require.NoError(t, st.Set("cache", b.NewTensor(2, 1, 4, nil)))

	// Simulate an unsupported mid-session batch change.
	st.tensors["cache"] = b.NewTensor(5, 1, 4, nil)

	err := st.Validate("attention")
	var shape *ShapeError
	require.ErrorAs(t, err, &shape)
	require.Equal(t, "attention", shape.Component)
	require.Equal(t, "cache", shape.Key)
}

func TestStateKeysSortedAndDelete(t *testing.T) {
	b := device.NewCPUBackend()
	st := NewState(1)
	require.NoError(t, st.Set("values", b.NewTensor(1, 1, 1, nil)))
	require.NoError(t, st.Set("keys", b.NewTensor(1, 1, 1, nil)))

	require.Equal(t, []string{"keys", "values"}, st.Keys())

	st.Delete("keys")
	require.Equal(t, 1, st.Len())
	_, ok := st.Get("keys")
	require.False(t, ok)
}
