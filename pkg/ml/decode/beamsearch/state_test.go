// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() State {
	return State{
		// [batch=2, time=2]
		{Name: "tokens", Value: tensors.FromValue([][]int32{{1, 2}, {3, 4}}), BatchAxis: 0, TimeAxis: 1},
		// [time=2, batch=2]: axes in non-default order.
		{Name: "transposed", Value: tensors.FromValue([][]float32{{10, 30}, {20, 40}}), BatchAxis: 1, TimeAxis: 0},
		{Name: "counter", Value: tensors.FromValue([]int32{7}), BatchAxis: NoAxis, TimeAxis: NoAxis},
	}
}

func TestPadStateFn(t *testing.T) {
	state, err := TransformLeaves(testState(), PadStateFn(2))
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 2, 0, 0}, {3, 4, 0, 0}}, state[0].Value.Value())
	assert.Equal(t, [][]float32{{10, 30}, {20, 40}, {0, 0}, {0, 0}}, state[1].Value.Value())
	assert.Equal(t, []int32{7}, state[2].Value.Value())
	assert.Equal(t, "tokens", state[0].Name)
	assert.Equal(t, 1, state[1].BatchAxis)

	_, err = TransformLeaves(State{{Name: "bad", Value: tensors.FromValue([]int32{0, 0}), BatchAxis: 0, TimeAxis: 3}}, PadStateFn(1))
	require.Error(t, err)
}

func TestBroadcastStateFn(t *testing.T) {
	state, err := TransformLeaves(testState(), BroadcastStateFn(2))
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 2}, {1, 2}, {3, 4}, {3, 4}}, state[0].Value.Value())
	assert.Equal(t, [][]float32{{10, 10, 30, 30}, {20, 20, 40, 40}}, state[1].Value.Value())
	assert.Equal(t, []int32{7}, state[2].Value.Value())
}

func TestShuffleStateFn(t *testing.T) {
	// batch=2, beam=2: rows are [b0h0, b0h1, b1h0, b1h1].
	state := State{
		{Name: "tokens", Value: tensors.FromValue([][]int32{{1}, {2}, {3}, {4}}), BatchAxis: 0, TimeAxis: 1},
		{Name: "per_row", Value: tensors.FromValue([]int32{1, 2, 3, 4}), BatchAxis: 0, TimeAxis: NoAxis},
		{Name: "counter", Value: tensors.FromValue([]int32{7}), BatchAxis: NoAxis, TimeAxis: NoAxis},
	}
	hypIDs := [][]int{{1, 1}, {1, 0}}
	newState, err := TransformLeaves(state, ShuffleStateFn(2, hypIDs))
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{2}, {2}, {4}, {3}}, newState[0].Value.Value())

	// Rank-1 leaves are left untouched, even with a batch axis.
	assert.Equal(t, []int32{1, 2, 3, 4}, newState[1].Value.Value())
	assert.Equal(t, []int32{7}, newState[2].Value.Value())

	// Input state is not modified.
	assert.Equal(t, [][]int32{{1}, {2}, {3}, {4}}, state[0].Value.Value())

	// Batch axis of the wrong size.
	_, err = TransformLeaves(state, ShuffleStateFn(3, [][]int{{0, 1, 2}, {0, 1, 2}}))
	require.Error(t, err)
}

func TestShuffleStateByIndicesFn(t *testing.T) {
	// Batch on the last axis: [time=2, rows=3].
	state := State{{Name: "values", Value: tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}), BatchAxis: 1, TimeAxis: 0}}
	newState, err := TransformLeaves(state, ShuffleStateByIndicesFn(tensors.FromValue([]int32{2, 2, 0})))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 3, 1}, {6, 6, 4}}, newState[0].Value.Value())

	_, err = TransformLeaves(state, ShuffleStateByIndicesFn(tensors.FromValue([]int32{0, 1})))
	require.Error(t, err)
}
