// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decodetest

import (
	"math"
	"slices"
	"testing"

	"github.com/gomlx/decoding/pkg/ml/decode/beamsearch"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestTableModel(t *testing.T) {
	model := NewTableModel(3, func(context []int32) []float32 {
		return []float32{float32(len(context)), 0, 1}
	})
	prefixIDs := tensors.FromValue([][]int32{{0, 2}, {1, 2}})
	prefixPaddings := tensors.FromValue([][]int32{{1, 0}, {0, 0}})
	state, err := model.Initialize(prefixIDs, prefixPaddings)
	require.NoError(t, err)
	require.Len(t, state, 3)
	assert.Equal(t, [][]int32{{2, 0}, {1, 2}}, state[0].Value.Value())
	assert.Equal(t, 0, TimeStep(state))

	state, err = model.TransformState(state, beamsearch.PadStateFn(2))
	require.NoError(t, err)
	logits, state, err := model.ExtendStep(state,
		tensors.FromValue([]int32{2, 2}), tensors.FromValue([][]int32{{0}, {1}}))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 1}, {2, 0, 1}}, logits.Value())
	assert.True(t, model.Seen([]int32{2}))
	assert.True(t, model.Seen([]int32{1, 2}))
	assert.False(t, model.Seen([]int32{2, 2}))
	assert.Equal(t, 1, TimeStep(state))
	assert.Equal(t, 1, model.NumCalls())

	// Corrupt the keys: the model detects the cache is out of sync.
	keys := tensors.MustCopyFlatData[float16.Float16](state[1].Value)
	keys[(1*4+0)*2] = float16.Fromfloat32(9)
	corrupted := slices.Clone(state)
	corrupted[1].Value = tensors.FromFlatDataAndDimensions(keys, 2, 4, 2)
	_, _, err = model.ExtendStep(corrupted, tensors.FromValue([]int32{0, 0}), tensors.FromValue([][]int32{{1}, {2}}))
	require.Error(t, err)

	// Positions out of the cache.
	_, _, err = model.ExtendStep(state, tensors.FromValue([]int32{0, 0}), tensors.FromValue([][]int32{{4}, {0}}))
	require.Error(t, err)

	model.Reset()
	assert.Equal(t, 0, model.NumCalls())
	assert.False(t, model.Seen([]int32{2}))
}

func TestBigramModel(t *testing.T) {
	model := NewBigramModel([][]int32{{1, 2, 0}, {1, 2, 1}}, 3)
	logProbs := model.Logits([]int32{2, 1})
	// After 1: 2 twice, out of 2 bigrams, smoothed with vocab 3.
	assert.InDelta(t, math.Log(1.0/5), logProbs[0], 1e-6)
	assert.InDelta(t, math.Log(1.0/5), logProbs[1], 1e-6)
	assert.InDelta(t, math.Log(3.0/5), logProbs[2], 1e-6)
	// Never seen: uniform.
	for _, lp := range model.Logits([]int32{0}) {
		assert.InDelta(t, math.Log(1.0/3), lp, 1e-6)
	}
}
