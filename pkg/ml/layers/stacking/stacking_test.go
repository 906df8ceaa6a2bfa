// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stacking

import (
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backend = must.M1(simplego.New(""))

// sequence returns a [1, len(values), 1] tensor.
func sequence(values ...float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, 1, len(values), 1)
}

// fprop runs c.FProp on the given values, paddings may be nil.
func fprop(c Config, inputs, paddings *tensors.Tensor) (outputs, outPaddings *tensors.Tensor, err error) {
	args := []any{inputs}
	if paddings != nil {
		args = append(args, paddings)
	}
	var fpropErr error
	e, err := graph.NewExec(backend, func(nodes []*graph.Node) []*graph.Node {
		var paddings *graph.Node
		if len(nodes) > 1 {
			paddings = nodes[1]
		}
		var outputs, outPaddings *graph.Node
		outputs, outPaddings, fpropErr = c.FProp(nodes[0], paddings)
		if fpropErr != nil {
			return []*graph.Node{nodes[0], nodes[0]}
		}
		return []*graph.Node{outputs, outPaddings}
	})
	if err != nil {
		return nil, nil, err
	}
	defer e.Finalize()
	results, err := e.Exec(args...)
	if fpropErr != nil {
		return nil, nil, fpropErr
	}
	if err != nil {
		return nil, nil, err
	}
	return results[0], results[1], nil
}

func TestFProp(t *testing.T) {
	inputs := sequence(4, 1, 9, 3, 5, 2, 8)
	t.Run("zero padding", func(t *testing.T) {
		outputs, outPaddings, err := fprop(New(1, 1, 3), inputs, nil)
		require.NoError(t, err)
		assert.Equal(t, [][][]float32{{{0, 4, 1}, {9, 3, 5}, {2, 8, 0}}}, outputs.Value())
		assert.Equal(t, [][][]float32{{{0}, {0}, {0}}}, outPaddings.Value())
	})

	t.Run("paddings", func(t *testing.T) {
		paddings := sequence(0, 0, 0, 0, 0, 1, 1)
		_, outPaddings, err := fprop(New(1, 1, 3), inputs, paddings)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 1}, tensors.MustCopyFlatData[float32](outPaddings))
		_, outPaddings, err = fprop(New(1, 1, 3).WithPaddingReduce(ReduceMax), inputs, paddings)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 1}, tensors.MustCopyFlatData[float32](outPaddings))
	})

	t.Run("pad with frames", func(t *testing.T) {
		short := sequence(4, 1, 9)
		outputs, _, err := fprop(New(1, 1, 1).WithPadWithLeftFrame(true), short, nil)
		require.NoError(t, err)
		assert.Equal(t, [][][]float32{{{4, 4, 1}, {4, 1, 9}, {1, 9, 0}}}, outputs.Value())
		outputs, _, err = fprop(New(1, 1, 1).WithPadWithLeftFrame(true).WithPadWithRightFrame(true), short, nil)
		require.NoError(t, err)
		assert.Equal(t, [][][]float32{{{4, 4, 1}, {4, 1, 9}, {1, 9, 9}}}, outputs.Value())
	})

	t.Run("stride only", func(t *testing.T) {
		outputs, _, err := fprop(New(0, 0, 2), inputs, nil)
		require.NoError(t, err)
		assert.Equal(t, []float32{4, 9, 5, 8}, tensors.MustCopyFlatData[float32](outputs))
	})

	t.Run("multiple features", func(t *testing.T) {
		x := tensors.FromFlatDataAndDimensions([]float32{1, 10, 2, 20, 3, 30}, 1, 3, 2)
		outputs, _, err := fprop(New(1, 0, 1), x, nil)
		require.NoError(t, err)
		assert.Equal(t, [][][]float32{{{0, 0, 1, 10}, {1, 10, 2, 20}, {2, 20, 3, 30}}}, outputs.Value())
	})

	t.Run("trivial", func(t *testing.T) {
		outputs, outPaddings, err := fprop(New(0, 0, 1), inputs, nil)
		require.NoError(t, err)
		assert.Equal(t, inputs.Value(), outputs.Value())
		assert.Equal(t, []int{1, 7, 1}, outPaddings.Shape().Dimensions)
	})

	t.Run("errors", func(t *testing.T) {
		_, _, err := fprop(New(-1, 0, 1), inputs, nil)
		require.Error(t, err)
		_, _, err = fprop(New(0, 0, 0), inputs, nil)
		require.Error(t, err)
		_, _, err = fprop(New(1, 1, 1), tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}), nil)
		require.Error(t, err)
		_, _, err = fprop(New(1, 1, 1), inputs, sequence(0, 0, 0, 0, 0, 0))
		require.Error(t, err)
	})
}

// unstack runs c.FProp followed by c.Unstack on the given sequence.
func unstack(c Config, values ...float32) (*tensors.Tensor, error) {
	var err error
	unstacked, execErr := graph.ExecOnce(backend, func(x *graph.Node) *graph.Node {
		var stacked *graph.Node
		stacked, _, err = c.FProp(x, nil)
		if err != nil {
			return x
		}
		var unstacked *graph.Node
		unstacked, err = c.Unstack(stacked)
		if err != nil {
			return x
		}
		return unstacked
	}, sequence(values...))
	if err != nil {
		return nil, err
	}
	return unstacked, execErr
}

func TestUnstack(t *testing.T) {
	testCases := []struct {
		name                string
		left, right, stride int
		inputs, want        []float32
	}{
		{"stride equals window", 1, 1, 3, []float32{4, 1, 9, 3, 5, 2, 8}, []float32{4, 1, 9, 3, 5, 2, 8, 0}},
		{"overlapping windows", 1, 1, 2, []float32{1, 2, 3, 4, 5, 6, 7}, []float32{1, 2, 3, 4, 5, 6, 7, 0}},
		{"truncated", 2, 1, 4, []float32{1, 2, 3, 4, 5, 6, 7, 8}, []float32{1, 2, 3, 4, 5, 6}},
		{"left context only", 2, 0, 1, []float32{1, 2, 3}, []float32{1, 2, 3}},
		{"trivial", 0, 0, 1, []float32{1, 2}, []float32{1, 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			unstacked, err := unstack(New(tc.left, tc.right, tc.stride), tc.inputs...)
			require.NoError(t, err)
			assert.Equal(t, []int{1, len(tc.want), 1}, unstacked.Shape().Dimensions)
			assert.Equal(t, tc.want, tensors.MustCopyFlatData[float32](unstacked))
		})
	}

	t.Run("not invertible", func(t *testing.T) {
		_, err := unstack(New(0, 1, 3), 1, 2, 3, 4, 5, 6)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotInvertible))
	})
}
