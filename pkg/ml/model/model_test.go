// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meanModel predicts the mean of "x" and reports the squared error to "y" as its loss.
type meanModel struct{}

func (meanModel) ComputePredictions(batch Batch) (Predictions, error) {
	x, err := Get(batch, "x", dtypes.Float32)
	if err != nil {
		return nil, err
	}
	var sum float32
	for _, v := range tensors.MustCopyFlatData[float32](x) {
		sum += v
	}
	return Predictions{"mean": tensors.FromValue([]float32{sum / float32(x.Size())})}, nil
}

func (meanModel) ComputeLoss(predictions Predictions, batch Batch) (Metrics, PerExample, error) {
	mean, err := Get(predictions, "mean", dtypes.Float32)
	if err != nil {
		return nil, nil, err
	}
	y, err := Get(batch, "y", dtypes.Float32)
	if err != nil {
		return nil, nil, err
	}
	diff := tensors.MustCopyFlatData[float32](mean)[0] - tensors.MustCopyFlatData[float32](y)[0]
	return Metrics{LossKey: {Value: float64(diff * diff), Weight: 1}}, PerExample{"diff": tensors.FromValue([]float32{diff})}, nil
}

type echoDecoder struct{}

func (echoDecoder) Decode(batch Batch) (Metrics, DecodeOut, error) {
	return Metrics{"num_examples": {Value: 1, Weight: 1}}, DecodeOut{"x": batch["x"]}, nil
}

func TestFProp(t *testing.T) {
	batch := Batch{
		"x": tensors.FromValue([]float32{1, 2, 3}),
		"y": tensors.FromValue([]float32{4}),
	}
	metrics, perExample, err := FProp(meanModel{}, batch)
	require.NoError(t, err)
	loss, found := metrics.Loss()
	require.True(t, found)
	assert.Equal(t, 4.0, loss.Value)
	diff, err := Get(perExample, "diff", dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{-2}, diff.Value())

	_, _, err = FProp(meanModel{}, Batch{"x": batch["x"]})
	require.Error(t, err)
	_, _, err = FProp(meanModel{}, Batch{"x": tensors.FromValue([]int32{1})})
	require.Error(t, err)
}

func TestLegos(t *testing.T) {
	legos := NewLegos()
	require.NoError(t, legos.Add("regressor", meanModel{}))
	require.NoError(t, legos.Add("decoder", echoDecoder{}))
	require.Error(t, legos.Add("regressor", meanModel{}), "duplicate name")
	require.Error(t, legos.Add("bad", 1), "not a model component")
	assert.Equal(t, []string{"regressor", "decoder"}, legos.Names())
	assert.Equal(t, 2, legos.Len())

	decoder, err := ComponentAs[Decoder](legos, "decoder")
	require.NoError(t, err)
	_, out, err := decoder.Decode(Batch{"x": tensors.FromValue([]float32{7})})
	require.NoError(t, err)
	assert.Contains(t, out, "x")

	_, err = ComponentAs[Model](legos, "decoder")
	require.Error(t, err)
	_, err = legos.Component("missing")
	require.Error(t, err)

	metrics, err := legos.FProp(Batch{
		"x": tensors.FromValue([]float32{2, 2}),
		"y": tensors.FromValue([]float32{3}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"regressor/loss"}, metrics.Names())
	assert.Equal(t, 1.0, metrics["regressor/loss"].Value)
}
