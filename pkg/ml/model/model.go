// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the API every model implements: computing predictions and losses over
// batches, and optionally decoding.
//
// A batch, as well as predictions and decoded outputs, are named collections of tensors whose first
// axis is the batch axis.
package model

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is a named collection of input tensors.
type Batch map[string]*tensors.Tensor

// Predictions of a model for a batch, the output of Predictor.ComputePredictions.
type Predictions map[string]*tensors.Tensor

// PerExample holds tensors describing each example, indexed by the batch axis.
type PerExample map[string]*tensors.Tensor

// DecodeOut is the output of Decoder.Decode.
type DecodeOut map[string]*tensors.Tensor

// Metric is a scalar value and its weight, typically the number of examples it was averaged over.
type Metric struct {
	Value, Weight float64
}

// LossKey is the key of the loss in the Metrics returned by LossComputer.ComputeLoss.
const LossKey = "loss"

// Metrics maps names to metrics.
type Metrics map[string]Metric

// Loss returns the metric under LossKey.
func (m Metrics) Loss() (Metric, bool) {
	loss, found := m[LossKey]
	return loss, found
}

// Names returns the metric names, sorted.
func (m Metrics) Names() []string {
	return slices.Sorted(maps.Keys(m))
}

// Merge returns the metrics of m and other, with the names of other prefixed by prefix.
func (m Metrics) Merge(prefix string, other Metrics) Metrics {
	merged := maps.Clone(m)
	if merged == nil {
		merged = make(Metrics, len(other))
	}
	for name, metric := range other {
		merged[prefix+name] = metric
	}
	return merged
}

// Predictor computes predictions for a batch, e.g. logits.
type Predictor interface {
	ComputePredictions(batch Batch) (Predictions, error)
}

// LossComputer computes the loss and other metrics of predictions.
type LossComputer interface {
	// ComputeLoss returns the metrics, one of them under LossKey, and per-example values.
	ComputeLoss(predictions Predictions, batch Batch) (Metrics, PerExample, error)
}

// Model computes predictions and their loss.
type Model interface {
	Predictor
	LossComputer
}

// Decoder is implemented by models that can decode a batch.
type Decoder interface {
	// Decode returns metrics of the batch and the decoded outputs.
	Decode(batch Batch) (Metrics, DecodeOut, error)
}

// KeyValue is one entry of a processed decoding output.
type KeyValue struct {
	Key   string
	Value any
}

// DecodeProcessor turns decoded outputs into per-example results, e.g. detokenized text.
type DecodeProcessor interface {
	// ProcessDecodeOut returns metrics of the batch, and one KeyValue per example.
	ProcessDecodeOut(out DecodeOut) (Metrics, []KeyValue, error)
}

// FProp runs the forward propagation of a model: predictions followed by the loss.
func FProp(m Model, batch Batch) (Metrics, PerExample, error) {
	predictions, err := m.ComputePredictions(batch)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "computing predictions")
	}
	metrics, perExample, err := m.ComputeLoss(predictions, batch)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "computing loss")
	}
	return metrics, perExample, nil
}

// Get returns the tensor under key, checking it has the given dtype.
func Get[M ~map[string]*tensors.Tensor](values M, key string, dtype dtypes.DType) (*tensors.Tensor, error) {
	value, found := values[key]
	if !found {
		return nil, errors.Errorf("key %q not found, available keys: %q", key, slices.Sorted(maps.Keys(values)))
	}
	if value.DType() != dtype {
		return nil, errors.Errorf("key %q holds a tensor of shape %s, expected dtype %s", key, value.Shape(), dtype)
	}
	return value, nil
}
