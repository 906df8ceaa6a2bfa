// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"sync"

	"github.com/gomlx/decoding/pkg/ml/decode/decodeutil"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NoAxis marks a Leaf that has no batch or no time axis.
const NoAxis = -1

// Leaf is one value of the decode cache, for instance the keys of an attention layer.
type Leaf struct {
	// Name identifies the leaf for the model owning it. It is not used by the decoder.
	Name string

	// Value of the leaf.
	Value *tensors.Tensor

	// BatchAxis is the axis indexed by example (and, after broadcasting, by example*beam + hypothesis),
	// or NoAxis.
	BatchAxis int

	// TimeAxis is the axis indexed by sequence position, or NoAxis.
	TimeAxis int
}

// State is the decode cache of a model, a list of leaves.
//
// It is owned by the model: the decoder only hands it back to the model, to extend a step or
// to apply a transformation.
type State []Leaf

// TransformFn transforms one cache value, given its batch and time axes (NoAxis if absent).
type TransformFn func(x *tensors.Tensor, batchAxis, timeAxis int) (*tensors.Tensor, error)

// TransformLeaves applies fn to every leaf of the state and returns the new state.
// It's the usual implementation of Model.TransformState.
func TransformLeaves(state State, fn TransformFn) (State, error) {
	newState := make(State, len(state))
	for ii, leaf := range state {
		value, err := fn(leaf.Value, leaf.BatchAxis, leaf.TimeAxis)
		if err != nil {
			return nil, errors.WithMessagef(err, "transforming decode state leaf #%d %q (shape %s)", ii, leaf.Name, leaf.Value.Shape())
		}
		newState[ii] = leaf
		newState[ii].Value = value
	}
	return newState, nil
}

func checkAxis(x *tensors.Tensor, axis int, name string) error {
	if axis < 0 || axis >= x.Rank() {
		return errors.Errorf("invalid %s axis %d for value of shape %s", name, axis, x.Shape())
	}
	return nil
}

// PadStateFn returns a TransformFn that appends numSteps zero entries to the time axis,
// making room for the decoded steps. Leaves without a time axis are left untouched.
func PadStateFn(numSteps int) TransformFn {
	return func(x *tensors.Tensor, batchAxis, timeAxis int) (*tensors.Tensor, error) {
		if timeAxis == NoAxis {
			return x, nil
		}
		if err := checkAxis(x, timeAxis, "time"); err != nil {
			return nil, err
		}
		return ExecOnce(decodeutil.Backend(), func(x *Node) *Node {
			return decodeutil.ZeroPadAxis(x, timeAxis, numSteps)
		}, x)
	}
}

// BroadcastStateFn returns a TransformFn that repeats every entry of the batch axis beamSize
// times, consecutively: entry b becomes entries b*beamSize ... b*beamSize+beamSize-1.
// Leaves without a batch axis are left untouched.
func BroadcastStateFn(beamSize int) TransformFn {
	return func(x *tensors.Tensor, batchAxis, timeAxis int) (*tensors.Tensor, error) {
		if batchAxis == NoAxis {
			return x, nil
		}
		if err := checkAxis(x, batchAxis, "batch"); err != nil {
			return nil, err
		}
		return ExecOnce(decodeutil.Backend(), func(x *Node) *Node {
			return decodeutil.RepeatAxis(x, batchAxis, beamSize)
		}, x)
	}
}

// shuffleExecs holds one *Exec per batch axis, taking the leaf value and the indices of the
// hypotheses to keep.
var shuffleExecs sync.Map

func shuffleExec(batchAxis int) (*Exec, error) {
	if e, found := shuffleExecs.Load(batchAxis); found {
		return e.(*Exec), nil
	}
	e, err := NewExec(decodeutil.Backend(), func(x, indices *Node) *Node {
		return decodeutil.TakeAxis(x, batchAxis, indices)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating decode state shuffle graph")
	}
	e.SetMaxCache(-1)
	actual, _ := shuffleExecs.LoadOrStore(batchAxis, e)
	return actual.(*Exec), nil
}

// ShuffleStateFn returns a TransformFn that reorders the hypotheses along the batch axis:
// hypothesis k of example b becomes a copy of hypothesis hypIDs[b][k] of the same example.
//
// Leaves with rank < 2 (e.g. a step counter) or without a batch axis are left untouched.
func ShuffleStateFn(beamSize int, hypIDs [][]int) TransformFn {
	indices := make([]int32, 0, len(hypIDs)*beamSize)
	for b, ids := range hypIDs {
		for _, hyp := range ids {
			indices = append(indices, int32(b*beamSize+hyp))
		}
	}
	return ShuffleStateByIndicesFn(tensors.FromValue(indices))
}

// ShuffleStateByIndicesFn is like ShuffleStateFn, with the new hypotheses given as rows of the
// batch axis: row i becomes a copy of row indices[i]. indices is an int32 tensor shaped
// [batch*beam].
func ShuffleStateByIndicesFn(indices *tensors.Tensor) TransformFn {
	return func(x *tensors.Tensor, batchAxis, timeAxis int) (*tensors.Tensor, error) {
		if batchAxis == NoAxis || x.Rank() < 2 {
			return x, nil
		}
		if err := checkAxis(x, batchAxis, "batch"); err != nil {
			return nil, err
		}
		if dim, numRows := x.Shape().Dimensions[batchAxis], indices.Shape().Size(); dim != numRows {
			return nil, errors.Errorf("batch axis %d of value with shape %s has dimension %d, expected %d (batch*beam)",
				batchAxis, x.Shape(), dim, numRows)
		}
		e, err := shuffleExec(batchAxis)
		if err != nil {
			return nil, err
		}
		return e.Exec1(x, indices)
	}
}
