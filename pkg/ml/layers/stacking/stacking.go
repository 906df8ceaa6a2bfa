// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stacking implements stacking of frames over the time axis, and its inverse.
//
// At each time step of an input sequence, the frames in the window of LeftContext + 1 + RightContext
// steps around it are concatenated (zeros are used beyond the boundaries), and the stacked frames
// are emitted once every Stride steps.
//
// E.g. the input sequence [4], [1], [9], [3], [5], [2], [8], with LeftContext=1, RightContext=1 and
// Stride=3, becomes [0, 4, 1], [9, 3, 5], [2, 8, 0].
package stacking

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrNotInvertible is returned by Unstack when the stride is larger than the window size, in
// which case some input frames are not present in the stacked output.
var ErrNotInvertible = errors.New("stacking over time is not invertible")

// PaddingReduce selects how the paddings of the stacked frames are combined.
type PaddingReduce int

const (
	// ReduceMin marks a stacked frame as padding only if all its frames are padding.
	ReduceMin PaddingReduce = iota

	// ReduceMax marks a stacked frame as padding if any of its frames is padding.
	ReduceMax
)

// Config of the stacking over time. Create it with New.
type Config struct {
	LeftContext, RightContext, Stride int
	PadWithLeftFrame                  bool
	PadWithRightFrame                 bool
	PaddingReduce                     PaddingReduce
}

// New returns a stacking Config with the given context and stride.
func New(leftContext, rightContext, stride int) Config {
	return Config{LeftContext: leftContext, RightContext: rightContext, Stride: stride}
}

// WithPadWithLeftFrame returns a copy of the config that pads the left context by repeating the
// first frame, instead of using zeros.
func (c Config) WithPadWithLeftFrame(v bool) Config {
	c.PadWithLeftFrame = v
	return c
}

// WithPadWithRightFrame returns a copy of the config that pads the right context by repeating
// the last frame, instead of using zeros.
func (c Config) WithPadWithRightFrame(v bool) Config {
	c.PadWithRightFrame = v
	return c
}

// WithPaddingReduce returns a copy of the config with the given padding reduction.
func (c Config) WithPaddingReduce(reduce PaddingReduce) Config {
	c.PaddingReduce = reduce
	return c
}

// WindowSize is the number of frames stacked together: the output features are WindowSize times
// the input features.
func (c Config) WindowSize() int {
	return c.LeftContext + c.RightContext + 1
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.LeftContext < 0 || c.RightContext < 0 {
		return errors.Errorf("stacking contexts must be >= 0, got left=%d, right=%d", c.LeftContext, c.RightContext)
	}
	if c.Stride < 1 {
		return errors.Errorf("stacking stride must be >= 1, got %d", c.Stride)
	}
	if c.PaddingReduce != ReduceMin && c.PaddingReduce != ReduceMax {
		return errors.Errorf("invalid stacking padding reduction %d", c.PaddingReduce)
	}
	return nil
}

func (c Config) isTrivial() bool {
	return c.LeftContext == 0 && c.RightContext == 0 && c.Stride == 1
}

// applyStack stacks the windows of x [batch, time, depth], padding with padValue beyond the
// boundaries, and keeps one every Stride steps: [batch, ceil(time/stride), depth*windowSize].
func applyStack(c Config, x *graph.Node, padValue float64) *graph.Node {
	out := x
	if c.LeftContext > 0 || c.RightContext > 0 {
		dims := x.Shape().Dimensions
		batchSize, maxLen, depth := dims[0], dims[1], dims[2]
		leftToPad, rightToPad := c.LeftContext, c.RightContext
		if c.PadWithLeftFrame && leftToPad > 0 {
			first := graph.BroadcastToDims(graph.SliceAxis(x, 1, graph.AxisElem(0)), batchSize, leftToPad, depth)
			x = graph.Concatenate([]*graph.Node{first, x}, 1)
			leftToPad = 0
		}
		if c.PadWithRightFrame && rightToPad > 0 {
			last := graph.BroadcastToDims(graph.SliceAxis(x, 1, graph.AxisElem(-1)), batchSize, rightToPad, depth)
			x = graph.Concatenate([]*graph.Node{x, last}, 1)
			rightToPad = 0
		}
		if leftToPad > 0 || rightToPad > 0 {
			x = graph.Pad(x, graph.ConstAs(x, padValue), graph.PadAxis{}, graph.PadAxis{Start: leftToPad, End: rightToPad}, graph.PadAxis{})
		}
		pieces := make([]*graph.Node, c.WindowSize())
		for i := range pieces {
			pieces[i] = graph.SliceAxis(x, 1, graph.AxisRange(i, i+maxLen))
		}
		out = graph.Concatenate(pieces, 2)
	}
	if c.Stride > 1 {
		out = graph.Slice(out, graph.AxisRange(), graph.AxisRange().Stride(c.Stride))
	}
	return out
}

// FProp stacks inputs, shaped [batch, time, depth], over time.
//
// paddings, shaped [batch, time, 1] with 1 for padded steps, can be nil, in which case no step is
// padding. It returns the outputs, shaped [batch, ceil(time/stride), depth*WindowSize], and their
// paddings, shaped [batch, ceil(time/stride), 1].
func (c Config) FProp(inputs, paddings *graph.Node) (outputs, outPaddings *graph.Node, err error) {
	if err = c.Validate(); err != nil {
		return nil, nil, err
	}
	if inputs.Rank() != 3 || inputs.Shape().Dimensions[1] == 0 {
		return nil, nil, errors.Errorf("stacking requires inputs shaped [batch, time, depth] with time > 0, got %s", inputs.Shape())
	}
	dims := inputs.Shape().Dimensions
	if paddings == nil {
		paddings = graph.BroadcastToDims(graph.ConstAs(inputs, 0), dims[0], dims[1], 1)
	} else if !paddings.Shape().Equal(shapes.Make(inputs.DType(), dims[0], dims[1], 1)) {
		return nil, nil, errors.Errorf("stacking requires paddings shaped [%d, %d, 1] of dtype %s, got %s",
			dims[0], dims[1], inputs.DType(), paddings.Shape())
	}
	if c.isTrivial() {
		return inputs, paddings, nil
	}

	outputs = applyStack(c, inputs, 0)
	reduce := graph.ReduceMin
	if c.PaddingReduce == ReduceMax {
		reduce = graph.ReduceMax
	}
	outPaddings = graph.ReduceAndKeep(applyStack(c, paddings, 1), reduce, -1)
	return outputs, outPaddings, nil
}

// Unstack reconstructs the inputs of FProp from its stacked outputs, shaped
// [batch, frames, WindowSize*depth]. It returns [batch, (frames-1)*Stride + RightContext + 1, depth].
//
// If RightContext + 1 >= Stride the result matches the original inputs, possibly followed by
// padding. Otherwise it may miss up to Stride - RightContext - 1 trailing frames.
//
// It returns an error wrapping ErrNotInvertible if Stride > WindowSize.
func (c Config) Unstack(stacked *graph.Node) (*graph.Node, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.isTrivial() {
		return stacked, nil
	}
	window := c.WindowSize()
	if c.Stride > window {
		return nil, errors.Wrapf(ErrNotInvertible, "stride (%d) > window size (%d)", c.Stride, window)
	}
	if stacked.Rank() != 3 || stacked.Shape().Dimensions[1] == 0 || stacked.Shape().Dimensions[2]%window != 0 {
		return nil, errors.Errorf("unstack requires a stacked input shaped [batch, frames, %d*depth] with frames > 0, got %s",
			window, stacked.Shape())
	}
	dims := stacked.Shape().Dimensions
	batchSize, frames := dims[0], dims[1]
	depth := dims[2] / window

	// Source of each output step, as an index into the flattened [frames*window] stacked frames.
	var sources [][]int32
	addSource := func(stackedFrame, frameInWindow int) {
		sources = append(sources, []int32{int32(stackedFrame*window + frameInWindow)})
	}
	for i := range (frames - 1) * c.Stride {
		mod := i % c.Stride
		inNextWindow := 0
		if mod > c.RightContext {
			inNextWindow = 1
		}
		addSource(i/c.Stride+inNextWindow, c.LeftContext+mod-c.Stride*inNextWindow)
	}
	for j := range c.RightContext + 1 {
		addSource(frames-1, c.LeftContext+j)
	}

	flat := graph.Transpose(graph.Reshape(stacked, batchSize, frames*window, depth), 0, 1)
	return graph.Transpose(graph.Gather(flat, graph.Const(stacked.Graph(), sources)), 0, 1), nil
}
