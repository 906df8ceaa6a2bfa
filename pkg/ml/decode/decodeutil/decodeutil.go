// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decodeutil holds the building blocks shared by the decoders, as GoMLX graph functions:
// stable top-k selections, gathering and repeating along axes, the merge of completed hypotheses
// and the final re-alignment of decoded ids. LengthNorm is computed on the host.
//
// Every selection in this package breaks ties by position (lowest index first), so decoding with
// these utilities is deterministic.
//
// The graphs are executed on Backend, a pure Go backend shared by the decoders.
package decodeutil

import (
	"math"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/janpfeifer/must"
)

// LargeNegative is the score used for "missing" or disallowed hypotheses.
// It is finite: sums with it never yield NaN.
const LargeNegative float32 = -1e9

var sharedBackend = sync.OnceValue(func() backends.Backend {
	return must.M1(simplego.New(""))
})

// Backend returns the backend the decoders run their graphs on, created on first use.
func Backend() backends.Backend {
	return sharedBackend()
}

// LengthNorm returns the length normalization factor ((5+length)/6)^alpha.
// With alpha == 0 it is 1 for any length.
func LengthNorm(length int, alpha float64) float64 {
	if alpha == 0 {
		return 1
	}
	return math.Pow((5+float64(length))/6, alpha)
}

// TakeAxis returns the entries of x at the given indices along axis. indices is rank-1 and the
// axis of the output has its dimension.
func TakeAxis(x *Node, axis int, indices *Node) *Node {
	if axis < 0 {
		axis += x.Rank()
	}
	if axis != 0 {
		x = Transpose(x, 0, axis)
	}
	x = Gather(x, InsertAxes(ConvertDType(indices, dtypes.Int32), -1))
	if axis != 0 {
		x = Transpose(x, 0, axis)
	}
	return x
}

// RepeatAxis repeats every entry of x along axis n times, consecutively: entry i becomes entries
// i*n ... i*n+n-1.
func RepeatAxis(x *Node, axis, n int) *Node {
	if axis < 0 {
		axis += x.Rank()
	}
	dims := x.Shape().Dimensions
	expanded := InsertAxes(x, axis+1)
	broadcastDims := append(append(append([]int{}, dims[:axis+1]...), n), dims[axis+1:]...)
	expanded = BroadcastToDims(expanded, broadcastDims...)
	newDims := append([]int{}, dims...)
	newDims[axis] *= n
	return Reshape(expanded, newDims...)
}

// ZeroPadAxis appends n zeros along axis of x.
func ZeroPadAxis(x *Node, axis, n int) *Node {
	if n == 0 {
		return x
	}
	if axis < 0 {
		axis += x.Rank()
	}
	dims := append([]int{}, x.Shape().Dimensions...)
	dims[axis] = n
	zeros := BroadcastToDims(ConstAs(x, 0), dims...)
	return Concatenate([]*Node{x, zeros}, axis)
}

// GatherPerExample selects, for each example, the entries of x along its second axis given by
// indices. x is shaped [batch, n, ...] and indices [batch, k]: the result is [batch, k, ...].
func GatherPerExample(x, indices *Node) *Node {
	g := x.Graph()
	indices = ConvertDType(indices, dtypes.Int32)
	exampleIndices := Iota(g, indices.Shape(), 0)
	return Gather(x, Stack([]*Node{exampleIndices, indices}, -1))
}

// TwoStageTopK selects the best beamSize extensions of the hypotheses of each example.
//
// logProbs is shaped [batch*beamSize, vocab] and hypScores [batch*beamSize], with the hypotheses
// of example b at rows b*beamSize ... b*beamSize+beamSize-1.
//
// In the first stage each hypothesis keeps its min(beamSize+1, vocab) best tokens, scored by
// hypScores + logProbs and with eos candidates pushed down by LargeNegative, so they are never
// selected to continue. In the second stage the beamSize best of all candidates of each example
// are kept.
//
// It returns the scores, the extended hypothesis ids and the appended token ids of the selected
// candidates, each shaped [batch, beamSize], best first.
func TwoStageTopK(logProbs, hypScores *Node, beamSize, eosID int) (values, hypIDs, tokenIDs *Node) {
	numHyps, vocabSize := logProbs.Shape().Dimensions[0], logProbs.Shape().Dimensions[1]
	batchSize := numHyps / beamSize
	width := min(beamSize+1, vocabSize)

	topValues, topIndices := TopK(logProbs, width, -1)
	topValues = Add(topValues, BroadcastToDims(InsertAxes(hypScores, -1), numHyps, width))
	isEOS := Equal(topIndices, ConstAs(topIndices, eosID))
	topValues = Where(isEOS, AddScalar(topValues, float64(LargeNegative)), topValues)

	candidates := Reshape(topValues, batchSize, beamSize*width)
	values, flatIndices := TopK(candidates, beamSize, -1)
	hypIDs = Div(flatIndices, ConstAs(flatIndices, width))
	tokenIDs = GatherPerExample(Reshape(topIndices, batchSize, beamSize*width), flatIndices)
	return values, hypIDs, tokenIDs
}

// LeftAlign shifts right-aligned sequences to the start, filling the tail with padID.
//
// ids is shaped [batch, beam, seqLen] and numPad [batch] holds the number of leading padding
// positions of each example.
func LeftAlign(ids, numPad *Node, padID int) *Node {
	g := ids.Graph()
	dims := ids.Shape().Dimensions
	batchSize, beamSize, seqLen := dims[0], dims[1], dims[2]
	indexShape := shapes.Make(dtypes.Int32, batchSize, beamSize, seqLen)
	shift := BroadcastToDims(Reshape(ConvertDType(numPad, dtypes.Int32), batchSize, 1, 1), batchSize, beamSize, seqLen)
	positions := Add(Iota(g, indexShape, 2), shift)
	valid := LessThan(positions, ConstAs(positions, seqLen))
	positions = Where(valid, positions, ConstAs(positions, seqLen-1))
	indices := Stack([]*Node{Iota(g, indexShape, 0), Iota(g, indexShape, 1), positions}, -1)
	return Where(valid, Gather(ids, indices), ConstAs(ids, padID))
}
