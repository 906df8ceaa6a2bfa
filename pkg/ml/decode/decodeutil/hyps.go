// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decodeutil

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Hyps is a fixed-size set of hypotheses per example, in a graph. Entry [b, k] of each field
// describes hypothesis k of example b.
type Hyps struct {
	// IDs of each hypothesis, int32 shaped [batch, numHyps, seqLen].
	IDs *Node

	// Lengths of each hypothesis counting its prefix, int32 shaped [batch, numHyps].
	Lengths *Node

	// Scores are the raw cumulative log-probabilities, float32 shaped [batch, numHyps].
	Scores *Node

	// ScoresNorm are the length-normalized scores used for ranking, float32 shaped [batch, numHyps].
	ScoresNorm *Node
}

// Nodes returns the fields as a list, in declaration order.
func (h Hyps) Nodes() []*Node {
	return []*Node{h.IDs, h.Lengths, h.Scores, h.ScoresNorm}
}

// HypsFromNodes is the inverse of Hyps.Nodes.
func HypsFromNodes(nodes []*Node) Hyps {
	return Hyps{IDs: nodes[0], Lengths: nodes[1], Scores: nodes[2], ScoresNorm: nodes[3]}
}

// Validate checks the fields describe the same hypotheses.
func (h Hyps) Validate() error {
	if h.IDs.Rank() != 3 {
		return errors.Errorf("hypotheses ids must be shaped [batch, numHyps, seqLen], got %s", h.IDs.Shape())
	}
	want := h.IDs.Shape().Dimensions[:2]
	for _, field := range []*Node{h.Lengths, h.Scores, h.ScoresNorm} {
		if !shapes.Make(field.DType(), want...).Equal(field.Shape()) {
			return errors.Errorf("inconsistent hypotheses: ids shaped %s, got field shaped %s", h.IDs.Shape(), field.Shape())
		}
	}
	return nil
}

// MergeEndHyps keeps, for each example, the end's numHyps best hypotheses by normalized score, of
// the union of the completed hypotheses end and the newly completed cur. Ties favor end, then
// lower positions. The ids, lengths and raw scores follow their hypothesis.
func MergeEndHyps(end, cur Hyps) (Hyps, error) {
	if err := end.Validate(); err != nil {
		return Hyps{}, errors.WithMessage(err, "completed hypotheses")
	}
	if err := cur.Validate(); err != nil {
		return Hyps{}, errors.WithMessage(err, "new hypotheses")
	}
	numHyps := end.ScoresNorm.Shape().Dimensions[1]
	concat := func(a, b *Node) *Node { return Concatenate([]*Node{a, b}, 1) }
	_, indices := TopK(concat(end.ScoresNorm, cur.ScoresNorm), numHyps, -1)
	return Hyps{
		IDs:        GatherPerExample(concat(end.IDs, cur.IDs), indices),
		Lengths:    GatherPerExample(concat(end.Lengths, cur.Lengths), indices),
		Scores:     GatherPerExample(concat(end.Scores, cur.Scores), indices),
		ScoresNorm: GatherPerExample(concat(end.ScoresNorm, cur.ScoresNorm), indices),
	}, nil
}

// NewEmptyHyps returns the host values of placeholder hypotheses: their ids are initialIDs
// (shaped [batch, numHyps, seqLen]), their length is seqLen and their scores are LargeNegative,
// so any real hypothesis ranks above them.
//
// The returned tensors are in the order of Hyps.Nodes.
func NewEmptyHyps(initialIDs *tensors.Tensor) []*tensors.Tensor {
	dims := initialIDs.Shape().Dimensions
	batchSize, numHyps, seqLen := dims[0], dims[1], dims[2]
	size := batchSize * numHyps
	lengths := make([]int32, size)
	scores, scoresNorm := make([]float32, size), make([]float32, size)
	for i := range size {
		lengths[i] = int32(seqLen)
		scores[i], scoresNorm[i] = LargeNegative, LargeNegative
	}
	return []*tensors.Tensor{
		initialIDs,
		tensors.FromFlatDataAndDimensions(lengths, batchSize, numHyps),
		tensors.FromFlatDataAndDimensions(scores, batchSize, numHyps),
		tensors.FromFlatDataAndDimensions(scoresNorm, batchSize, numHyps),
	}
}
