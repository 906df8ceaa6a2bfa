// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// RightAlignPrefixes builds the prefix ids and paddings taken by Decode from prefixes of
// different lengths. Shorter prefixes are padded on the left with padID.
func RightAlignPrefixes(prefixes [][]int32, padID int32) (prefixIDs, prefixPaddings *tensors.Tensor, err error) {
	if len(prefixes) == 0 {
		return nil, nil, errors.New("no prefixes given")
	}
	maxLen := 0
	for b, prefix := range prefixes {
		if len(prefix) == 0 {
			return nil, nil, errors.Errorf("prefix %d is empty", b)
		}
		maxLen = max(maxLen, len(prefix))
	}
	ids := make([]int32, len(prefixes)*maxLen)
	paddings := make([]int32, len(prefixes)*maxLen)
	for b, prefix := range prefixes {
		row := b * maxLen
		numPad := maxLen - len(prefix)
		for t := range numPad {
			ids[row+t] = padID
			paddings[row+t] = 1
		}
		copy(ids[row+numPad:], prefix)
	}
	prefixIDs = tensors.FromFlatDataAndDimensions(ids, len(prefixes), maxLen)
	prefixPaddings = tensors.FromFlatDataAndDimensions(paddings, len(prefixes), maxLen)
	return prefixIDs, prefixPaddings, nil
}

// Sequences returns the decoded sequences of the result, trimmed to their decode length,
// indexed by [example][hypothesis].
func (r *Result) Sequences() [][][]int32 {
	ids := r.OutputIDs.Value().([][][]int32)
	lengths := r.DecodeLengths.Value().([][]int32)
	for b := range ids {
		for k := range ids[b] {
			ids[b][k] = ids[b][k][:lengths[b][k]]
		}
	}
	return ids
}
