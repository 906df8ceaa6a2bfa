// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"github.com/gomlx/decoding/pkg/ml/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Keys used by BatchDecoder in the input batch and in the decoded output.
const (
	KeyPrefixIDs      = "prefix_ids"
	KeyPrefixPaddings = "prefix_paddings"
	KeyOutputIDs      = "output_ids"
	KeyScores         = "scores"
	KeyLogProbs       = "logprobs"
	KeyDecodeLengths  = "decode_lengths"
)

// BatchDecoder implements model.Decoder with beam search.
type BatchDecoder struct {
	Model  Model
	Config Config
}

var _ model.Decoder = BatchDecoder{}

// Decode implements model.Decoder. The batch must hold int32 tensors under KeyPrefixIDs and
// KeyPrefixPaddings, and the output holds the fields of the Result.
//
// The returned metrics hold the mean of the best score of each example, under "best_score".
func (d BatchDecoder) Decode(batch model.Batch) (model.Metrics, model.DecodeOut, error) {
	prefixIDs, err := model.Get(batch, KeyPrefixIDs, dtypes.Int32)
	if err != nil {
		return nil, nil, err
	}
	prefixPaddings, err := model.Get(batch, KeyPrefixPaddings, dtypes.Int32)
	if err != nil {
		return nil, nil, err
	}
	result, err := Decode(d.Model, prefixIDs, prefixPaddings, d.Config)
	if err != nil {
		return nil, nil, err
	}
	scores := result.Scores.Value().([][]float32)
	batchSize := len(scores)
	var total float64
	for _, exampleScores := range scores {
		total += float64(exampleScores[0])
	}
	metrics := model.Metrics{"best_score": {Value: total / float64(batchSize), Weight: float64(batchSize)}}
	out := model.DecodeOut{
		KeyOutputIDs:     result.OutputIDs,
		KeyScores:        result.Scores,
		KeyLogProbs:      result.LogProbs,
		KeyDecodeLengths: result.DecodeLengths,
	}
	return metrics, out, nil
}

// ResultFromDecodeOut recovers the Result from the output of BatchDecoder.Decode.
func ResultFromDecodeOut(out model.DecodeOut) (*Result, error) {
	result := &Result{}
	var err error
	if result.OutputIDs, err = model.Get(out, KeyOutputIDs, dtypes.Int32); err != nil {
		return nil, err
	}
	if result.Scores, err = model.Get(out, KeyScores, dtypes.Float32); err != nil {
		return nil, err
	}
	if result.DecodeLengths, err = model.Get(out, KeyDecodeLengths, dtypes.Int32); err != nil {
		return nil, err
	}
	result.LogProbs = result.Scores
	if logProbs, found := out[KeyLogProbs]; found && logProbs.DType() == dtypes.Float32 {
		result.LogProbs = logProbs
	}
	return result, nil
}
