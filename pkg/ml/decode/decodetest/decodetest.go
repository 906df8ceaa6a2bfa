// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decodetest provides small deterministic steppable models, to test and demo decoders.
//
// TableModel scores the next token with an arbitrary function of the decoded context, read back
// from its own decode cache. Since the cache is reordered by the decoder, every context the model
// sees is recorded, and tests can check that the decoded ids were produced from matching contexts.
package decodetest

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/decoding/pkg/ml/decode/beamsearch"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Names of the decode cache leaves of TableModel.
const (
	// TokensLeaf holds the tokens fed so far, int32 shaped [batch, time].
	TokensLeaf = "tokens"

	// KeysLeaf holds a half-precision copy of the tokens and their positions, shaped [batch, time, 2],
	// like the keys of an attention layer.
	KeysLeaf = "keys"

	// TimeStepLeaf counts the calls to ExtendStep, int32 shaped [1]. It has no batch or time axes.
	TimeStepLeaf = "time_step"
)

// LogitsFn returns the next token logits given the context, the real tokens fed so far.
type LogitsFn func(context []int32) []float32

// TableModel implements beamsearch.Model with the next-token logits given by a LogitsFn.
//
// It validates its own decode cache at every step, so a cache reordered out of sync with the
// decoded ids, or reordered along the wrong axis, returns an error.
type TableModel struct {
	VocabSize int
	Logits    LogitsFn

	mu       sync.Mutex
	contexts map[string][]int32
	numCalls int
}

var _ beamsearch.Model = (*TableModel)(nil)

// NewTableModel creates a TableModel with vocabSize tokens and next-token scores given by logitsFn.
func NewTableModel(vocabSize int, logitsFn LogitsFn) *TableModel {
	return &TableModel{
		VocabSize: vocabSize,
		Logits:    logitsFn,
		contexts:  make(map[string][]int32),
	}
}

func contextKey(context []int32) string { return fmt.Sprint(context) }

// Initialize implements beamsearch.Model. It writes the real tokens of each prefix, left-aligned,
// to the cache.
func (m *TableModel) Initialize(prefixIDs, prefixPaddings *tensors.Tensor) (beamsearch.State, error) {
	dims := prefixIDs.Shape().Dimensions
	batchSize, prefixLen := dims[0], dims[1]
	ids := tensors.MustCopyFlatData[int32](prefixIDs)
	paddings := tensors.MustCopyFlatData[int32](prefixPaddings)
	tokens := make([]int32, batchSize*prefixLen)
	keys := make([]float16.Float16, batchSize*prefixLen*2)
	for b := range batchSize {
		pos := 0
		for t := range prefixLen {
			if paddings[b*prefixLen+t] != 0 {
				continue
			}
			token := ids[b*prefixLen+t]
			tokens[b*prefixLen+pos] = token
			setKey(keys, b*prefixLen+pos, token, pos)
			pos++
		}
	}
	return beamsearch.State{
		{Name: TokensLeaf, Value: tensors.FromFlatDataAndDimensions(tokens, batchSize, prefixLen), BatchAxis: 0, TimeAxis: 1},
		{Name: KeysLeaf, Value: tensors.FromFlatDataAndDimensions(keys, batchSize, prefixLen, 2), BatchAxis: 0, TimeAxis: 1},
		{Name: TimeStepLeaf, Value: tensors.FromValue([]int32{0}), BatchAxis: beamsearch.NoAxis, TimeAxis: beamsearch.NoAxis},
	}, nil
}

// setKey writes the key of token at position pos to entry i of the flat keys.
func setKey(keys []float16.Float16, i int, token int32, pos int) {
	keys[2*i] = float16.Fromfloat32(float32(token))
	keys[2*i+1] = float16.Fromfloat32(float32(pos))
}

// TransformState implements beamsearch.Model.
func (m *TableModel) TransformState(state beamsearch.State, fn beamsearch.TransformFn) (beamsearch.State, error) {
	return beamsearch.TransformLeaves(state, fn)
}

// leafData returns a copy of the flat data of the leaf and its dimensions.
func leafData[T dtypes.Supported](state beamsearch.State, name string) ([]T, []int, error) {
	for _, leaf := range state {
		if leaf.Name != name {
			continue
		}
		if leaf.Value.DType() != dtypes.FromGenericsType[T]() {
			return nil, nil, errors.Errorf("decode cache leaf %q has unexpected shape %s", name, leaf.Value.Shape())
		}
		return tensors.MustCopyFlatData[T](leaf.Value), leaf.Value.Shape().Dimensions, nil
	}
	return nil, nil, errors.Errorf("decode cache leaf %q missing", name)
}

// ExtendStep implements beamsearch.Model.
func (m *TableModel) ExtendStep(state beamsearch.State, lastIDs, positions *tensors.Tensor) (
	*tensors.Tensor, beamsearch.State, error) {
	tokens, dims, err := leafData[int32](state, TokensLeaf)
	if err != nil {
		return nil, nil, err
	}
	keys, _, err := leafData[float16.Float16](state, KeysLeaf)
	if err != nil {
		return nil, nil, err
	}
	timeStep, _, err := leafData[int32](state, TimeStepLeaf)
	if err != nil {
		return nil, nil, err
	}
	numRows, maxLen := dims[0], dims[1]
	if lastIDs.Size() != numRows || positions.Size() != numRows {
		return nil, nil, errors.Errorf("got %d last ids and %d positions for a decode cache of %d rows",
			lastIDs.Size(), positions.Size(), numRows)
	}
	lastIDsData := tensors.MustCopyFlatData[int32](lastIDs)
	positionsData := tensors.MustCopyFlatData[int32](positions)

	logits := make([]float32, numRows*m.VocabSize)
	for row := range numRows {
		pos := int(positionsData[row])
		if pos < 0 || pos >= maxLen {
			return nil, nil, errors.Errorf("row %d: position %d out of range of the decode cache of length %d", row, pos, maxLen)
		}
		for t := range pos {
			token, key := tokens[row*maxLen+t], keys[2*(row*maxLen+t)].Float32()
			if key != float32(token) {
				return nil, nil, errors.Errorf("row %d: decode cache out of sync at position %d: token %d, key %g", row, t, token, key)
			}
		}
		lastID := lastIDsData[row]
		tokens[row*maxLen+pos] = lastID
		setKey(keys, row*maxLen+pos, lastID, pos)

		context := slices.Clone(tokens[row*maxLen : row*maxLen+pos+1])
		m.record(context)
		rowLogits := m.Logits(context)
		if len(rowLogits) != m.VocabSize {
			return nil, nil, errors.Errorf("LogitsFn returned %d logits, expected vocabulary size %d", len(rowLogits), m.VocabSize)
		}
		copy(logits[row*m.VocabSize:], rowLogits)
	}
	timeStep[0]++
	m.mu.Lock()
	m.numCalls++
	m.mu.Unlock()

	newState := slices.Clone(state)
	for ii := range newState {
		switch newState[ii].Name {
		case TokensLeaf:
			newState[ii].Value = tensors.FromFlatDataAndDimensions(tokens, numRows, maxLen)
		case KeysLeaf:
			newState[ii].Value = tensors.FromFlatDataAndDimensions(keys, numRows, maxLen, 2)
		case TimeStepLeaf:
			newState[ii].Value = tensors.FromValue(timeStep)
		}
	}
	return tensors.FromFlatDataAndDimensions(logits, numRows, m.VocabSize), newState, nil
}

func (m *TableModel) record(context []int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contexts == nil {
		m.contexts = make(map[string][]int32)
	}
	m.contexts[contextKey(context)] = context
}

// Seen returns whether the model computed logits for the given context.
func (m *TableModel) Seen(context []int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.contexts[contextKey(context)]
	return found
}

// NumCalls returns the number of calls to ExtendStep so far.
func (m *TableModel) NumCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numCalls
}

// Reset forgets the recorded contexts and calls.
func (m *TableModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = make(map[string][]int32)
	m.numCalls = 0
}

// TimeStep returns the value of the TimeStepLeaf of the state, or -1 if missing.
func TimeStep(state beamsearch.State) int {
	timeStep, _, err := leafData[int32](state, TimeStepLeaf)
	if err != nil {
		return -1
	}
	return int(timeStep[0])
}

// NewBigramModel returns a TableModel whose next token log-probabilities are given by the
// add-one smoothed bigram counts of corpus: log((count(last, next)+1) / (count(last)+vocabSize)).
func NewBigramModel(corpus [][]int32, vocabSize int) *TableModel {
	counts := make([][]float64, vocabSize)
	for i := range counts {
		counts[i] = make([]float64, vocabSize)
	}
	for _, sentence := range corpus {
		for i := 1; i < len(sentence); i++ {
			counts[sentence[i-1]][sentence[i]]++
		}
	}
	logProbs := make([][]float32, vocabSize)
	for prev, row := range counts {
		var total float64
		for _, c := range row {
			total += c
		}
		logProbs[prev] = make([]float32, vocabSize)
		for next, c := range row {
			logProbs[prev][next] = float32(math.Log((c + 1) / (total + float64(vocabSize))))
		}
	}
	return NewTableModel(vocabSize, func(context []int32) []float32 {
		return logProbs[context[len(context)-1]]
	})
}
