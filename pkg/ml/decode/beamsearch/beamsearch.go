// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package beamsearch implements beam search decoding over a steppable autoregressive Model.
//
// For each example of a batch of prefixes it keeps Config.BeamSize hypotheses, extends them
// one token at a time for Config.MaxDecodeSteps steps, and tracks separately the BeamSize best
// hypotheses completed with the end-of-sequence token, ranked by their length-normalized score.
//
// The model owns its decode cache (State), and the decoder only changes it through
// Model.TransformState: padding the time axis once, broadcasting the batch axis to the beams
// once, and reordering the hypotheses after each step, in lockstep with the decoded ids.
//
// Each step runs as one GoMLX graph, compiled once per Decode call, on the pure Go backend
// returned by decodeutil.Backend. Decoding is deterministic: all selections break ties by position.
//
// Example:
//
//	config := beamsearch.DefaultConfig().WithBeamSize(4).WithMaxDecodeSteps(32).WithEOSID(eosID)
//	result, err := beamsearch.Decode(model, prefixIDs, prefixPaddings, config)
//	if err != nil { ... }
//	best := result.Sequences()[0][0]
package beamsearch

import (
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/decoding/pkg/ml/decode/decodeutil"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a steppable autoregressive model, with a decode cache.
type Model interface {
	// Initialize runs the model over the prefixes, both int32 shaped [batch, prefixLen], and returns
	// the decode cache with the batch axis of size batch. Prefixes are right-aligned: paddings (1)
	// come before the real tokens (0).
	Initialize(prefixIDs, prefixPaddings *tensors.Tensor) (State, error)

	// ExtendStep feeds lastIDs, int32 shaped [batch*beam], at positions, int32 shaped
	// [batch*beam, 1] and counted from the first real prefix token. It returns the next token
	// logits, float shaped [batch*beam, vocab], and the updated decode cache.
	//
	// Row b*beam + k refers to hypothesis k of example b.
	ExtendStep(state State, lastIDs, positions *tensors.Tensor) (logits *tensors.Tensor, newState State, err error)

	// TransformState applies fn to every leaf of the decode cache. Usually implemented
	// with TransformLeaves.
	TransformState(state State, fn TransformFn) (State, error)
}

// Result of a beam search.
type Result struct {
	// OutputIDs, int32 shaped [batch, beam, seqLen], where seqLen = prefixLen + MaxDecodeSteps.
	// Each sequence starts with the real prefix tokens, and is padded with 0s at the end.
	// Hypotheses are sorted by score, best first.
	OutputIDs *tensors.Tensor

	// Scores, float32 shaped [batch, beam]: the length-normalized log-probabilities of the
	// sequences.
	Scores *tensors.Tensor

	// LogProbs is the same tensor as Scores.
	LogProbs *tensors.Tensor

	// DecodeLengths, int32 shaped [batch, beam]: number of tokens of each sequence in OutputIDs,
	// counting the real prefix tokens and the end-of-sequence token.
	//
	// The prefix padding of each example is subtracted, so the lengths index the left-aligned
	// OutputIDs. A hypothesis never completed keeps the placeholder length seqLen, which becomes
	// seqLen minus the example's padding.
	DecodeLengths *tensors.Tensor
}

// StepInfo is passed to a StepObserver after each decoding step.
type StepInfo struct {
	// Step is the number of steps decoded so far, from 1 to NumSteps.
	Step, NumSteps int

	// EndScores[b] holds the normalized scores of the completed hypotheses of example b,
	// best first. It is a copy owned by the observer.
	EndScores [][]float32
}

// StepObserver is called after each decoding step. It can't change the decoding.
type StepObserver func(info StepInfo)

// Decode runs beam search over model, starting from the prefixes.
//
// prefixIDs and prefixPaddings are int32 shaped [batch, prefixLen]. Paddings are 0 for real
// tokens and 1 for padding, which must come before the real tokens, and every example needs at
// least one real token.
//
// Any error returned or panic raised by the model aborts the decoding, and is returned.
func Decode(model Model, prefixIDs, prefixPaddings *tensors.Tensor, config Config) (*Result, error) {
	return DecodeWithObserver(model, prefixIDs, prefixPaddings, config, nil)
}

// DecodeWithObserver is like Decode, and calls observer (if not nil) after each step.
func DecodeWithObserver(model Model, prefixIDs, prefixPaddings *tensors.Tensor, config Config,
	observer StepObserver) (result *Result, err error) {
	if err = config.Validate(); err != nil {
		return nil, err
	}
	prefixLengths, err := validatePrefixes(prefixIDs, prefixPaddings)
	if err != nil {
		return nil, err
	}
	d := &decoder{
		model:         model,
		config:        config,
		prefixIDs:     prefixIDs,
		prefixLengths: prefixLengths,
		observer:      observer,
	}
	exception := exceptions.Try(func() { result, err = d.run(prefixPaddings) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return nil, errors.WithMessage(e, "beam search decoding panicked")
		}
		return nil, errors.Errorf("beam search decoding panicked: %v", exception)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validatePrefixes checks the prefix shapes and paddings, and returns the number of real
// tokens of each example.
func validatePrefixes(prefixIDs, prefixPaddings *tensors.Tensor) ([]int, error) {
	if prefixIDs == nil || prefixPaddings == nil {
		return nil, errors.New("beam search requires prefix ids and paddings")
	}
	if prefixIDs.DType() != dtypes.Int32 || prefixPaddings.DType() != dtypes.Int32 {
		return nil, errors.Errorf("prefix ids and paddings must be int32, got %s and %s",
			prefixIDs.DType(), prefixPaddings.DType())
	}
	if prefixIDs.Rank() != 2 {
		return nil, errors.Errorf("prefix ids must be shaped [batch, prefixLen], got shape %s", prefixIDs.Shape())
	}
	dims := prefixIDs.Shape().Dimensions
	if !slices.Equal(dims, prefixPaddings.Shape().Dimensions) {
		return nil, errors.Errorf("prefix ids shape %s and prefix paddings shape %s don't match",
			prefixIDs.Shape(), prefixPaddings.Shape())
	}
	batchSize, prefixLen := dims[0], dims[1]
	if batchSize == 0 || prefixLen == 0 {
		return nil, errors.Errorf("beam search requires a non-empty batch of prefixes, got shape %s", prefixIDs.Shape())
	}
	prefixLengths := make([]int, batchSize)
	paddings := tensors.MustCopyFlatData[int32](prefixPaddings)
	for b := range batchSize {
		for pos, pad := range paddings[b*prefixLen : (b+1)*prefixLen] {
			switch pad {
			case 0:
				prefixLengths[b]++
			case 1:
				if prefixLengths[b] > 0 {
					return nil, errors.Errorf("example %d: prefix padding at position %d follows a real token, "+
						"prefixes must be right-aligned", b, pos)
				}
			default:
				return nil, errors.Errorf("example %d: prefix padding at position %d is %d, only 0 and 1 are valid", b, pos, pad)
			}
		}
		if prefixLengths[b] == 0 {
			return nil, errors.Errorf("example %d: prefix has no real token", b)
		}
	}
	return prefixLengths, nil
}

// decoder holds the loop state of one Decode call.
type decoder struct {
	model         Model
	config        Config
	observer      StepObserver
	prefixIDs     *tensors.Tensor
	prefixLengths []int

	batchSize, beamSize, prefixLen, seqLen, vocabSize int

	state    State
	step     int
	stepExec *Exec

	lastIDs    *tensors.Tensor   // [batch*beam]
	segmentPos *tensors.Tensor   // [batch*beam, 1]
	hypScores  *tensors.Tensor   // [batch*beam]
	outputIDs  *tensors.Tensor   // [batch, beam, seqLen]
	endHyps    []*tensors.Tensor // Completed hypotheses, in the order of decodeutil.Hyps.Nodes.
}

// execGraph compiles graphFn, runs it once over args and returns its outputs.
func execGraph(graphFn func(inputs []*Node) []*Node, args ...any) ([]*tensors.Tensor, error) {
	e, err := NewExec(decodeutil.Backend(), graphFn)
	if err != nil {
		return nil, err
	}
	defer e.Finalize()
	return e.Exec(args...)
}

func (d *decoder) run(prefixPaddings *tensors.Tensor) (*Result, error) {
	start := time.Now()
	dims := d.prefixIDs.Shape().Dimensions
	d.batchSize, d.prefixLen = dims[0], dims[1]
	d.beamSize = d.config.BeamSize
	d.seqLen = d.prefixLen + d.config.MaxDecodeSteps
	klog.V(1).Infof("beam search: batch=%d, beam=%d, prefixLen=%d, steps=%d, eos=%d, alpha=%g",
		d.batchSize, d.beamSize, d.prefixLen, d.config.MaxDecodeSteps, d.config.EOSID, d.config.LengthNormAlpha)

	if err := d.initialize(prefixPaddings); err != nil {
		return nil, err
	}
	var err error
	d.stepExec, err = NewExec(decodeutil.Backend(), d.stepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating beam search step graph")
	}
	defer d.stepExec.Finalize()
	for d.step < d.seqLen-1 {
		if err := d.loopBody(); err != nil {
			return nil, errors.WithMessagef(err, "beam search step %d", d.step-d.prefixLen+2)
		}
		if d.observer != nil {
			d.observer(d.stepInfo())
		}
	}
	result, err := d.assembleResult()
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("beam search: decoded %d steps in %s", d.config.MaxDecodeSteps, time.Since(start))
	return result, nil
}

// initialize the model, its decode cache, and the loop state.
func (d *decoder) initialize(prefixPaddings *tensors.Tensor) error {
	var err error
	d.state, err = d.model.Initialize(d.prefixIDs, prefixPaddings)
	if err != nil {
		return errors.WithMessage(err, "initializing model for beam search")
	}
	d.state, err = d.model.TransformState(d.state, PadStateFn(d.config.MaxDecodeSteps))
	if err != nil {
		return errors.WithMessage(err, "padding decode state")
	}
	d.state, err = d.model.TransformState(d.state, BroadcastStateFn(d.beamSize))
	if err != nil {
		return errors.WithMessage(err, "broadcasting decode state to beams")
	}

	numHyps := d.batchSize * d.beamSize
	hypScores := make([]float32, numHyps)
	segmentPos := make([]int32, numHyps)
	for b := range d.batchSize {
		for k := range d.beamSize {
			// Only the first hypothesis of each example is alive at the start.
			hypScores[b*d.beamSize+k] = float32(k) * decodeutil.LargeNegative
			segmentPos[b*d.beamSize+k] = int32(d.prefixLengths[b] - 1)
		}
	}
	d.hypScores = tensors.FromFlatDataAndDimensions(hypScores, numHyps)
	d.segmentPos = tensors.FromFlatDataAndDimensions(segmentPos, numHyps, 1)

	outputs, err := execGraph(func(inputs []*Node) []*Node {
		ids := decodeutil.RepeatAxis(inputs[0], 0, d.beamSize)
		lastIDs := Reshape(SliceAxis(ids, 1, AxisElem(d.prefixLen-1)), numHyps)
		ids = Reshape(decodeutil.ZeroPadAxis(ids, 1, d.config.MaxDecodeSteps), d.batchSize, d.beamSize, d.seqLen)
		return []*Node{ids, lastIDs}
	}, d.prefixIDs)
	if err != nil {
		return errors.WithMessage(err, "initializing output ids")
	}
	d.outputIDs, d.lastIDs = outputs[0], outputs[1]
	d.endHyps = decodeutil.NewEmptyHyps(d.outputIDs)
	d.step = d.prefixLen - 1
	return nil
}

// stepGraph extends every hypothesis by one token, from the log-probabilities of its next token.
//
// Inputs: logits, hypScores, segmentPos, outputIDs, the 4 fields of the completed hypotheses,
// the step (the position of the last ids) and the length normalization of the hypotheses
// completed in this step.
//
// Outputs: the new hypScores, the rows of the hypotheses extended, the new lastIDs, segmentPos
// and outputIDs, and the 4 fields of the completed hypotheses.
func (d *decoder) stepGraph(inputs []*Node) []*Node {
	logits, hypScores, segmentPos, outputIDs := inputs[0], inputs[1], inputs[2], inputs[3]
	endHyps := decodeutil.HypsFromNodes(inputs[4:8])
	step, lengthNorm := inputs[8], inputs[9]
	g := logits.Graph()
	dims := outputIDs.Shape().Dimensions
	batchSize, beamSize, seqLen := dims[0], dims[1], dims[2]
	numHyps := batchSize * beamSize
	eosID := d.config.EOSID

	logProbs := nn.LogSoftmax(ConvertDType(logits, dtypes.Float32), -1)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, beamSize, seqLen), 2)
	isNextPos := Equal(positions, AddScalar(step, 1))

	// Completed hypotheses, if the end-of-sequence token were appended now.
	eosLogProbs := Reshape(SliceAxis(logProbs, 1, AxisElem(eosID)), numHyps)
	newEnd := decodeutil.Hyps{
		IDs:     Where(isNextPos, ConstAs(outputIDs, eosID), outputIDs),
		Lengths: BroadcastToDims(AddScalar(step, 2), batchSize, beamSize),
		Scores:  Reshape(Add(hypScores, eosLogProbs), batchSize, beamSize),
	}
	newEnd.ScoresNorm = Div(newEnd.Scores, lengthNorm)
	endHyps = must.M1(decodeutil.MergeEndHyps(endHyps, newEnd))

	// Best continuations, without end-of-sequence.
	values, hypIDs, tokens := decodeutil.TwoStageTopK(logProbs, hypScores, beamSize, eosID)
	outputIDs = decodeutil.GatherPerExample(outputIDs, hypIDs)
	newColumn := BroadcastToDims(InsertAxes(tokens, -1), batchSize, beamSize, seqLen)
	outputIDs = Where(isNextPos, newColumn, outputIDs)
	rows := Add(Mul(Iota(g, hypIDs.Shape(), 0), ConstAs(hypIDs, beamSize)), hypIDs)

	return append([]*Node{
		Reshape(values, numHyps),
		Reshape(rows, numHyps),
		Reshape(tokens, numHyps),
		AddScalar(segmentPos, 1),
		outputIDs,
	}, endHyps.Nodes()...)
}

// loopBody extends every hypothesis by one token: from the ids at step it sets the ids at step+1.
func (d *decoder) loopBody() error {
	logits, newState, err := d.model.ExtendStep(d.state, d.lastIDs, d.segmentPos)
	if err != nil {
		return errors.WithMessage(err, "extending model step")
	}
	d.state = newState
	if err = d.checkLogits(logits); err != nil {
		return err
	}

	lengthNorm := decodeutil.LengthNorm(d.step+2-d.prefixLen, d.config.LengthNormAlpha)
	args := []any{logits, d.hypScores, d.segmentPos, d.outputIDs}
	for _, t := range d.endHyps {
		args = append(args, t)
	}
	args = append(args, int32(d.step), float32(lengthNorm))
	outputs, err := d.stepExec.Exec(args...)
	if err != nil {
		return errors.WithMessage(err, "running beam search step graph")
	}
	rows := outputs[1]
	d.hypScores, d.lastIDs, d.segmentPos, d.outputIDs = outputs[0], outputs[2], outputs[3], outputs[4]
	d.endHyps = outputs[5:]

	d.state, err = d.model.TransformState(d.state, ShuffleStateByIndicesFn(rows))
	if err != nil {
		return errors.WithMessage(err, "reordering decode state")
	}
	if klog.V(2).Enabled() {
		klog.Infof("beam search step %d: rows=%v, tokens=%v, scores=%v",
			d.step+2-d.prefixLen, rows.Value(), d.lastIDs.Value(), d.hypScores.Value())
	}
	d.step++
	return nil
}

// checkLogits verifies the shape of the logits returned by the model, and that it includes the
// end-of-sequence token.
func (d *decoder) checkLogits(logits *tensors.Tensor) error {
	numHyps := d.batchSize * d.beamSize
	if logits == nil {
		return errors.Errorf("model returned no logits, expected [%d, vocab]", numHyps)
	}
	dims := logits.Shape().Dimensions
	if len(dims) != 2 || dims[0] != numHyps || !logits.DType().IsFloat() {
		return errors.Errorf("model returned logits shaped %s, expected float [%d, vocab]", logits.Shape(), numHyps)
	}
	vocab := dims[1]
	if d.vocabSize == 0 {
		d.vocabSize = vocab
	} else if vocab != d.vocabSize {
		return errors.Errorf("model returned logits with vocabulary size %d, previous steps had %d", vocab, d.vocabSize)
	}
	if d.config.EOSID >= vocab {
		return errors.Errorf("EOSID %d is out of the vocabulary of size %d", d.config.EOSID, vocab)
	}
	return nil
}

func (d *decoder) stepInfo() StepInfo {
	return StepInfo{
		Step:      d.step - d.prefixLen + 1,
		NumSteps:  d.config.MaxDecodeSteps,
		EndScores: d.endHyps[3].Value().([][]float32),
	}
}

// assembleResult left-aligns the completed hypotheses and builds the Result.
func (d *decoder) assembleResult() (*Result, error) {
	numPad := make([]int32, d.batchSize)
	for b, length := range d.prefixLengths {
		numPad[b] = int32(d.prefixLen - length)
	}
	outputs, err := execGraph(func(inputs []*Node) []*Node {
		ids, lengths, numPad := inputs[0], inputs[1], inputs[2]
		shift := BroadcastToDims(InsertAxes(numPad, -1), d.batchSize, d.beamSize)
		return []*Node{decodeutil.LeftAlign(ids, numPad, 0), Sub(lengths, shift)}
	}, d.endHyps[0], d.endHyps[1], numPad)
	if err != nil {
		return nil, errors.WithMessage(err, "assembling beam search result")
	}
	result := &Result{
		OutputIDs:     outputs[0],
		Scores:        d.endHyps[3],
		DecodeLengths: outputs[1],
	}
	result.LogProbs = result.Scores
	return result, nil
}

// String implements fmt.Stringer, for debugging.
func (r *Result) String() string {
	return fmt.Sprintf("beamsearch.Result{OutputIDs: %s, Scores: %s, DecodeLengths: %s}",
		r.OutputIDs, r.Scores, r.DecodeLengths)
}
