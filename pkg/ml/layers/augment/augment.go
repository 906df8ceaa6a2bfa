// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements data augmentation of token sequences for masked language models,
// as described in the BERT paper (https://arxiv.org/abs/1810.04805).
//
// Randomness comes from an explicit Generator, a GoMLX random number generator state: it is passed
// to each call and the advanced Generator is returned, so the same Generator always yields the
// same augmentation.
package augment

import (
	"slices"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Generator is the state of a pseudo-random number generator. It is immutable: Apply returns a
// new Generator, and the same Generator can be reused to replay an augmentation.
type Generator struct {
	state *tensors.Tensor
}

// NewGenerator returns a Generator initialized from seed.
func NewGenerator(seed int64) (Generator, error) {
	state, err := RNGStateFromSeed(seed)
	if err != nil {
		return Generator{}, errors.WithMessagef(err, "creating random generator from seed %d", seed)
	}
	return Generator{state: state}, nil
}

// State returns a copy of the generator state, a GoMLX RNG state tensor.
func (gen Generator) State() []uint64 {
	return tensors.MustCopyFlatData[uint64](gen.state)
}

var backend = sync.OnceValue(func() backends.Backend {
	return must.M1(simplego.New(""))
})

// Default augmentation probabilities.
const (
	DefaultMaskProb   = 0.12
	DefaultRandomProb = 0.015
	DefaultSameProb   = 0.015
)

// MaskedLM augments token sequences by replacing some tokens by a mask token, by a random token,
// or by themselves.
type MaskedLM struct {
	// VocabSize is the total vocabulary size, random tokens are drawn from [0, VocabSize).
	VocabSize int

	// MaskProb is the probability of a token being replaced by MaskTokenID.
	MaskProb float64

	// RandomProb is the probability of a token being replaced by a random token.
	RandomProb float64

	// SameProb is the probability of a token being replaced by itself: it's marked as replaced,
	// but its value is kept.
	SameProb float64

	// MaskTokenID is the id of the special mask token.
	MaskTokenID int32
}

// NewMaskedLM returns a MaskedLM with the default probabilities.
func NewMaskedLM(vocabSize int, maskTokenID int32) MaskedLM {
	return MaskedLM{
		VocabSize:   vocabSize,
		MaskProb:    DefaultMaskProb,
		RandomProb:  DefaultRandomProb,
		SameProb:    DefaultSameProb,
		MaskTokenID: maskTokenID,
	}
}

// Validate the configuration.
func (m MaskedLM) Validate() error {
	if m.VocabSize <= 0 {
		return errors.Errorf("masked LM augmentation requires VocabSize > 0, got %d", m.VocabSize)
	}
	if m.MaskTokenID < 0 {
		return errors.Errorf("masked LM augmentation requires MaskTokenID >= 0, got %d", m.MaskTokenID)
	}
	if m.MaskProb < 0 || m.RandomProb < 0 || m.SameProb < 0 {
		return errors.Errorf("masked LM augmentation probabilities must be >= 0, got mask=%g, random=%g, same=%g",
			m.MaskProb, m.RandomProb, m.SameProb)
	}
	total := m.MaskProb + m.RandomProb + m.SameProb
	if total <= 0 || total >= 1 {
		return errors.Errorf("masked LM augmentation total replacement probability must be in (0, 1), got %g", total)
	}
	if m.RandomProb+m.SameProb <= 0 {
		return errors.Errorf("masked LM augmentation requires RandomProb + SameProb > 0")
	}
	return nil
}

// Apply augments inputs, int32 token ids shaped [batch, length], where paddings (same shape) are
// 0 for valid tokens and 1 for padding. Padding tokens are never replaced.
//
// It returns the augmented ids, the 0/1 replaced mask (1 where a token went through augmentation,
// including the ones replaced by themselves), and the advanced Generator.
func (m MaskedLM) Apply(gen Generator, inputs, paddings *tensors.Tensor) (
	augmented, replaced *tensors.Tensor, next Generator, err error) {
	if err = m.Validate(); err != nil {
		return nil, nil, gen, err
	}
	if gen.state == nil {
		return nil, nil, gen, errors.New("masked LM augmentation requires a Generator created with NewGenerator")
	}
	if inputs.Rank() != 2 || inputs.DType() != dtypes.Int32 ||
		!slices.Equal(inputs.Shape().Dimensions, paddings.Shape().Dimensions) || paddings.DType() != dtypes.Int32 {
		return nil, nil, gen, errors.Errorf("masked LM augmentation requires int32 inputs and paddings shaped [batch, length], got %s and %s",
			inputs.Shape(), paddings.Shape())
	}
	e, err := NewExec(backend(), m.augment)
	if err != nil {
		return nil, nil, gen, errors.WithMessage(err, "creating masked LM augmentation graph")
	}
	defer e.Finalize()
	outputs, err := e.Exec(gen.state, inputs, paddings)
	if err != nil {
		return nil, nil, gen, errors.WithMessage(err, "running masked LM augmentation")
	}
	return outputs[1], outputs[2], Generator{state: outputs[0]}, nil
}

// augment is the graph of Apply.
func (m MaskedLM) augment(rngState, inputs, paddings *Node) (newState, augmented, replaced *Node) {
	uniformShape := shapes.Make(dtypes.Float32, inputs.Shape().Dimensions...)
	uniformSample := func(p float64) *Node {
		var u *Node
		rngState, u = RandomUniform(rngState, uniformShape)
		return LessThan(u, ConstAs(u, p))
	}
	total := m.MaskProb + m.RandomProb + m.SameProb
	replaceSample := uniformSample(total)
	maskSample := uniformSample(m.MaskProb / total)
	randomSample := uniformSample(m.RandomProb / (total - m.MaskProb))
	var randomTokens *Node
	rngState, randomTokens = RandomIntN(rngState, m.VocabSize, inputs.Shape())

	isReplaced := And(Equal(paddings, ConstAs(paddings, 0)), replaceSample)
	augmented = Where(randomSample, randomTokens, inputs)
	augmented = Where(maskSample, ConstAs(inputs, m.MaskTokenID), augmented)
	augmented = Where(isReplaced, augmented, inputs)
	replaced = ConvertDType(isReplaced, dtypes.Int32)
	return rngState, augmented, replaced
}
