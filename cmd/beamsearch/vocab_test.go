// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/decoding/pkg/ml/decode/beamsearch"
	"github.com/gomlx/decoding/pkg/ml/decode/decodetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocab(t *testing.T) {
	sentences := Sentences("The cat.  A  dog. \n.")
	assert.Equal(t, []string{"the cat", "a dog"}, sentences)

	vocab := NewVocab("the cat" + "a dog")
	// " ", "a", "c", "d", "e", "g", "h", "o", "t" plus <eos>.
	assert.Equal(t, 10, vocab.Size())
	ids, err := vocab.Encode("cat")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 2, 9}, ids)
	assert.Equal(t, "cat<eos>", vocab.Decode([]int32{3, 2, 9, EOSID, 3}))

	_, err = vocab.Encode("cow")
	require.Error(t, err)

	corpus, err := vocab.EncodeCorpus(sentences)
	require.NoError(t, err)
	assert.Equal(t, int32(EOSID), corpus[0][len(corpus[0])-1])
	assert.Len(t, corpus[1], len("a dog")+1)
}

func TestRun(t *testing.T) {
	*flagQuiet = true
	config, err := beamsearch.ConfigFromParams(defaultParams())
	require.NoError(t, err)
	config = config.WithMaxDecodeSteps(10)
	require.NoError(t, run(builtinText, []string{"the ", "a d"}, config))
	require.Error(t, run(builtinText, []string{"zebra"}, config), "z is not in the vocabulary")
}

func TestBigramCompletion(t *testing.T) {
	sentences := Sentences("the dog.")
	vocab := NewVocab(sentences[0])
	corpus, err := vocab.EncodeCorpus(sentences)
	require.NoError(t, err)
	prefix, err := vocab.Encode("the")
	require.NoError(t, err)
	ids, paddings, err := beamsearch.RightAlignPrefixes([][]int32{prefix}, 0)
	require.NoError(t, err)

	config := beamsearch.DefaultConfig().WithEOSID(EOSID).WithBeamSize(2).WithMaxDecodeSteps(6)
	result, err := beamsearch.Decode(decodetest.NewBigramModel(corpus, vocab.Size()), ids, paddings, config)
	require.NoError(t, err)
	// Every completion is the prompt followed by a prefix of the bigram chain, ending in <eos>.
	for _, seq := range result.Sequences()[0] {
		text := vocab.Decode(seq)
		assert.Regexp(t, `^the( (d(og?)?)?)?<eos>$`, text)
	}
}
