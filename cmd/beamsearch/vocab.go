// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// EOSID is the id of the end-of-sentence token.
const EOSID = 0

const eosSymbol = "<eos>"

// Vocab maps characters to token ids. Id EOSID is reserved for the end of sentence.
type Vocab struct {
	runes []rune
	ids   map[rune]int32
}

// NewVocab creates a vocabulary with all the characters of text, in sorted order.
func NewVocab(text string) *Vocab {
	v := &Vocab{ids: make(map[rune]int32)}
	runes := []rune(text)
	slices.Sort(runes)
	v.runes = slices.Compact(runes)
	for ii, r := range v.runes {
		v.ids[r] = int32(ii + 1)
	}
	return v
}

// Size returns the number of tokens, including the end of sentence.
func (v *Vocab) Size() int { return len(v.runes) + 1 }

// Encode converts text to token ids.
func (v *Vocab) Encode(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for _, r := range text {
		id, found := v.ids[r]
		if !found {
			return nil, errors.Errorf("character %q is not in the vocabulary", r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode converts token ids to text. It stops at the end of sentence, which is rendered as eosSymbol.
func (v *Vocab) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == EOSID {
			sb.WriteString(eosSymbol)
			break
		}
		if int(id) <= len(v.runes) {
			sb.WriteRune(v.runes[id-1])
		}
	}
	return sb.String()
}

// Sentences splits text in sentences ending in ".", normalizing white spaces and lower-casing it.
// The "." is dropped: the end of sentence token takes its place.
func Sentences(text string) []string {
	var sentences []string
	for _, sentence := range strings.Split(text, ".") {
		sentence = strings.ToLower(strings.Join(strings.Fields(sentence), " "))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	return sentences
}

// EncodeCorpus encodes each sentence followed by the end of sentence token.
func (v *Vocab) EncodeCorpus(sentences []string) ([][]int32, error) {
	corpus := make([][]int32, 0, len(sentences))
	for _, sentence := range sentences {
		ids, err := v.Encode(sentence)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding sentence %q", sentence)
		}
		corpus = append(corpus, append(ids, EOSID))
	}
	return corpus, nil
}
