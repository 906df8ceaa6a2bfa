// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// beamsearch completes prompts with beam search over a character-level bigram model trained on a
// text, and prints the resulting beams.
//
// Usage:
//
//	beamsearch -text=book.txt -prompts="the ;she " -set="beam_search_beam_size=8;beam_search_length_norm_alpha=0"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/decoding/pkg/ml/decode/beamsearch"
	"github.com/gomlx/decoding/pkg/ml/decode/decodetest"
	"github.com/gomlx/decoding/pkg/support/fsutil"
	"github.com/gomlx/decoding/pkg/support/hparams"
	"github.com/gomlx/decoding/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const builtinText = `The cat sat on the mat. The dog sat on the log. A cat and a dog met on the mat.
The sun is hot. The cat is on the hot mat. The dog ran to the cat. A dog is not a cat.`

var (
	flagText = flag.String("text", "", "Text file used to train the bigram model. "+
		"Sentences are split on \".\". If empty, a small built-in text is used.")
	flagPrompts = xslices.Flag("prompts", []string{"the ", "a d"}, ";",
		"Prompts to complete, separated by \";\".", xslices.ParseString)
	flagQuiet = flag.Bool("quiet", false, "Don't display the progress bar.")
)

func defaultParams() hparams.Params {
	return beamsearch.DefaultConfig().
		WithBeamSize(4).
		WithMaxDecodeSteps(40).
		WithEOSID(EOSID).
		Params()
}

func main() {
	klog.InitFlags(nil)
	params := defaultParams()
	settings := hparams.CreateSettingsFlag(params, "set")
	flag.Parse()

	params, paramsSet, err := hparams.ParseSettings(params, *settings)
	if err != nil {
		klog.Errorf("Failed to parse -set=%q: %+v", *settings, err)
		os.Exit(1)
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Parameters set: %q", paramsSet)
	}
	config, err := beamsearch.ConfigFromParams(params)
	if err != nil {
		klog.Errorf("Invalid beam search configuration: %+v", err)
		os.Exit(1)
	}
	if config.EOSID != EOSID {
		klog.Errorf("The end-of-sentence token of the character vocabulary is %d, can't use %s=%d",
			EOSID, beamsearch.ParamEOSID, config.EOSID)
		os.Exit(1)
	}

	text := builtinText
	if *flagText != "" {
		text = must.M1(fsutil.ReadText(*flagText))
	}
	if err = run(text, *flagPrompts, config); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 1 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		}).
		Headers("#", "Completion", "Score", "Length")
}

func run(text string, prompts []string, config beamsearch.Config) error {
	sentences := Sentences(text)
	vocab := NewVocab(strings.Join(sentences, ""))
	corpus, err := vocab.EncodeCorpus(sentences)
	if err != nil {
		return err
	}
	var numTokens int
	for _, sentence := range corpus {
		numTokens += len(sentence)
	}
	fmt.Printf("Bigram model trained on %s sentences, %s tokens, vocabulary of %d characters.\n",
		humanize.Comma(int64(len(corpus))), humanize.Comma(int64(numTokens)), vocab.Size())

	var encoded [][]int32
	for _, prompt := range prompts {
		ids, err := vocab.Encode(strings.ToLower(prompt))
		if err != nil {
			return err
		}
		encoded = append(encoded, ids)
	}
	prefixIDs, prefixPaddings, err := beamsearch.RightAlignPrefixes(encoded, 0)
	if err != nil {
		return err
	}

	model := decodetest.NewBigramModel(corpus, vocab.Size())
	observer, done := progress(config.MaxDecodeSteps)
	start := time.Now()
	result, err := beamsearch.DecodeWithObserver(model, prefixIDs, prefixPaddings, config, observer)
	done()
	if err != nil {
		return err
	}
	fmt.Printf("Decoded %s steps in %s (%s model calls).\n",
		humanize.Comma(int64(config.MaxDecodeSteps)), time.Since(start), humanize.Comma(int64(model.NumCalls())))

	sequences := result.Sequences()
	scores := result.Scores.Value().([][]float32)
	lengths := result.DecodeLengths.Value().([][]int32)
	for b, prompt := range prompts {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Prompt %q", prompt)))
		table := newTable()
		for k, seq := range sequences[b] {
			table.Row(fmt.Sprint(k), vocab.Decode(seq), fmt.Sprintf("%.3f", scores[b][k]),
				fmt.Sprint(lengths[b][k]))
		}
		fmt.Println(table.Render())
	}
	return nil
}

// progress returns a StepObserver displaying a progress bar, and a function to call when decoding
// is done.
func progress(numSteps int) (observer beamsearch.StepObserver, done func()) {
	if *flagQuiet {
		return nil, func() {}
	}
	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	bar := progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("Decoding"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stdout),
	)
	observer = func(info beamsearch.StepInfo) {
		best := info.EndScores[0][0]
		for _, scores := range info.EndScores[1:] {
			best = max(best, scores[0])
		}
		bar.Describe(fmt.Sprintf("Decoding (best score %.2f)", best))
		_ = bar.Add(1)
	}
	done = func() {
		_ = bar.Finish()
		fmt.Println()
		output.ShowCursor()
	}
	return observer, done
}
