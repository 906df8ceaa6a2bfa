// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices holds helpers for slices not covered by the standard slices package.
package xslices

import (
	"flag"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Map returns fn applied to each element of in.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Flag defines a flag for a []T on the default flag.CommandLine, with values separated by separator.
// parserFn converts each individual value.
func Flag[T any](name string, defaultValue []T, separator, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	return FlagVar(flag.CommandLine, name, defaultValue, separator, usage, parserFn)
}

// FlagVar is like Flag, but defines the flag in the given flag set.
func FlagVar[T any](fs *flag.FlagSet, name string, defaultValue []T, separator, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &sliceFlag[T]{
		parsed:    defaultValue,
		separator: separator,
		parserFn:  parserFn,
	}
	fs.Var(f, name, usage)
	return &f.parsed
}

// sliceFlag implements flag.Value for a []T.
type sliceFlag[T any] struct {
	parsed    []T
	separator string
	parserFn  func(valueStr string) (T, error)
}

func (f *sliceFlag[T]) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(Map(f.parsed, func(e T) string { return fmt.Sprint(e) }), f.separator)
}

func (f *sliceFlag[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsed = nil
		return nil
	}
	parts := strings.Split(listStr, f.separator)
	parsed := make([]T, len(parts))
	for ii, part := range parts {
		var err error
		parsed[ii], err = f.parserFn(part)
		if err != nil {
			return errors.WithMessagef(err, "parsing element #%d (%q) of list", ii, part)
		}
	}
	f.parsed = parsed
	return nil
}

// ParseString is a parserFn for Flag that accepts any string as is.
func ParseString(valueStr string) (string, error) { return valueStr, nil }
