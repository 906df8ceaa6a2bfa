// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hparams holds flat collections of hyperparameters, used to build the configuration of
// decoders and layers.
//
// Params are values: deriving a new configuration (With, ParseSettings) always works on a deep
// copy, so the parent configuration is never mutated.
package hparams

import (
	"encoding"
	"maps"
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
)

// Params maps hyperparameter names to their values.
//
// Values are typically int, float64, bool, string, or slices of those.
// Nested map[string]any and []any are deep-copied by Clone.
type Params map[string]any

// Clone returns a deep copy of the params.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	newP := make(Params, len(p))
	for key, value := range p {
		newP[key] = cloneValue(value)
	}
	return newP
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Params:
		return v.Clone()
	case map[string]any:
		return map[string]any(Params(v).Clone())
	case []any:
		newV := make([]any, len(v))
		for i, e := range v {
			newV[i] = cloneValue(e)
		}
		return newV
	case []int:
		return slices.Clone(v)
	case []float64:
		return slices.Clone(v)
	case []string:
		return slices.Clone(v)
	case []bool:
		return slices.Clone(v)
	}
	return value
}

// With returns a copy of the params with key set to value.
func (p Params) With(key string, value any) Params {
	newP := p.Clone()
	newP[key] = value
	return newP
}

// Get returns the value of key and whether it was found.
func (p Params) Get(key string) (value any, found bool) {
	value, found = p[key]
	return
}

// Keys returns the sorted list of keys.
func (p Params) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam returns the value of key converted to T.
//
// Numeric values are converted between types (an int can be read as float64, and a float
// without fractional part as an int), and strings are parsed for types implementing
// encoding.TextUnmarshaler.
// It panics if the key is not set or the value can't be converted.
func MustGetParam[T any](p Params, key string) T {
	var t T
	valueAny, found := p[key]
	if !found {
		exceptions.Panicf("hparams: parameter %q (of type %T) not set", key, t)
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	if !v.IsValid() || typeOfT == nil {
		exceptions.Panicf("hparams: parameter %q is %#v, and cannot be converted to %T", key, valueAny, t)
	}
	valueT := reflect.New(typeOfT)
	if valueT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valueT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			exceptions.Panicf("hparams: parameter %q: can't UnmarshalText %q to %s: %v", key, v.String(), typeOfT, err)
		}
		return valueT.Elem().Interface().(T)
	}
	// Integers are convertible to strings as runes, which is never what is meant here.
	if !v.CanConvert(typeOfT) || typeOfT.Kind() == reflect.String && v.Kind() != reflect.String {
		exceptions.Panicf("hparams: parameter %q=(%T) %#v cannot be converted to %T", key, valueAny, valueAny, t)
	}
	if v.CanFloat() && isInteger(typeOfT.Kind()) && v.Float() != math.Trunc(v.Float()) {
		exceptions.Panicf("hparams: parameter %q=%v has a fractional part, it cannot be converted to %T", key, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

func isInteger(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

// GetParamOr returns the value of key converted to T, or defaultValue if the key is not set
// or set to nil. It panics, like MustGetParam, if the value can't be converted.
func GetParamOr[T any](p Params, key string, defaultValue T) T {
	valueAny, found := p[key]
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	return MustGetParam[T](p, key)
}
