// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hparams

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/decoding/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings parses settings, typically the contents of a flag set by the user, over a copy
// of params. The settings are a list separated by ";": e.g.: "param1=value1;param2=value2".
//
// Every parameter must already be set in params: its current value is the default and also
// defines the type the string value is parsed to. The input params are not modified.
//
// For integer types "_" is removed, so large numbers can be written as 1_000_000.
// A setting "file:<path>" reads more settings from the file, one or more per line, with
// lines starting with "#" ignored.
//
// It returns the new params and the list of parameters set, in order.
func ParseSettings(params Params, settings string) (newParams Params, paramsSet []string, err error) {
	newParams = params.Clone()
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(newParams, setting, paramsSet)
		if err != nil {
			return nil, nil, err
		}
	}
	return newParams, paramsSet, nil
}

func parseSetting(params Params, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, ok := strings.CutPrefix(setting, "file:"); ok {
		lines, err := fsutil.ReadLines(filePath, "#")
		if err != nil {
			return nil, errors.WithMessage(err, "failed to read settings file")
		}
		for _, line := range lines {
			for _, lineSetting := range strings.Split(line, ";") {
				paramsSet, err = parseSetting(params, lineSetting, paramsSet)
				if err != nil {
					return nil, err
				}
			}
		}
		return paramsSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	key = strings.TrimSpace(key)
	value, found := params[key]
	if !found {
		return nil, errors.Errorf("can't set parameter %q: it has no default value, known parameters are %q",
			key, params.Keys())
	}
	value, err := parseValue(value, valueStr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, key, params[key])
	}
	params[key] = value
	return append(paramsSet, key), nil
}

func unmarshalInt[T int | int32 | int64 | uint | uint32 | uint64](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
	return v, err
}

func unmarshalValue[T any](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, err
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return unmarshalInt[int](valueStr)
	case int32:
		return unmarshalInt[int32](valueStr)
	case int64:
		return unmarshalInt[int64](valueStr)
	case uint:
		return unmarshalInt[uint](valueStr)
	case uint32:
		return unmarshalInt[uint32](valueStr)
	case uint64:
		return unmarshalInt[uint64](valueStr)
	case float64:
		return unmarshalValue[float64](valueStr)
	case float32:
		return unmarshalValue[float32](valueStr)
	case bool:
		return unmarshalValue[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		parts := strings.Split(valueStr, ",")
		values := make([]int, len(parts))
		for i, part := range parts {
			v, err := unmarshalInt[int](part)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	case []float64:
		parts := strings.Split(valueStr, ",")
		values := make([]float64, len(parts))
		for i, part := range parts {
			v, err := unmarshalValue[float64](part)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	}
	return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
}

// CreateSettingsFlag creates a string flag named flagName ("set" if empty) to be parsed with
// ParseSettings, with a usage message listing the parameters in params and their defaults.
//
// It should be called before flag.Parse().
func CreateSettingsFlag(params Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set hyperparameters: a list of elements "param=value" separated by ";". ` +
			`An entry "file:settings_file.txt" reads the settings from the file, ` +
			`with new-lines working as ";" and lines starting with "#" ignored. ` +
			`Available parameters:`,
	}
	for _, key := range params.Keys() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, params[key]))
	}
	return flag.String(flagName, "", strings.Join(parts, "\n"))
}
