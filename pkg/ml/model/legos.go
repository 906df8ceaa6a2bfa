// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Legos is a set of named components that can be co-trained or used in parts.
// Components are kept in insertion order.
type Legos struct {
	components *orderedmap.OrderedMap[string, any]
}

// NewLegos creates an empty Legos.
func NewLegos() *Legos {
	return &Legos{components: orderedmap.New[string, any]()}
}

// Add a component under name. The component must implement at least one of Predictor,
// LossComputer, Decoder or DecodeProcessor, and the name must be new.
func (l *Legos) Add(name string, component any) error {
	switch component.(type) {
	case Predictor, LossComputer, Decoder, DecodeProcessor:
	default:
		return errors.Errorf("component %q of type %T doesn't implement any model interface", name, component)
	}
	if _, found := l.components.Get(name); found {
		return errors.Errorf("component %q already exists", name)
	}
	l.components.Set(name, component)
	return nil
}

// Names of the components, in insertion order.
func (l *Legos) Names() []string {
	names := make([]string, 0, l.components.Len())
	for pair := l.components.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len returns the number of components.
func (l *Legos) Len() int { return l.components.Len() }

// Component returns the component named name.
func (l *Legos) Component(name string) (any, error) {
	component, found := l.components.Get(name)
	if !found {
		return nil, errors.Errorf("component %q not found, components are %q", name, l.Names())
	}
	return component, nil
}

// ComponentAs returns the component named name as a T, e.g. a Model or a Decoder.
func ComponentAs[T any](l *Legos, name string) (T, error) {
	var t T
	component, err := l.Component(name)
	if err != nil {
		return t, err
	}
	t, ok := component.(T)
	if !ok {
		return t, errors.Errorf("component %q is a %T, it does not implement %T", name, component, (*T)(nil))
	}
	return t, nil
}

// FProp runs the forward propagation of every component implementing Model, in order.
// Their metrics are merged, prefixed by the component name and "/".
func (l *Legos) FProp(batch Batch) (Metrics, error) {
	metrics := make(Metrics)
	for pair := l.components.Oldest(); pair != nil; pair = pair.Next() {
		m, ok := pair.Value.(Model)
		if !ok {
			continue
		}
		componentMetrics, _, err := FProp(m, batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "component %q", pair.Key)
		}
		metrics = metrics.Merge(pair.Key+"/", componentMetrics)
	}
	return metrics, nil
}
