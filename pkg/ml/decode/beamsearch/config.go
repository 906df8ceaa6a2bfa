// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"math"

	"github.com/gomlx/decoding/pkg/support/hparams"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Hyperparameter keys read by ConfigFromParams.
const (
	ParamBeamSize        = "beam_search_beam_size"
	ParamMaxDecodeSteps  = "beam_search_max_decode_steps"
	ParamEOSID           = "beam_search_eos_id"
	ParamLengthNormAlpha = "beam_search_length_norm_alpha"
)

// Default values of the Config.
const (
	DefaultBeamSize        = 1
	DefaultEOSID           = 2
	DefaultLengthNormAlpha = 0.8
)

// Config of the beam search.
//
// It is a value: the With* methods return a modified copy, leaving the receiver untouched.
// MaxDecodeSteps has no default and must be set.
type Config struct {
	// BeamSize is the number of hypotheses kept per example.
	BeamSize int

	// MaxDecodeSteps is the number of tokens decoded after the prefix.
	MaxDecodeSteps int

	// EOSID is the end-of-sequence token id.
	EOSID int

	// LengthNormAlpha is the exponent of the length normalization of completed hypotheses' scores.
	// 0 disables length normalization.
	LengthNormAlpha float64
}

// DefaultConfig returns a Config with default values. MaxDecodeSteps still needs to be set.
func DefaultConfig() Config {
	return Config{
		BeamSize:        DefaultBeamSize,
		EOSID:           DefaultEOSID,
		LengthNormAlpha: DefaultLengthNormAlpha,
	}
}

// WithBeamSize returns a copy of the config with the given beam size.
func (c Config) WithBeamSize(beamSize int) Config {
	c.BeamSize = beamSize
	return c
}

// WithMaxDecodeSteps returns a copy of the config with the given number of decode steps.
func (c Config) WithMaxDecodeSteps(steps int) Config {
	c.MaxDecodeSteps = steps
	return c
}

// WithEOSID returns a copy of the config with the given end-of-sequence token id.
func (c Config) WithEOSID(eosID int) Config {
	c.EOSID = eosID
	return c
}

// WithLengthNormAlpha returns a copy of the config with the given length normalization exponent.
func (c Config) WithLengthNormAlpha(alpha float64) Config {
	c.LengthNormAlpha = alpha
	return c
}

// Validate returns an error if the config can't be used for decoding.
func (c Config) Validate() error {
	if c.BeamSize < 1 {
		return errors.Errorf("beam search requires BeamSize >= 1, got %d", c.BeamSize)
	}
	if c.MaxDecodeSteps < 1 {
		return errors.Errorf("beam search requires MaxDecodeSteps >= 1, got %d", c.MaxDecodeSteps)
	}
	if c.EOSID < 0 {
		return errors.Errorf("beam search requires a non-negative EOSID, got %d", c.EOSID)
	}
	if math.IsNaN(c.LengthNormAlpha) || math.IsInf(c.LengthNormAlpha, 0) {
		return errors.Errorf("beam search requires a finite LengthNormAlpha, got %g", c.LengthNormAlpha)
	}
	return nil
}

// ConfigFromParams returns DefaultConfig overwritten by the values set in params, under the
// keys ParamBeamSize, ParamMaxDecodeSteps, ParamEOSID and ParamLengthNormAlpha.
//
// The returned config is validated.
func ConfigFromParams(params hparams.Params) (Config, error) {
	var config Config
	err := exceptions.TryCatch[error](func() {
		config = DefaultConfig()
		config.BeamSize = hparams.GetParamOr(params, ParamBeamSize, config.BeamSize)
		config.MaxDecodeSteps = hparams.GetParamOr(params, ParamMaxDecodeSteps, config.MaxDecodeSteps)
		config.EOSID = hparams.GetParamOr(params, ParamEOSID, config.EOSID)
		config.LengthNormAlpha = hparams.GetParamOr(params, ParamLengthNormAlpha, config.LengthNormAlpha)
	})
	if err != nil {
		return Config{}, errors.WithMessage(err, "reading beam search config from params")
	}
	if err = config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Params returns the config as hparams.Params, with the keys read by ConfigFromParams.
func (c Config) Params() hparams.Params {
	return hparams.Params{
		ParamBeamSize:        c.BeamSize,
		ParamMaxDecodeSteps:  c.MaxDecodeSteps,
		ParamEOSID:           c.EOSID,
		ParamLengthNormAlpha: c.LengthNormAlpha,
	}
}
