// Package rnnsearch implements an attention-based
// encoder-decoder for neural machine translation.
//
// A bidirectional Encoder turns a padded source batch into
// per-position annotations.
// A Decoder, conditioned on those annotations, produces a
// ConditionalCell which advances one target step at a time
// over minibatches that can only shrink as shorter
// sequences finish.
//
// ComputeLoss and Sample drive a ConditionalCell for
// training and generation respectively.
package rnnsearch

import (
	"errors"

	"github.com/unixpickle/essentials"
)

var (
	// ErrInvalidMode is returned for unknown Mode names.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrConfig is returned for invalid model, cell, loss,
	// or sampling options.
	ErrConfig = errors.New("invalid configuration")

	// ErrLexiconShape is returned when a lexicon table does
	// not match the attention or vocabulary shapes.
	ErrLexiconShape = errors.New("lexicon shape mismatch")

	// ErrHeterogeneousLogits is returned when combining
	// logits of different kinds or shapes.
	ErrHeterogeneousLogits = errors.New("cannot combine heterogeneous logits")
)

// Mode selects between training and inference behavior.
// It only affects stochastic regularization.
type Mode int

const (
	Test Mode = iota
	Train
)

// ParseMode decodes "train" or "test".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "train":
		return Train, nil
	case "test":
		return Test, nil
	}
	return 0, essentials.AddCtx("parse mode "+s, ErrInvalidMode)
}

// String returns "train" or "test".
func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "test"
}
