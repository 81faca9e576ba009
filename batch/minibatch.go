// Package batch assembles padded, length-sorted
// minibatches from indexed sentence pairs.
//
// Source sides are padded to a common length and carry a
// mask for the padded positions.
// Target sides are stored step-major, and every step only
// contains the examples which have not finished yet, so
// step sizes never increase.
package batch

import (
	"sort"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/dataset"
)

// A Source is a padded batch of source sentences.
type Source struct {
	// Steps contains one slice per source position, each
	// with one id per example.
	// Missing positions are filled with a padding id.
	Steps [][]int

	// Mask contains one slice per position starting at
	// MaskOffset().
	// A value is true if the example has a real token at
	// that position.
	// Positions before MaskOffset() are real for every
	// example.
	Mask [][]bool
}

// MakeSrc pads a list of source sentences.
//
// The list must be non-empty.
func MakeSrc(src [][]int, padID int) *Source {
	if len(src) == 0 {
		panic("cannot make an empty batch")
	}
	minLen, maxLen := len(src[0]), len(src[0])
	for _, s := range src[1:] {
		minLen = essentials.MinInt(minLen, len(s))
		maxLen = essentials.MaxInt(maxLen, len(s))
	}
	res := &Source{
		Steps: make([][]int, maxLen),
		Mask:  make([][]bool, maxLen-minLen),
	}
	for i := range res.Steps {
		res.Steps[i] = make([]int, len(src))
		if i >= minLen {
			res.Mask[i-minLen] = make([]bool, len(src))
		}
		for j, s := range src {
			if i < len(s) {
				res.Steps[i][j] = s[i]
				if i >= minLen {
					res.Mask[i-minLen][j] = true
				}
			} else {
				res.Steps[i][j] = padID
			}
		}
	}
	return res
}

// Len returns the padded source length.
func (s *Source) Len() int {
	return len(s.Steps)
}

// BatchSize returns the number of examples.
func (s *Source) BatchSize() int {
	if len(s.Steps) == 0 {
		return 0
	}
	return len(s.Steps[0])
}

// MaskOffset returns the first position described by the
// mask.
func (s *Source) MaskOffset() int {
	return len(s.Steps) - len(s.Mask)
}

// Present reports whether an example has a real token at
// a position.
func (s *Source) Present(pos, example int) bool {
	if pos < s.MaskOffset() {
		return true
	}
	return s.Mask[pos-s.MaskOffset()][example]
}

// Lengths computes the unpadded length of every example.
func (s *Source) Lengths() []int {
	res := make([]int, s.BatchSize())
	for i := range res {
		for pos := 0; pos < s.Len(); pos++ {
			if s.Present(pos, i) {
				res[i] = pos + 1
			}
		}
	}
	return res
}

// A Minibatch is a source batch along with step-major
// target ids.
type Minibatch struct {
	Src *Source

	// Tgt contains one slice per target step, including a
	// final end-of-sequence step.
	// Examples are sorted by decreasing target length, so
	// the examples still running at a step are always a
	// prefix of the minibatch.
	Tgt [][]int

	// ArgSort maps a position in the minibatch to the index
	// of the example in the unsorted input.
	// It is nil unless it was requested.
	ArgSort []int
}

// BatchSize returns the number of examples.
func (m *Minibatch) BatchSize() int {
	return m.Src.BatchSize()
}

// MakeSrcTgt builds a Minibatch from sentence pairs.
//
// Pairs are stably sorted by decreasing target length.
// For t in [0, max target length], step t contains the
// examples whose target length is at least t; examples
// whose length is exactly t receive eosID.
//
// The list of pairs must be non-empty.
func MakeSrcTgt(pairs []dataset.Pair, eosID, padID int, needArgSort bool) *Minibatch {
	if len(pairs) == 0 {
		panic("cannot make an empty batch")
	}
	order := make([]int, len(pairs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return len(pairs[order[i]].Tgt) > len(pairs[order[j]].Tgt)
	})
	sorted := make([]dataset.Pair, len(pairs))
	srcs := make([][]int, len(pairs))
	for i, idx := range order {
		sorted[i] = pairs[idx]
		srcs[i] = pairs[idx].Src
	}

	res := &Minibatch{Src: MakeSrc(srcs, padID)}
	if needArgSort {
		res.ArgSort = order
	}

	maxTgt := len(sorted[0].Tgt)
	numLive := len(sorted)
	for t := 0; t <= maxTgt; t++ {
		for t > len(sorted[numLive-1].Tgt) {
			numLive--
		}
		step := make([]int, numLive)
		for i := range step {
			if len(sorted[i].Tgt) == t {
				step[i] = eosID
			} else {
				step[i] = sorted[i].Tgt[t]
			}
		}
		res.Tgt = append(res.Tgt, step)
	}
	return res
}

// DeBatch recovers per-example sequences from step-major
// slices.
//
// Each step may be shorter than the previous one; examples
// missing from a step are skipped.
// If mask is non-nil, it is aligned with the last len(mask)
// steps and masked positions are skipped.
// If eos is non-negative, each sequence stops after its
// first eos.
func DeBatch(steps [][]int, mask [][]bool, eos int) [][]int {
	if len(steps) == 0 {
		return nil
	}
	maskOffset := len(steps) - len(mask)
	if maskOffset < 0 {
		panic("mask is longer than the batch")
	}
	res := make([][]int, len(steps[0]))
	for i := range res {
		res[i] = []int{}
		for pos, step := range steps {
			if i >= len(step) {
				continue
			}
			if mask != nil && pos >= maskOffset && !mask[pos-maskOffset][i] {
				continue
			}
			res[i] = append(res[i], step[i])
			if eos >= 0 && step[i] == eos {
				break
			}
		}
	}
	return res
}
