package rnnsearch

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
)

// State is the recurrent state of a decoder for a batch
// of sequences.
//
// The state vectors of the recurrent block are packed one
// after another in a single result, each a row-major
// matrix with one row per running sequence.
// Because minibatches are sorted by decreasing length, the
// running sequences are always a prefix of the original
// batch.
type State struct {
	Packed anydiff.Res
	Widths []int

	present anyrnn.PresentMap
}

func newState(packed anydiff.Res, widths []int, batch int) *State {
	res := &State{Packed: packed, Widths: widths}
	res.present = prefixPresent(res.Rows(), batch)
	return res
}

// Present returns the map of running sequences within the
// original batch.
func (s *State) Present() anyrnn.PresentMap {
	return s.present
}

// Rows returns the number of running sequences.
func (s *State) Rows() int {
	var width int
	for _, w := range s.Widths {
		width += w
	}
	return s.Packed.Output().Len() / width
}

// Layer returns the i-th state vector.
func (s *State) Layer(i int) anydiff.Res {
	return packedLayer(s.Packed, s.Widths, s.Rows(), i)
}

// Output returns the output of the recurrent block.
func (s *State) Output() anydiff.Res {
	return s.Layer(len(s.Widths) - 1)
}

// Reduce removes sequences from the batch.
//
// The remaining sequences must form a prefix of the
// currently running ones.
func (s *State) Reduce(p anyrnn.PresentMap) anyrnn.State {
	if len(p) != len(s.present) {
		panic("mismatching present map size")
	}
	var n int
	for n < len(p) && p[n] {
		n++
	}
	for i, pres := range p {
		if pres && i >= n {
			panic("present sequences must form a prefix")
		}
		if pres && !s.present[i] {
			panic("absent sequence became present again")
		}
	}
	return s.Truncate(n)
}

// Truncate keeps the first n rows of every layer.
//
// Growing the batch is not allowed.
func (s *State) Truncate(n int) *State {
	rows := s.Rows()
	if n > rows {
		panic("cannot grow the batch of a decoder state")
	} else if n == rows {
		return s
	}
	layers := make([]anydiff.Res, len(s.Widths))
	for i := range layers {
		layers[i] = firstRows(s.Layer(i), rows, n)
	}
	return &State{
		Packed:  anydiff.Concat(layers...),
		Widths:  s.Widths,
		present: prefixPresent(n, len(s.present)),
	}
}

// shrink reduces the state to its first n sequences.
func (s *State) shrink(n int) *State {
	if n > len(s.present) {
		panic("cannot grow the batch of a decoder state")
	}
	return s.Reduce(prefixPresent(n, len(s.present))).(*State)
}

// withPacked creates a State with the same batch layout
// but new values.
func (s *State) withPacked(packed anydiff.Res) *State {
	return &State{Packed: packed, Widths: s.Widths, present: s.present}
}

// constant creates a copy of the state which does not
// back-propagate.
func (s *State) constant() *State {
	return s.withPacked(anydiff.NewConst(s.Packed.Output()))
}
