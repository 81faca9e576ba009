package rnnsearch

import (
	"fmt"
	"sync"

	"github.com/unixpickle/anydiff/anyseq"
)

// A Tape records one batch per decoder step, such as the
// attention weights of every running sequence.
//
// All of the restrictions on sequences apply to Tapes.
// Every step must have the same number of entries in the
// Present list, and a sequence which goes away may never
// become present again.
//
// A Tape may be read while it is being written.
type Tape struct {
	lock     sync.Mutex
	steps    []*anyseq.Batch
	nextWait chan struct{}
	done     bool
}

// NewTape creates an empty Tape.
func NewTape() *Tape {
	return &Tape{nextWait: make(chan struct{})}
}

// Append adds a step to the tape.
func (t *Tape) Append(b *anyseq.Batch) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.done {
		panic("append to closed tape")
	}
	if len(t.steps) > 0 {
		last := t.steps[len(t.steps)-1].Present
		if len(last) != len(b.Present) {
			panic("mismatching present map size")
		}
		for i, pres := range b.Present {
			if pres && !last[i] {
				panic("absent sequence became present again")
			}
		}
	}
	if n := b.NumPresent(); n > 0 && b.Packed.Len()%n != 0 {
		panic("packed size is not a multiple of the present count")
	}
	t.steps = append(t.steps, b)
	close(t.nextWait)
	t.nextWait = make(chan struct{})
}

// Close marks the tape as complete, ending any reads that
// are waiting for more steps.
func (t *Tape) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.done {
		t.done = true
		close(t.nextWait)
	}
}

// Len returns the number of recorded steps.
func (t *Tape) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.steps)
}

// Step returns the batch recorded at step i.
func (t *Tape) Step(i int) *anyseq.Batch {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.steps[i]
}

// ReadTape streams the steps in [start, end), or every
// step from start onward if end is -1.
// Steps which have not been recorded yet are waited for.
// The stream ends early if the tape is closed first.
//
// The caller must drain the channel.
func (t *Tape) ReadTape(start, end int) <-chan *anyseq.Batch {
	if start < 0 || (end != -1 && end < start) {
		panic(fmt.Sprintf("invalid tape range [%d, %d)", start, end))
	}
	ch := make(chan *anyseq.Batch)
	go func() {
		defer close(ch)
		for i := start; end == -1 || i < end; i++ {
			step, ok := t.waitStep(i)
			if !ok {
				return
			}
			ch <- step
		}
	}()
	return ch
}

// waitStep blocks until step i is recorded.
// It returns false if the tape is closed without it.
func (t *Tape) waitStep(i int) (*anyseq.Batch, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for i >= len(t.steps) && !t.done {
		wait := t.nextWait
		t.lock.Unlock()
		<-wait
		t.lock.Lock()
	}
	if i < len(t.steps) {
		return t.steps[i], true
	}
	return nil, false
}

// Example extracts the per-step rows of one sequence,
// stopping at the first step where it is absent.
func (t *Tape) Example(idx int) [][]float64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	var res [][]float64
	for _, step := range t.steps {
		if !step.Present[idx] {
			break
		}
		res = append(res, stepRow(step, idx))
	}
	return res
}

// Alignment finds, at every step where sequence idx is
// present, the entry of its row with the largest value.
// For an attention tape, this is the source position
// each target word attended to most.
//
// It waits for the tape to be closed.
func (t *Tape) Alignment(idx int) []int {
	var res []int
	for step := range t.ReadTape(0, -1) {
		if !step.Present[idx] {
			continue
		}
		row := stepRow(step, idx)
		var best int
		for i, x := range row {
			if x > row[best] {
				best = i
			}
		}
		res = append(res, best)
	}
	return res
}

// stepRow copies the row of a present sequence.
func stepRow(step *anyseq.Batch, idx int) []float64 {
	width := step.Packed.Len() / step.NumPresent()
	var offset int
	for _, p := range step.Present[:idx] {
		if p {
			offset++
		}
	}
	data := vecFloats(step.Packed)
	return append([]float64{}, data[offset*width:(offset+1)*width]...)
}
