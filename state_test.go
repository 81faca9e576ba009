package rnnsearch

import (
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testState() *State {
	c := anyvec64.DefaultCreator{}
	packed := constVec(c, []float64{1, 2, 3, 4, 5, 6, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	return newState(packed, []int{2, 3}, 3)
}

func TestStateTruncate(t *testing.T) {
	s := testState()
	var _ anyrnn.State = s

	if s.Rows() != 3 {
		t.Fatalf("expected 3 rows but got %d", s.Rows())
	}
	small := s.Truncate(2)
	if small.Rows() != 2 {
		t.Errorf("expected 2 rows but got %d", small.Rows())
	}
	if !floatsClose(resFloats(small.Layer(0)), []float64{1, 2, 3, 4}, 0) {
		t.Errorf("unexpected layer 0: %v", resFloats(small.Layer(0)))
	}
	if !floatsClose(resFloats(small.Output()), []float64{1, 2, 3, 4, 5, 6}, 0) {
		t.Errorf("unexpected output: %v", resFloats(small.Output()))
	}
	if s.Truncate(3) != s {
		t.Error("truncating to the same size should be a no-op")
	}
	expectPanic(t, "grow", func() {
		small.Truncate(3)
	})
}

func TestStateReduce(t *testing.T) {
	s := testState()
	reduced := s.Reduce(anyrnn.PresentMap{true, false, false}).(*State)
	if reduced.Rows() != 1 {
		t.Errorf("expected 1 row but got %d", reduced.Rows())
	}
	if reduced.Present().NumPresent() != 1 {
		t.Errorf("unexpected present map %v", reduced.Present())
	}

	expectPanic(t, "non-prefix", func() {
		s.Reduce(anyrnn.PresentMap{true, false, true})
	})
	expectPanic(t, "reappear", func() {
		reduced.Reduce(anyrnn.PresentMap{true, true, false})
	})
	expectPanic(t, "size", func() {
		s.Reduce(anyrnn.PresentMap{true, true})
	})
}

func TestTape(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	tape := NewTape()
	tape.Append(&anyseq.Batch{
		Packed:  makeVec(c, []float64{1, 2, 3, 4, 5, 6}),
		Present: []bool{true, true, true},
	})
	tape.Append(&anyseq.Batch{
		Packed:  makeVec(c, []float64{7, 8, 9, 10}),
		Present: []bool{true, false, true},
	})

	expectPanic(t, "reappear", func() {
		tape.Append(&anyseq.Batch{
			Packed:  makeVec(c, []float64{1, 2, 3, 4}),
			Present: []bool{true, true, false},
		})
	})
	expectPanic(t, "size", func() {
		tape.Append(&anyseq.Batch{
			Packed:  makeVec(c, []float64{1, 2}),
			Present: []bool{true, false},
		})
	})

	ex := tape.Example(2)
	if len(ex) != 2 || !floatsClose(ex[0], []float64{5, 6}, 0) ||
		!floatsClose(ex[1], []float64{9, 10}, 0) {
		t.Errorf("unexpected example: %v", ex)
	}
	if ex := tape.Example(1); len(ex) != 1 || !floatsClose(ex[0], []float64{3, 4}, 0) {
		t.Errorf("unexpected example: %v", ex)
	}

	tape.Close()
	if align := tape.Alignment(0); !reflect.DeepEqual(align, []int{1, 1}) {
		t.Errorf("unexpected alignment: %v", align)
	}
	if align := tape.Alignment(1); !reflect.DeepEqual(align, []int{1}) {
		t.Errorf("unexpected alignment: %v", align)
	}
	var count int
	for range tape.ReadTape(1, -1) {
		count++
	}
	if count != 1 {
		t.Errorf("expected 1 step but read %d", count)
	}
}

func TestTapeReadWhileWriting(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	tape := NewTape()
	steps := tape.ReadTape(0, 3)
	go func() {
		for i := 0; i < 4; i++ {
			tape.Append(&anyseq.Batch{
				Packed:  makeVec(c, []float64{float64(i)}),
				Present: []bool{true},
			})
		}
		tape.Close()
	}()
	var got []float64
	for step := range steps {
		got = append(got, vecFloats(step.Packed)...)
	}
	if !floatsClose(got, []float64{0, 1, 2}, 0) {
		t.Errorf("unexpected steps: %v", got)
	}
	expectPanic(t, "range", func() {
		tape.ReadTape(2, 1)
	})
}
