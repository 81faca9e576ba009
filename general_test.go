package rnnsearch

import (
	"math"
	"strings"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/rnnsearch/batch"
	"github.com/unixpickle/rnnsearch/dataset"
)

const (
	testSrcVocab = 7
	testTgtVocab = 6
	testEOS      = testTgtVocab - 1
)

func testModelConfig(cellType string, pointer bool) ModelConfig {
	return ModelConfig{
		SrcVocab:      testSrcVocab,
		TgtVocab:      testTgtVocab,
		SrcEmb:        4,
		TgtEmb:        3,
		EncHidden:     3,
		DecHidden:     4,
		AttnHidden:    3,
		MaxoutHidden:  2,
		CellType:      cellType,
		NumLayers:     1,
		GotoAttention: true,
		Pointer:       pointer,
	}
}

func testModel(t *testing.T, cellType string, pointer bool) *Model {
	m, err := NewModel(anyvec64.DefaultCreator{}, testModelConfig(cellType, pointer))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// testMinibatch produces a batch with distinct source and
// target lengths, so both the source mask and the target
// shrinkage are exercised.
func testMinibatch() *batch.Minibatch {
	pairs := []dataset.Pair{
		{Src: []int{1, 2, 3}, Tgt: []int{1, 2}},
		{Src: []int{4, 5}, Tgt: []int{3, 4, 0, 1}},
		{Src: []int{6, 1, 2, 3}, Tgt: []int{2}},
	}
	return batch.MakeSrcTgt(pairs, testEOS, 0, true)
}

func testCell(t *testing.T, m *Model, src *batch.Source, cfg CellConfig) *ConditionalCell {
	enc := m.Encoder.Encode(src, Test)
	cell, err := m.Decoder.NewCell(enc, src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return cell
}

func resFloats(r anydiff.Res) []float64 {
	return vecFloats(r.Output())
}

func floatsClose(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if math.Abs(x-b[i]) > tol {
			return false
		}
	}
	return true
}

func errorContains(err, target error) bool {
	return err != nil && strings.Contains(err.Error(), target.Error())
}

func expectPanic(t *testing.T, name string, f func()) {
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}

// checkGradients compares the gradient of a scalar
// function to central differences for a few entries of
// every parameter.
func checkGradients(t *testing.T, f func() anydiff.Res, params []*anydiff.Var) {
	const (
		epsilon = 1e-6
		perVar  = 3
	)
	c := params[0].Vector.Creator()
	grad := anydiff.NewGrad(params...)
	res := f()
	res.Propagate(makeVec(c, []float64{1}), grad)

	for i, param := range params {
		actual := vecFloats(grad[param])
		for j := 0; j < perVar && j < param.Vector.Len(); j++ {
			idx := (j * 7919) % param.Vector.Len()
			setEntry(param.Vector, idx, epsilon)
			plus := resFloats(f())[0]
			setEntry(param.Vector, idx, -2*epsilon)
			minus := resFloats(f())[0]
			setEntry(param.Vector, idx, epsilon)

			expected := (plus - minus) / (2 * epsilon)
			tol := 1e-4 * math.Max(1, math.Abs(expected))
			if math.Abs(expected-actual[idx]) > tol {
				t.Errorf("param %d entry %d: expected gradient %f but got %f", i, idx,
					expected, actual[idx])
			}
		}
	}
}

func setEntry(v anyvec.Vector, idx int, delta float64) {
	data := append([]float64{}, vecFloats(v)...)
	data[idx] += delta
	v.SetData(v.Creator().MakeNumericList(data))
}
