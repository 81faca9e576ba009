package rnnsearch

import (
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testBlocks(t *testing.T) map[string]anyrnn.Block {
	c := anyvec64.DefaultCreator{}
	res := map[string]anyrnn.Block{}
	for _, name := range []string{"gru", "lstm"} {
		b, err := NewUnit(c, name, 3, 2, 1)
		if err != nil {
			t.Fatal(err)
		}
		res[name] = b
	}
	stack, err := NewUnit(c, "lstm", 3, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	res["stack"] = stack
	return res
}

func TestNewUnitErrors(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	if _, err := NewUnit(c, "rnn", 3, 2, 1); !errorContains(err, ErrConfig) {
		t.Errorf("cell type: unexpected error %v", err)
	}
	if _, err := NewUnit(c, "gru", 3, 2, 0); !errorContains(err, ErrConfig) {
		t.Errorf("layers: unexpected error %v", err)
	}
	if b, _ := NewUnit(c, "gru", 3, 2, 3); len(stateWidths(b)) != 3 {
		t.Errorf("unexpected widths %v", stateWidths(b))
	}
}

func TestStepBlockOutput(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const n = 2
	in := makeVec(c, []float64{1, -0.5, 0.25, 0.3, 0.2, -1})
	for name, b := range testBlocks(t) {
		t.Run(name, func(t *testing.T) {
			widths := stateWidths(b)
			expected := b.Step(b.Start(n), in)

			start := startState(b, n)
			if !floatsClose(vecFloats(start.Output()),
				vecFloats(c.Concat(stateVectors(b.Start(n))...)), 0) {
				t.Error("unexpected start state")
			}
			packed := stepBlock(b, start, anydiff.NewConst(in), n)
			actual := resFloats(packedLayer(packed, widths, n, len(widths)-1))
			if !floatsClose(actual, vecFloats(expected.Output()), 1e-12) {
				t.Errorf("expected output %v but got %v", vecFloats(expected.Output()), actual)
			}
			allState := vecFloats(c.Concat(stateVectors(expected.State())...))
			if !floatsClose(resFloats(packed), allState, 1e-12) {
				t.Errorf("expected state %v but got %v", allState, resFloats(packed))
			}
		})
	}
}

func TestStepBlockGradients(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const n = 2
	for name, b := range testBlocks(t) {
		t.Run(name, func(t *testing.T) {
			in := anydiff.NewVar(makeVec(c, []float64{1, -0.5, 0.25, 0.3, 0.2, -1}))
			weights := constVec(c, []float64{0.5, -1, 2, 1})
			widths := stateWidths(b)
			f := func() anydiff.Res {
				s := startState(b, n)
				for i := 0; i < 3; i++ {
					s = stepBlock(b, s, in, n)
				}
				out := packedLayer(s, widths, n, len(widths)-1)
				return anydiff.Add(
					anydiff.Sum(anydiff.Mul(out, weights)),
					anydiff.Sum(s),
				)
			}
			checkGradients(t, f, append(blockParams(b), in))
		})
	}
}

func TestUnpackState(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for name, b := range testBlocks(t) {
		t.Run(name, func(t *testing.T) {
			widths := stateWidths(b)
			var vecs []anyvec.Vector
			for i, w := range widths {
				data := make([]float64, 2*w)
				for j := range data {
					data[j] = float64(i*10 + j)
				}
				vecs = append(vecs, makeVec(c, data))
			}
			for _, grad := range []bool{false, true} {
				s, rest := unpackState(b, vecs, allPresent(2), grad)
				if len(rest) != 0 {
					t.Errorf("grad=%v: %d leftover vectors", grad, len(rest))
				}
				back := stateVectors(s)
				if len(back) != len(vecs) {
					t.Fatalf("grad=%v: expected %d vectors but got %d", grad, len(vecs),
						len(back))
				}
				for i, v := range back {
					if !floatsClose(vecFloats(v), vecFloats(vecs[i]), 0) {
						t.Errorf("grad=%v: vector %d differs", grad, i)
					}
				}
			}
		})
	}
}
