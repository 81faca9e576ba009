package rnnsearch

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestSimpleLogits(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	scores := constVec(c, []float64{1, 2, 3, 0, 0, 5})
	logits := NewSimpleLogits(scores, 2)
	if logits.Classes() != 3 || logits.Rows() != 2 {
		t.Fatalf("unexpected shape %dx%d", logits.Rows(), logits.Classes())
	}
	if am := logits.Argmax(2); am[0] != 2 || am[1] != 2 {
		t.Errorf("unexpected argmax %v", am)
	}
	if am := logits.Argmax(1); len(am) != 1 {
		t.Errorf("unexpected argmax %v", am)
	}

	lp := logits.LogProb([]int{0, 1})
	expected0 := 1 - math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3))
	expected1 := -math.Log(2 + math.Exp(5))
	if math.Abs(lp[0]-expected0) > 1e-8 || math.Abs(lp[1]-expected1) > 1e-8 {
		t.Errorf("unexpected log probs %v", lp)
	}

	loss := resFloats(logits.Loss([]int{0, 1}, false))[0]
	if math.Abs(loss+(expected0+expected1)/2) > 1e-8 {
		t.Errorf("unexpected loss %f", loss)
	}
	perSentence := resFloats(logits.Loss([]int{0, 1}, true))
	if !floatsClose(perSentence, []float64{expected0, expected1}, 1e-8) {
		t.Errorf("unexpected per-sentence loss %v", perSentence)
	}
}

func TestLogitsSample(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	scores := constVec(c, []float64{0, 0, 100, -100, 50, -100})
	logits := NewSimpleLogits(scores, 2)

	s1 := logits.Sample(rand.New(rand.NewPCG(5, 6)))
	if s1[0] != 2 || s1[1] != 1 {
		t.Errorf("unexpected samples %v", s1)
	}

	uniform := NewSimpleLogits(constVec(c, make([]float64, 40)), 4)
	a := uniform.Sample(rand.New(rand.NewPCG(7, 8)))
	b := uniform.Sample(rand.New(rand.NewPCG(7, 8)))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced %v and %v", a, b)
		}
	}
}

func TestPointerLogits(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vocab := anydiff.NewVar(makeVec(c, []float64{0.5, -1, 2, 0.3, 1, 1, -2, 0.7}))
	pointer := anydiff.NewVar(makeVec(c, []float64{1, 2, 3, -1, 0, maskValue}))
	logits := NewPointerLogits(vocab, pointer, 2)

	if logits.Words != 3 || logits.Positions != 3 || logits.Classes() != 6 {
		t.Fatalf("unexpected shape: %d words, %d positions", logits.Words, logits.Positions)
	}

	probs := resFloats(logits.LogProbs())
	for row := 0; row < 2; row++ {
		var sum float64
		for _, x := range probs[row*6 : (row+1)*6] {
			sum += math.Exp(x)
		}
		if math.Abs(sum-1) > 1e-8 {
			t.Errorf("row %d sums to %f", row, sum)
		}
	}
	if math.Exp(probs[11]) != 0 {
		t.Errorf("masked position has probability %e", math.Exp(probs[11]))
	}

	// Copy probability factors into sentinel and position.
	sentinel := 0.3 - math.Log(math.Exp(0.5)+math.Exp(-1)+math.Exp(2)+math.Exp(0.3))
	position := 2 - math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3))
	if math.Abs(probs[4]-(sentinel+position)) > 1e-8 {
		t.Errorf("expected %f but got %f", sentinel+position, probs[4])
	}

	checkGradients(t, func() anydiff.Res {
		return NewPointerLogits(vocab, pointer, 2).Loss([]int{4, 1}, false)
	}, []*anydiff.Var{vocab, pointer})
}

func TestCombine(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	l1 := NewSimpleLogits(constVec(c, []float64{1, 2, 3, 4, 0, -1}), 2)
	l2 := NewSimpleLogits(constVec(c, []float64{3, 2, 1, 0, 0, 2}), 2)

	t.Run("Single", func(t *testing.T) {
		for _, probSpace := range []bool{false, true} {
			combined, err := Combine([]Logits{l1}, probSpace)
			if err != nil {
				t.Fatal(err)
			}
			if !floatsClose(resFloats(combined.LogProbs()), resFloats(l1.LogProbs()), 1e-8) {
				t.Error("combining one model should be the identity")
			}
		}
	})

	t.Run("LogSpace", func(t *testing.T) {
		combined, err := Combine([]Logits{l1, l2}, false)
		if err != nil {
			t.Fatal(err)
		}
		p1 := resFloats(l1.LogProbs())
		p2 := resFloats(l2.LogProbs())
		actual := resFloats(combined.LogProbs())
		for i, x := range actual {
			if expected := (p1[i] + p2[i]) / 2; math.Abs(x-expected) > 1e-8 {
				t.Errorf("entry %d: expected %f but got %f", i, expected, x)
			}
		}
		scores := combined.LogProb([]int{0, 2})
		expected := []float64{(p1[0] + p2[0]) / 2, (p1[5] + p2[5]) / 2}
		if !floatsClose(scores, expected, 1e-8) {
			t.Errorf("expected scores %v but got %v", expected, scores)
		}
	})

	t.Run("Unnormalized", func(t *testing.T) {
		a := NewSimpleLogits(constVec(c, []float64{1, 2, 3}), 1)
		b := NewSimpleLogits(constVec(c, []float64{3, 2, 1}), 1)
		combined, err := Combine([]Logits{a, b}, false)
		if err != nil {
			t.Fatal(err)
		}
		// Both models give every class the same averaged
		// log-probability, which is below log(1/3).
		expected := -(math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3)) - 2)
		for i, x := range combined.LogProb([]int{0}) {
			if math.Abs(x-expected) > 1e-8 {
				t.Errorf("row %d: expected %f but got %f", i, expected, x)
			}
		}
		if ids := combined.Argmax(1); len(ids) != 1 {
			t.Errorf("unexpected argmax %v", ids)
		}
	})

	t.Run("ProbSpace", func(t *testing.T) {
		combined, err := Combine([]Logits{l1, l2}, true)
		if err != nil {
			t.Fatal(err)
		}
		p1 := resFloats(l1.LogProbs())
		p2 := resFloats(l2.LogProbs())
		actual := resFloats(combined.LogProbs())
		for i, x := range actual {
			expected := math.Log((math.Exp(p1[i]) + math.Exp(p2[i])) / 2)
			if math.Abs(x-expected) > 1e-8 {
				t.Errorf("entry %d: expected %f but got %f", i, expected, x)
			}
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := Combine(nil, false); !errorContains(err, ErrConfig) {
			t.Errorf("unexpected error: %v", err)
		}
		wide := NewSimpleLogits(constVec(c, make([]float64, 8)), 2)
		if _, err := Combine([]Logits{l1, wide}, false); !errorContains(err,
			ErrHeterogeneousLogits) {
			t.Errorf("unexpected error: %v", err)
		}
		pointer := NewPointerLogits(constVec(c, make([]float64, 4)),
			constVec(c, make([]float64, 4)), 2)
		if _, err := Combine([]Logits{l1, pointer}, true); !errorContains(err,
			ErrHeterogeneousLogits) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
