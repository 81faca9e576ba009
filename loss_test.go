package rnnsearch

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/unixpickle/anydiff"
)

func TestPerSentenceLoss(t *testing.T) {
	for _, pointer := range []bool{false, true} {
		m := testModel(t, "gru", pointer)
		mb := testMinibatch()
		if pointer {
			mb.Tgt[0][0] = testTgtVocab
		}

		aggregate, err := m.Loss(mb, Test, LossConfig{}, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		perSentence, err := m.Loss(mb, Test, LossConfig{PerSentence: true}, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}

		if aggregate.Count != 10 || perSentence.Count != 10 {
			t.Errorf("unexpected counts: %d, %d", aggregate.Count, perSentence.Count)
		}
		sentences := resFloats(perSentence.Sum)
		if len(sentences) != 3 {
			t.Fatalf("expected 3 sentence scores but got %d", len(sentences))
		}
		var total float64
		for _, x := range sentences {
			if x >= 0 {
				t.Errorf("log-probability should be negative: %f", x)
			}
			total += x
		}
		sum := resFloats(aggregate.Sum)[0]
		if math.Abs(sum+total) > 1e-8 {
			t.Errorf("pointer=%v: aggregate sum %f but sentence total %f", pointer, sum, total)
		}
		mean := resFloats(aggregate.Mean())[0]
		if math.Abs(mean-sum/10) > 1e-10 {
			t.Errorf("unexpected mean %f", mean)
		}
	}
}

func TestLossGradients(t *testing.T) {
	for _, cellType := range []string{"gru", "lstm"} {
		for _, pointer := range []bool{false, true} {
			m := testModel(t, cellType, pointer)
			mb := testMinibatch()
			if pointer {
				mb.Tgt[1][1] = testTgtVocab + 1
			}
			f := func() anydiff.Res {
				res, err := m.Loss(mb, Test, LossConfig{}, CellConfig{})
				if err != nil {
					t.Fatal(err)
				}
				return res.Sum
			}
			checkGradients(t, f, m.Parameters())
		}
	}
}

func TestSoftFeedbackGradients(t *testing.T) {
	m := testModel(t, "gru", false)
	mb := testMinibatch()
	cfg := LossConfig{SoftFeedback: true, Temperature: 0.5}
	f := func() anydiff.Res {
		res, err := m.Loss(mb, Test, cfg, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		return res.Sum
	}
	checkGradients(t, f, m.Decoder.Parameters())
}

func TestLossOptions(t *testing.T) {
	m := testModel(t, "gru", false)
	mb := testMinibatch()

	t.Run("Gumbel", func(t *testing.T) {
		cfg := LossConfig{SoftFeedback: true, Gumbel: true, Rand: rand.New(rand.NewPCG(1, 2))}
		res, err := m.Loss(mb, Test, cfg, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if x := resFloats(res.Sum)[0]; math.IsNaN(x) || math.IsInf(x, 0) || x <= 0 {
			t.Errorf("unexpected loss %f", x)
		}
	})

	t.Run("ScheduledSampling", func(t *testing.T) {
		cfg := LossConfig{UsePreviousPrediction: 1}
		res, err := m.Loss(mb, Test, cfg, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		groundTruth, err := m.Loss(mb, Test, LossConfig{}, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Count != groundTruth.Count {
			t.Errorf("count changed: %d", res.Count)
		}
	})

	t.Run("Noise", func(t *testing.T) {
		cellCfg := CellConfig{NoiseOnPrevWord: true, Rand: rand.New(rand.NewPCG(3, 4))}
		noisy, err := m.Loss(mb, Train, LossConfig{}, cellCfg)
		if err != nil {
			t.Fatal(err)
		}
		clean, err := m.Loss(mb, Train, LossConfig{}, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if resFloats(noisy.Sum)[0] == resFloats(clean.Sum)[0] {
			t.Error("noise had no effect")
		}
	})

	t.Run("Attention", func(t *testing.T) {
		res, err := m.Loss(mb, Test, LossConfig{KeepAttention: true}, CellConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Attention.Len() != len(mb.Tgt) {
			t.Fatalf("expected %d steps but got %d", len(mb.Tgt), res.Attention.Len())
		}
		for i, size := range []int{5, 3, 2} {
			rows := res.Attention.Example(i)
			if len(rows) != size {
				t.Errorf("example %d: expected %d steps but got %d", i, size, len(rows))
			}
			for _, row := range rows {
				if len(row) != mb.Src.Len() {
					t.Errorf("example %d: row size %d", i, len(row))
				}
			}
		}
	})
}

func TestLossErrors(t *testing.T) {
	m := testModel(t, "gru", true)
	mb := testMinibatch()
	if _, err := m.Loss(mb, Test, LossConfig{SoftFeedback: true}, CellConfig{}); !errorContains(
		err, ErrConfig) {
		t.Errorf("soft feedback with pointer: unexpected error %v", err)
	}

	mb.Tgt[0] = mb.Tgt[0][:2]
	if _, err := m.Loss(mb, Test, LossConfig{}, CellConfig{}); !errorContains(err, ErrConfig) {
		t.Errorf("batch mismatch: unexpected error %v", err)
	}

	mb = testMinibatch()
	mb.Tgt[2] = append(mb.Tgt[2], 1, 1)
	if _, err := m.Loss(mb, Test, LossConfig{}, CellConfig{}); !errorContains(err, ErrConfig) {
		t.Errorf("growing targets: unexpected error %v", err)
	}
}
