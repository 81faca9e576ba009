package rnnsearch

import (
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/essentials"
)

// SampleConfig controls Sample and SampleEnsemble.
type SampleConfig struct {
	// Steps is the number of tokens to generate per row.
	Steps int

	// MBSize is the number of generated sequences.
	MBSize int

	// Best picks the most likely token at every step
	// instead of sampling one.
	Best bool

	// NeedScore accumulates the log-probability of every
	// generated sequence.
	NeedScore bool

	KeepAttention bool

	// Rand is used for sampling.
	// If nil, the global generator is used.
	Rand *rand.Rand
}

// SampleResult holds generated sequences in step-major
// order: Steps[t][i] is token t of sequence i.
type SampleResult struct {
	Steps     [][]int
	Score     []float64
	Attention *Tape
}

// Sequences converts the steps to one slice per row.
func (s *SampleResult) Sequences() [][]int {
	if len(s.Steps) == 0 {
		return nil
	}
	res := make([][]int, len(s.Steps[0]))
	for _, step := range s.Steps {
		for i, id := range step {
			res[i] = append(res[i], id)
		}
	}
	return res
}

// Sample generates cfg.Steps tokens for every row by
// feeding each chosen token back into the cell.
//
// Generation does not back-propagate.
func Sample(cell *ConditionalCell, cfg SampleConfig) (*SampleResult, error) {
	return SampleEnsemble([]*ConditionalCell{cell}, cfg, false)
}

// SampleEnsemble is like Sample, but it drives several
// cells in lock-step and picks tokens from their combined
// distribution.
//
// The attention tape, if requested, is recorded from the
// first cell.
func SampleEnsemble(cells []*ConditionalCell, cfg SampleConfig, probSpace bool) (res *SampleResult,
	err error) {
	defer essentials.AddCtxTo("sample", &err)
	if len(cells) == 0 {
		return nil, essentials.AddCtx("no cells", ErrConfig)
	}
	if cfg.Steps <= 0 || cfg.MBSize <= 0 {
		return nil, essentials.AddCtx("steps and batch size must be positive", ErrConfig)
	}
	for _, cell := range cells {
		if cell.BatchSize() != 0 && cell.BatchSize() != cfg.MBSize {
			return nil, essentials.AddCtx("batch size does not match the sources", ErrConfig)
		}
	}

	res = &SampleResult{}
	if cfg.NeedScore {
		res.Score = make([]float64, cfg.MBSize)
	}
	if cfg.KeepAttention {
		res.Attention = NewTape()
		defer res.Attention.Close()
	}

	states := make([]*State, len(cells))
	stepLogits := make([]Logits, len(cells))
	var attn anydiff.Res
	for i, cell := range cells {
		var a anydiff.Res
		states[i], stepLogits[i], a = cell.InitialLogits(cfg.MBSize)
		if i == 0 {
			attn = a
		}
	}

	for t := 0; t < cfg.Steps; t++ {
		logits := stepLogits[0]
		if len(cells) > 1 {
			logits, err = Combine(stepLogits, probSpace)
			if err != nil {
				return nil, err
			}
		}
		var ids []int
		if cfg.Best {
			ids = logits.Argmax(cfg.MBSize)
		} else {
			ids = logits.Sample(cfg.Rand)
		}
		res.Steps = append(res.Steps, ids)
		if cfg.NeedScore {
			for i, lp := range logits.LogProb(ids) {
				res.Score[i] += lp
			}
		}
		if res.Attention != nil {
			res.Attention.Append(&anyseq.Batch{
				Packed:  attn.Output().Copy(),
				Present: prefixPresent(cfg.MBSize, cfg.MBSize),
			})
		}
		if t+1 == cfg.Steps {
			break
		}
		for i, cell := range cells {
			var a anydiff.Res
			states[i], stepLogits[i], a = cell.StepIDs(states[i].constant(), ids)
			if i == 0 {
				attn = a
			}
		}
	}

	return res, nil
}
