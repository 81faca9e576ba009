package rnnsearch

import (
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/stat/distuv"
)

// LossConfig controls how ComputeLoss feeds the decoder.
type LossConfig struct {
	// UsePreviousPrediction is the probability, per step,
	// of feeding the model's greedy prediction instead of
	// the ground truth.
	UsePreviousPrediction float64

	// SoftFeedback feeds the predicted distribution back as
	// a mixture of embeddings.
	// It cannot be used with a pointer mechanism.
	SoftFeedback bool

	// Gumbel adds Gumbel noise to the log-probabilities
	// before they are fed back.
	Gumbel bool

	// Temperature divides the fed back log-probabilities.
	// Zero means 1.
	Temperature float64

	// PerSentence produces a log-probability per sequence
	// instead of a summed cross-entropy.
	PerSentence bool

	KeepAttention bool

	// Rand is used for scheduled sampling and noise.
	// If nil, the global generator is used.
	Rand *rand.Rand
}

// LossResult is the outcome of ComputeLoss.
type LossResult struct {
	// Sum is either the cross-entropy summed over every
	// target token, or, in per-sentence mode, a vector
	// with the log-probability of every target sequence.
	Sum anydiff.Res

	// Count is the number of target tokens.
	Count int

	Attention *Tape
}

// Mean returns the mean cross-entropy per token.
//
// In per-sentence mode, every sequence log-probability is
// divided by the total token count.
func (l *LossResult) Mean() anydiff.Res {
	return scaleRes(l.Sum, 1/float64(l.Count))
}

// ComputeLoss runs the cell over a step-major batch of
// targets, such as batch.Minibatch.Tgt.
//
// Every step must have at most as many entries as the
// previous one.
func ComputeLoss(cell *ConditionalCell, targets [][]int, cfg LossConfig) (res *LossResult,
	err error) {
	defer essentials.AddCtxTo("compute loss", &err)
	if len(targets) == 0 || len(targets[0]) == 0 {
		return nil, ErrConfig
	}
	mb := len(targets[0])
	if cell.BatchSize() != 0 && mb != cell.BatchSize() {
		return nil, essentials.AddCtx("batch size does not match the sources", ErrConfig)
	}
	var count int
	for i, step := range targets {
		if len(step) == 0 {
			return nil, essentials.AddCtx("empty target step", ErrConfig)
		}
		if i > 0 && len(step) > len(targets[i-1]) {
			return nil, essentials.AddCtx("target batch grows", ErrConfig)
		}
		count += len(step)
	}
	if cfg.SoftFeedback && cell.Pointer() {
		return nil, essentials.AddCtx("soft feedback with a pointer mechanism", ErrConfig)
	}

	runner := &lossRunner{
		Cell:    cell,
		Targets: targets,
		Config:  cfg,
		Batch:   mb,
	}
	if cfg.KeepAttention {
		runner.Tape = NewTape()
	}
	if cfg.Gumbel {
		var src rand.Source
		if cfg.Rand != nil {
			src = cfg.Rand
		}
		runner.Gumbel = distuv.GumbelRight{Mu: 0, Beta: 1, Src: src}
	}

	state, logits, attn := cell.InitialLogits(mb)
	res = &LossResult{
		Sum:       runner.Run(0, state, logits, attn),
		Count:     count,
		Attention: runner.Tape,
	}
	if res.Attention != nil {
		res.Attention.Close()
	}
	return res, nil
}

type lossRunner struct {
	Cell    *ConditionalCell
	Targets [][]int
	Config  LossConfig
	Batch   int
	Tape    *Tape
	Gumbel  distuv.GumbelRight
}

// Run accumulates the loss from step t onward.
func (l *lossRunner) Run(t int, s *State, logits Logits, attn anydiff.Res) anydiff.Res {
	loss := l.stepLoss(t, logits)
	if l.Tape != nil {
		l.Tape.Append(&anyseq.Batch{
			Packed:  attn.Output().Copy(),
			Present: prefixPresent(logits.Rows(), l.Batch),
		})
	}
	if t+1 == len(l.Targets) {
		return loss
	}

	next := len(l.Targets[t+1])
	if l.Config.SoftFeedback {
		probs := firstRows(l.feedback(logits), logits.Rows(), next)
		inputs := []anydiff.Res{probs, s.Packed}
		return anydiff.Add(loss, pool(inputs, func(p []anydiff.Res) anydiff.Res {
			newState, newLogits, newAttn := l.Cell.StepSoft(s.withPacked(p[1]), p[0], next)
			return l.Run(t+1, newState, newLogits, newAttn)
		}))
	}

	ids := l.Targets[t][:next]
	if l.usePrediction() {
		ids = logits.Argmax(next)
	}
	return anydiff.Add(loss, pool1(s.Packed, func(p anydiff.Res) anydiff.Res {
		newState, newLogits, newAttn := l.Cell.StepIDs(s.withPacked(p), ids)
		return l.Run(t+1, newState, newLogits, newAttn)
	}))
}

func (l *lossRunner) stepLoss(t int, logits Logits) anydiff.Res {
	targets := l.Targets[t]
	if !l.Config.PerSentence {
		return scaleRes(logits.Loss(targets, false), float64(len(targets)))
	}
	selected := logits.Loss(targets, true)
	if len(targets) < l.Batch {
		c := selected.Output().Creator()
		padding := anydiff.NewConst(c.MakeVector(l.Batch - len(targets)))
		selected = anydiff.Concat(selected, padding)
	}
	return selected
}

func (l *lossRunner) usePrediction() bool {
	p := l.Config.UsePreviousPrediction
	if p <= 0 {
		return false
	}
	var x float64
	if l.Config.Rand != nil {
		x = l.Config.Rand.Float64()
	} else {
		x = rand.Float64()
	}
	return x < p
}

// feedback computes the distribution fed to the next step.
func (l *lossRunner) feedback(logits Logits) anydiff.Res {
	logProbs := logits.LogProbs()
	c := logProbs.Output().Creator()
	if l.Config.Gumbel {
		noise := make([]float64, logProbs.Output().Len())
		for i := range noise {
			noise[i] = l.Gumbel.Rand()
		}
		logProbs = anydiff.Add(logProbs, constVec(c, noise))
	}
	if temp := l.Config.Temperature; temp != 0 && temp != 1 {
		logProbs = scaleRes(logProbs, 1/temp)
	}
	if !l.Config.Gumbel && (l.Config.Temperature == 0 || l.Config.Temperature == 1) {
		return anydiff.Exp(logProbs)
	}
	return anydiff.Exp(anydiff.LogSoftmax(logProbs, logits.Classes()))
}
