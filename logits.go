package rnnsearch

import (
	"math"
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// LogitsKind identifies the concrete type of a Logits.
type LogitsKind int

const (
	SimpleKind LogitsKind = iota
	PointerKind
)

func (k LogitsKind) String() string {
	if k == PointerKind {
		return "pointer"
	}
	return "simple"
}

// Logits is the output distribution of one decoder step
// for a batch of rows.
//
// Class ids index the full output distribution.
// For PointerLogits, this includes the pointer positions
// after the vocabulary.
type Logits interface {
	Kind() LogitsKind
	Rows() int
	Classes() int

	// LogProbs returns the normalized log-probabilities as
	// a row-major matrix.
	LogProbs() anydiff.Res

	// Loss computes the loss against one target per row.
	//
	// If perSentence is set, the result has one entry per
	// row containing the log-probability of the target.
	// Otherwise, the result is the mean cross-entropy.
	Loss(targets []int, perSentence bool) anydiff.Res

	// Argmax returns the most likely class for each of the
	// first n rows.
	Argmax(n int) []int

	// Sample draws a class for every row.
	// If rng is nil, the global generator is used.
	Sample(rng *rand.Rand) []int

	// LogProb looks up the log-probability of a class for
	// every row.
	LogProb(ids []int) []float64
}

// SimpleLogits are unnormalized vocabulary scores.
type SimpleLogits struct {
	Res  anydiff.Res
	N    int
	Size int

	logProbs anydiff.Res
	host     []float64
}

// NewSimpleLogits wraps an n-row score matrix.
func NewSimpleLogits(res anydiff.Res, n int) *SimpleLogits {
	return &SimpleLogits{Res: res, N: n, Size: res.Output().Len() / n}
}

func (s *SimpleLogits) Kind() LogitsKind {
	return SimpleKind
}

func (s *SimpleLogits) Rows() int {
	return s.N
}

func (s *SimpleLogits) Classes() int {
	return s.Size
}

func (s *SimpleLogits) LogProbs() anydiff.Res {
	if s.logProbs == nil {
		s.logProbs = anydiff.LogSoftmax(s.Res, s.Size)
	}
	return s.logProbs
}

func (s *SimpleLogits) Loss(targets []int, perSentence bool) anydiff.Res {
	return rowLoss(s, targets, perSentence)
}

func (s *SimpleLogits) Argmax(n int) []int {
	return hostArgmax(s.hostLogProbs(), s.Size, n)
}

func (s *SimpleLogits) Sample(rng *rand.Rand) []int {
	return hostSample(s.hostLogProbs(), s.Size, rng)
}

func (s *SimpleLogits) LogProb(ids []int) []float64 {
	return hostLookup(s.hostLogProbs(), s.Size, ids)
}

func (s *SimpleLogits) hostLogProbs() []float64 {
	if s.host == nil {
		s.host = vecFloats(s.LogProbs().Output())
	}
	return s.host
}

// PointerLogits pair vocabulary scores with scores over
// source positions.
//
// The vocabulary head has one class per word plus a final
// "is-pointer" sentinel class.
// With V words, class V+k of the full distribution means
// "copy source position k", and its probability is
// P(sentinel) * P(position k).
type PointerLogits struct {
	Vocab   anydiff.Res
	Pointer anydiff.Res
	N       int

	// Words is the number of vocabulary classes, not
	// counting the sentinel.
	Words     int
	Positions int

	logProbs anydiff.Res
	host     []float64
}

// NewPointerLogits wraps an n-row vocabulary matrix
// (including the sentinel column) and an n-row pointer
// score matrix.
func NewPointerLogits(vocab, pointer anydiff.Res, n int) *PointerLogits {
	return &PointerLogits{
		Vocab:     vocab,
		Pointer:   pointer,
		N:         n,
		Words:     vocab.Output().Len()/n - 1,
		Positions: pointer.Output().Len() / n,
	}
}

func (p *PointerLogits) Kind() LogitsKind {
	return PointerKind
}

func (p *PointerLogits) Rows() int {
	return p.N
}

func (p *PointerLogits) Classes() int {
	return p.Words + p.Positions
}

func (p *PointerLogits) LogProbs() anydiff.Res {
	if p.logProbs != nil {
		return p.logProbs
	}
	vocab := anydiff.LogSoftmax(p.Vocab, p.Words+1)
	pointer := anydiff.LogSoftmax(p.Pointer, p.Positions)

	words := make([]int, 0, p.N*p.Words)
	sentinel := make([]int, 0, p.N*p.Positions)
	for row := 0; row < p.N; row++ {
		for j := 0; j < p.Words; j++ {
			words = append(words, row*(p.Words+1)+j)
		}
		for j := 0; j < p.Positions; j++ {
			sentinel = append(sentinel, row*(p.Words+1)+p.Words)
		}
	}
	copies := anydiff.Add(mapTable(vocab, sentinel), pointer)
	p.logProbs = concatCols(p.N, mapTable(vocab, words), copies)
	return p.logProbs
}

func (p *PointerLogits) Loss(targets []int, perSentence bool) anydiff.Res {
	return rowLoss(p, targets, perSentence)
}

func (p *PointerLogits) Argmax(n int) []int {
	return hostArgmax(p.hostLogProbs(), p.Classes(), n)
}

func (p *PointerLogits) Sample(rng *rand.Rand) []int {
	return hostSample(p.hostLogProbs(), p.Classes(), rng)
}

func (p *PointerLogits) LogProb(ids []int) []float64 {
	return hostLookup(p.hostLogProbs(), p.Classes(), ids)
}

func (p *PointerLogits) hostLogProbs() []float64 {
	if p.host == nil {
		p.host = vecFloats(p.LogProbs().Output())
	}
	return p.host
}

// rowLoss selects the log-probability of every target.
// The mean cross-entropy is the negated mean of these
// values; for pointer logits this is the vocabulary
// cross-entropy against capped targets plus the pointer
// cross-entropy over the rows which copy.
func rowLoss(l Logits, targets []int, perSentence bool) anydiff.Res {
	if len(targets) != l.Rows() {
		panic("target count does not match the number of rows")
	}
	selected := selectEntries(l.LogProbs(), l.Classes(), targets)
	if perSentence {
		return selected
	}
	return scaleRes(anydiff.Sum(selected), -1/float64(len(targets)))
}

func hostArgmax(logProbs []float64, classes, n int) []int {
	if n*classes > len(logProbs) {
		panic("not enough rows")
	}
	res := make([]int, n)
	for i := range res {
		res[i] = floats.MaxIdx(logProbs[i*classes : (i+1)*classes])
	}
	return res
}

func hostSample(logProbs []float64, classes int, rng *rand.Rand) []int {
	var src rand.Source
	if rng != nil {
		src = rng
	}
	n := len(logProbs) / classes
	res := make([]int, n)
	for i := range res {
		probs := make([]float64, classes)
		for j, x := range logProbs[i*classes : (i+1)*classes] {
			probs[j] = math.Exp(x)
		}
		res[i] = int(distuv.NewCategorical(probs, src).Rand())
	}
	return res
}

func hostLookup(logProbs []float64, classes int, ids []int) []float64 {
	res := make([]float64, len(ids))
	for i, id := range ids {
		if id < 0 || id >= classes {
			panic("class out of range")
		}
		res[i] = logProbs[i*classes+id]
	}
	return res
}

// Combine merges the logits of several models for the same
// step into one set of log-space scores.
//
// By default, log-probabilities are averaged.
// If probSpace is set, probabilities are averaged instead.
// The result is a constant; it does not back-propagate.
func Combine(list []Logits, probSpace bool) (Logits, error) {
	if len(list) == 0 {
		return nil, essentials.AddCtx("combine logits: empty list", ErrConfig)
	}
	first := list[0]
	for _, l := range list[1:] {
		if l.Kind() != first.Kind() || l.Rows() != first.Rows() ||
			l.Classes() != first.Classes() {
			return nil, essentials.AddCtx("combine logits", ErrHeterogeneousLogits)
		}
	}

	combined := make([]float64, first.Rows()*first.Classes())
	for _, l := range list {
		for i, x := range vecFloats(l.LogProbs().Output()) {
			if probSpace && len(list) > 1 {
				combined[i] += math.Exp(x)
			} else {
				combined[i] += x
			}
		}
	}
	scale := 1 / float64(len(list))
	for i, x := range combined {
		if probSpace && len(list) > 1 {
			combined[i] = math.Log(x * scale)
		} else {
			combined[i] = x * scale
		}
	}
	c := first.LogProbs().Output().Creator()
	return &CombinedLogits{
		Scores: constVec(c, combined),
		N:      first.Rows(),
		Size:   first.Classes(),
		kind:   first.Kind(),
		host:   combined,
	}, nil
}

// CombinedLogits hold the merged log-space scores of an
// ensemble.
//
// LogProbs returns the scores unchanged.
// After averaging in log space they are not normalized,
// so LogProb reports the mean of the models'
// log-probabilities.
type CombinedLogits struct {
	Scores anydiff.Res
	N      int
	Size   int

	kind LogitsKind
	host []float64
}

// Kind returns the kind of the combined logits.
func (c *CombinedLogits) Kind() LogitsKind {
	return c.kind
}

func (c *CombinedLogits) Rows() int {
	return c.N
}

func (c *CombinedLogits) Classes() int {
	return c.Size
}

func (c *CombinedLogits) LogProbs() anydiff.Res {
	return c.Scores
}

func (c *CombinedLogits) Loss(targets []int, perSentence bool) anydiff.Res {
	return rowLoss(c, targets, perSentence)
}

func (c *CombinedLogits) Argmax(n int) []int {
	return hostArgmax(c.host, c.Size, n)
}

// Sample draws classes with probabilities proportional to
// the exponentiated scores.
func (c *CombinedLogits) Sample(rng *rand.Rand) []int {
	return hostSample(c.host, c.Size, rng)
}

func (c *CombinedLogits) LogProb(ids []int) []float64 {
	return hostLookup(c.host, c.Size, ids)
}
