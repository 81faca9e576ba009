package rnnsearch

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/batch"
	"github.com/unixpickle/serializer"
)

func init() {
	var s Scorer
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeScorer)
	var a Attention
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeAttention)
}

// maskValue is added to the scores of padded source
// positions.
// It is large enough that their softmax weight is exactly
// zero.
const maskValue = -10000

// A Scorer computes additive (Bahdanau) scores between
// queries and source annotations:
//
//	score(q, k) = Out(tanh(Query(q) + Key(k)))
type Scorer struct {
	Query *anynet.FC
	Key   *anynet.FC
	Out   *anynet.FC
}

// DeserializeScorer deserializes a Scorer.
func DeserializeScorer(d []byte) (*Scorer, error) {
	var s Scorer
	if err := serializer.DeserializeAny(d, &s.Query, &s.Key, &s.Out); err != nil {
		return nil, essentials.AddCtx("deserialize Scorer", err)
	}
	return &s, nil
}

// NewScorer creates a Scorer with random weights.
func NewScorer(c anyvec.Creator, queryWidth, keyWidth, hidden int) *Scorer {
	return &Scorer{
		Query: anynet.NewFC(c, queryWidth, hidden),
		Key:   anynet.NewFC(c, keyWidth, hidden),
		Out:   anynet.NewFC(c, hidden, 1),
	}
}

func (s *Scorer) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, fc := range []*anynet.FC{s.Query, s.Key, s.Out} {
		res = append(res, fc.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Scorer with the serializer package.
func (s *Scorer) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.Scorer"
}

// Serialize serializes the Scorer.
func (s *Scorer) Serialize() ([]byte, error) {
	return serializer.SerializeAny(s.Query, s.Key, s.Out)
}

// sourceLayout describes an encoded source batch.
type sourceLayout struct {
	Batch  int
	Length int
	Width  int

	// Bias holds 0 for real positions and maskValue for
	// padded ones, laid out as (batch, length).
	Bias []float64
}

func newSourceLayout(src *batch.Source, width int) *sourceLayout {
	res := &sourceLayout{
		Batch:  src.BatchSize(),
		Length: src.Len(),
		Width:  width,
		Bias:   make([]float64, src.BatchSize()*src.Len()),
	}
	for b := 0; b < res.Batch; b++ {
		for t := 0; t < res.Length; t++ {
			if !src.Present(t, b) {
				res.Bias[b*res.Length+t] = maskValue
			}
		}
	}
	return res
}

// scoreContext caches the key projections for a source
// batch.
type scoreContext struct {
	Scorer *Scorer
	Layout *sourceLayout
	Keys   anydiff.Res
	Demux  bool
}

func (s *Scorer) prepare(enc anydiff.Res, layout *sourceLayout, demux bool) *scoreContext {
	return &scoreContext{
		Scorer: s,
		Layout: layout,
		Keys:   s.Key.Apply(enc, layout.Batch*layout.Length),
		Demux:  demux,
	}
}

// rowsFor adapts a (batch, ...) tensor to n rows, either
// by taking a prefix or, in demux mode, by repeating the
// single source.
func (s *scoreContext) rowsFor(m anydiff.Res, n int) anydiff.Res {
	if s.Demux {
		return repeatRows(m, n)
	}
	return firstRows(m, s.Layout.Batch, n)
}

// Scores computes masked scores for an n-row batch of
// projected queries, as an n-by-length matrix.
func (s *scoreContext) Scores(query anydiff.Res, n int) anydiff.Res {
	length := s.Layout.Length
	hidden := s.Scorer.Query.OutCount
	table := make([]int, n*length*hidden)
	for i := range table {
		row := i / (length * hidden)
		table[i] = row*hidden + i%hidden
	}
	spread := mapTable(query, table)
	keys := s.rowsFor(s.Keys, n)
	scores := s.Scorer.Out.Apply(anydiff.Tanh(anydiff.Add(keys, spread)), n*length)

	var bias []float64
	if s.Demux {
		for i := 0; i < n; i++ {
			bias = append(bias, s.Layout.Bias...)
		}
	} else {
		bias = s.Layout.Bias[:n*length]
	}
	return anydiff.Add(scores, constVec(scores.Output().Creator(), bias))
}

// Attention computes a context vector from the source
// annotations for every decoder step.
type Attention struct {
	Scorer *Scorer

	// Goto, if non-nil, adds a projection of the previous
	// target embedding to the query.
	Goto *anynet.FC
}

// DeserializeAttention deserializes an Attention.
func DeserializeAttention(d []byte) (res *Attention, err error) {
	defer essentials.AddCtxTo("deserialize Attention", &err)
	parts, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(parts) < 1 || len(parts) > 2 {
		return nil, fmt.Errorf("unexpected part count: %d", len(parts))
	}
	res = &Attention{}
	var ok bool
	if res.Scorer, ok = parts[0].(*Scorer); !ok {
		return nil, fmt.Errorf("unexpected scorer type: %T", parts[0])
	}
	if len(parts) == 2 {
		if res.Goto, ok = parts[1].(*anynet.FC); !ok {
			return nil, fmt.Errorf("unexpected goto type: %T", parts[1])
		}
	}
	return res, nil
}

// NewAttention creates an Attention module.
// If prevEmbWidth is non-zero, "goto" attention is used.
func NewAttention(c anyvec.Creator, stateWidth, encWidth, hidden, prevEmbWidth int) *Attention {
	res := &Attention{Scorer: NewScorer(c, stateWidth, encWidth, hidden)}
	if prevEmbWidth > 0 {
		res.Goto = anynet.NewFC(c, prevEmbWidth, hidden)
	}
	return res
}

func (a *Attention) Parameters() []*anydiff.Var {
	res := a.Scorer.Parameters()
	if a.Goto != nil {
		res = append(res, a.Goto.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Attention with the serializer package.
func (a *Attention) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.Attention"
}

// Serialize serializes the Attention.
// The goto projection is only stored if it is present.
func (a *Attention) Serialize() ([]byte, error) {
	parts := []serializer.Serializer{a.Scorer}
	if a.Goto != nil {
		parts = append(parts, a.Goto)
	}
	return serializer.SerializeSlice(parts)
}

// An AttentionStep computes the context vectors and the
// attention weights for an n-row decoder state.
type AttentionStep func(state, prevEmb anydiff.Res, n int) (ctx, weights anydiff.Res)

// Compute prepares attention over an encoded batch.
//
// In demux mode, enc must contain a single source, which
// is shared by every row the step is called with.
func (a *Attention) Compute(enc anydiff.Res, src *batch.Source, demux bool) AttentionStep {
	width := enc.Output().Len() / (src.BatchSize() * src.Len())
	layout := newSourceLayout(src, width)
	if demux && layout.Batch != 1 {
		panic("demux attention requires a single source")
	}
	scores := a.Scorer.prepare(enc, layout, demux)

	query := func(state, prevEmb anydiff.Res, n int) anydiff.Res {
		return a.Scorer.Query.Apply(state, n)
	}
	if a.Goto != nil {
		query = func(state, prevEmb anydiff.Res, n int) anydiff.Res {
			return anydiff.Add(a.Scorer.Query.Apply(state, n), a.Goto.Apply(prevEmb, n))
		}
	}

	context := func(weights anydiff.Res, n int) anydiff.Res {
		return weightedSum(weights, firstRows(enc, layout.Batch, n), n, layout.Length, width)
	}
	if demux {
		context = func(weights anydiff.Res, n int) anydiff.Res {
			return matMul(weights, n, layout.Length, enc, width)
		}
	}

	return func(state, prevEmb anydiff.Res, n int) (ctx, weights anydiff.Res) {
		logits := scores.Scores(query(state, prevEmb, n), n)
		weights = anydiff.Exp(anydiff.LogSoftmax(logits, layout.Length))
		return context(weights, n), weights
	}
}
