package rnnsearch

import (
	"fmt"
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/batch"
	"github.com/unixpickle/serializer"
)

func init() {
	var d Decoder
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDecoder)
}

// DefaultLexEpsilon is the probability floor used when
// blending a lexicon into the logits.
const DefaultLexEpsilon = 1e-3

// DecoderConfig describes the shape of a Decoder.
type DecoderConfig struct {
	// Words is the target vocabulary size.
	Words int

	EmbSize      int
	Hidden       int
	AttnHidden   int
	MaxoutHidden int

	// EncWidth is the width of the source annotations.
	EncWidth int

	CellType  string
	NumLayers int

	GotoAttention bool
	Pointer       bool
}

// A Decoder generates target sequences conditioned on
// encoded sources.
type Decoder struct {
	// Emb has one row per word, plus a row for pointer
	// tokens when Pointer is set.
	Emb *Embedding

	Unit      anyrnn.Block
	Attention *Attention

	// Maxout projects the step features to pairs of units
	// which are reduced by a max.
	Maxout *anynet.FC

	// Out produces the vocabulary scores, with an extra
	// "is-pointer" class when Pointer is set.
	Out *anynet.FC

	Pointer *Scorer
	BOS     *anydiff.Var

	Words int
}

// DeserializeDecoder deserializes a Decoder.
func DeserializeDecoder(d []byte) (res *Decoder, err error) {
	defer essentials.AddCtxTo("deserialize Decoder", &err)
	parts, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(parts) < 6 || len(parts) > 7 {
		return nil, fmt.Errorf("unexpected part count: %d", len(parts))
	}
	res = &Decoder{}
	var bos *anyvecsave.S
	var ok [6]bool
	res.Emb, ok[0] = parts[0].(*Embedding)
	res.Unit, ok[1] = parts[1].(anyrnn.Block)
	res.Attention, ok[2] = parts[2].(*Attention)
	res.Maxout, ok[3] = parts[3].(*anynet.FC)
	res.Out, ok[4] = parts[4].(*anynet.FC)
	bos, ok[5] = parts[5].(*anyvecsave.S)
	for i, x := range ok {
		if !x {
			return nil, fmt.Errorf("unexpected type for part %d: %T", i, parts[i])
		}
	}
	res.BOS = anydiff.NewVar(bos.Vector)
	res.Words = res.Emb.Rows
	if len(parts) == 7 {
		var isScorer bool
		if res.Pointer, isScorer = parts[6].(*Scorer); !isScorer {
			return nil, fmt.Errorf("unexpected pointer type: %T", parts[6])
		}
		res.Words--
	}
	return res, nil
}

// NewDecoder creates a Decoder with random weights.
func NewDecoder(c anyvec.Creator, cfg DecoderConfig) (*Decoder, error) {
	if cfg.Words <= 0 || cfg.EmbSize <= 0 || cfg.Hidden <= 0 || cfg.AttnHidden <= 0 ||
		cfg.MaxoutHidden <= 0 || cfg.EncWidth <= 0 {
		return nil, essentials.AddCtx("new decoder: sizes must be positive", ErrConfig)
	}
	unit, err := NewUnit(c, cfg.CellType, cfg.EmbSize+cfg.EncWidth, cfg.Hidden, cfg.NumLayers)
	if err != nil {
		return nil, essentials.AddCtx("new decoder", err)
	}
	var gotoWidth int
	if cfg.GotoAttention {
		gotoWidth = cfg.EmbSize
	}
	featureWidth := cfg.EmbSize + cfg.EncWidth + cfg.Hidden
	res := &Decoder{
		Unit:      unit,
		Attention: NewAttention(c, cfg.Hidden, cfg.EncWidth, cfg.AttnHidden, gotoWidth),
		Maxout:    anynet.NewFC(c, featureWidth, cfg.MaxoutHidden*2),
		Words:     cfg.Words,
	}
	bos := c.MakeVector(cfg.EmbSize)
	anyvec.Rand(bos, anyvec.Normal, nil)
	res.BOS = anydiff.NewVar(bos)
	if cfg.Pointer {
		res.Emb = NewEmbedding(c, cfg.Words+1, cfg.EmbSize)
		res.Out = anynet.NewFC(c, cfg.MaxoutHidden, cfg.Words+1)
		res.Pointer = NewScorer(c, featureWidth, cfg.EncWidth, cfg.AttnHidden)
	} else {
		res.Emb = NewEmbedding(c, cfg.Words, cfg.EmbSize)
		res.Out = anynet.NewFC(c, cfg.MaxoutHidden, cfg.Words)
	}
	return res, nil
}

func (d *Decoder) Parameters() []*anydiff.Var {
	res := d.Emb.Parameters()
	res = append(res, blockParams(d.Unit)...)
	res = append(res, d.Attention.Parameters()...)
	res = append(res, d.Maxout.Parameters()...)
	res = append(res, d.Out.Parameters()...)
	if d.Pointer != nil {
		res = append(res, d.Pointer.Parameters()...)
	}
	return append(res, d.BOS)
}

// SerializerType returns the unique ID used to serialize
// a Decoder with the serializer package.
func (d *Decoder) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.Decoder"
}

// Serialize serializes the Decoder.
// The pointer scorer is only stored if it is present,
// and the vocabulary size is implied by the embedding.
func (d *Decoder) Serialize() ([]byte, error) {
	unit, ok := d.Unit.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("serialize Decoder: unit is not a serializer: %T", d.Unit)
	}
	parts := []serializer.Serializer{
		d.Emb,
		unit,
		d.Attention,
		d.Maxout,
		d.Out,
		&anyvecsave.S{Vector: d.BOS.Vector},
	}
	if d.Pointer != nil {
		parts = append(parts, d.Pointer)
	}
	return serializer.SerializeSlice(parts)
}

// A Lexicon is a table of translation probabilities,
// stored row-major as (batch, source length, words).
//
// Entry (b, t, w) is the probability that source token t
// of example b translates to target word w.
type Lexicon struct {
	Probs  []float64
	Batch  int
	SrcLen int
	Words  int
}

// CellConfig holds the options of a ConditionalCell.
type CellConfig struct {
	Mode Mode

	// NoiseOnPrevWord multiplies the previous embedding by
	// Gaussian noise with mean and variance 1.
	NoiseOnPrevWord bool

	Lexicon *Lexicon

	// LexEpsilon defaults to DefaultLexEpsilon.
	LexEpsilon float64

	// Demux shares a single encoded source between every
	// row of the decoder batch.
	Demux bool

	// Rand is used for noise.
	// If nil, the global generator is used.
	Rand *rand.Rand
}

// A ConditionalCell advances a decoder one step at a time
// for a fixed batch of encoded sources.
//
// The batch of a cell may shrink from step to step (rows
// are dropped from the end) but never grow.
type ConditionalCell struct {
	dec    *Decoder
	attend AttentionStep

	// batch is the source batch size, or 0 in demux mode.
	batch int

	noise   func(emb anydiff.Res) anydiff.Res
	lexicon func(vocab, attn anydiff.Res, n int) anydiff.Res
	wrap    func(vocab, features anydiff.Res, n int) Logits
}

// NewCell conditions the decoder on an encoded batch.
//
// The encoding should be pooled, e.g. by Encoder.Apply,
// since every step uses it.
func (d *Decoder) NewCell(enc anydiff.Res, src *batch.Source, cfg CellConfig) (*ConditionalCell, error) {
	if cfg.Demux && src.BatchSize() != 1 {
		return nil, essentials.AddCtx("new cell: demux requires a single source", ErrConfig)
	}
	if cfg.Mode != Train && cfg.Mode != Test {
		return nil, essentials.AddCtx("new cell", ErrInvalidMode)
	}
	res := &ConditionalCell{
		dec:    d,
		attend: d.Attention.Compute(enc, src, cfg.Demux),
		noise: func(emb anydiff.Res) anydiff.Res {
			return emb
		},
		lexicon: func(vocab, attn anydiff.Res, n int) anydiff.Res {
			return vocab
		},
		wrap: func(vocab, features anydiff.Res, n int) Logits {
			return NewSimpleLogits(vocab, n)
		},
	}
	if !cfg.Demux {
		res.batch = src.BatchSize()
	}

	if cfg.NoiseOnPrevWord {
		res.noise = func(emb anydiff.Res) anydiff.Res {
			return multiplicativeNoise(emb, cfg.Rand)
		}
	}

	if cfg.Lexicon != nil {
		lexicon, err := d.lexiconBlend(enc, src, cfg)
		if err != nil {
			return nil, essentials.AddCtx("new cell", err)
		}
		res.lexicon = lexicon
	}

	if d.Pointer != nil {
		width := enc.Output().Len() / (src.BatchSize() * src.Len())
		scores := d.Pointer.prepare(enc, newSourceLayout(src, width), cfg.Demux)
		res.wrap = func(vocab, features anydiff.Res, n int) Logits {
			pointer := scores.Scores(d.Pointer.Query.Apply(features, n), n)
			return NewPointerLogits(vocab, pointer, n)
		}
	}

	return res, nil
}

func (d *Decoder) lexiconBlend(enc anydiff.Res, src *batch.Source,
	cfg CellConfig) (func(vocab, attn anydiff.Res, n int) anydiff.Res, error) {
	lex := cfg.Lexicon
	expectedBatch := src.BatchSize()
	if cfg.Demux {
		expectedBatch = 1
	}
	switch {
	case lex.Batch != expectedBatch:
		return nil, fmt.Errorf("%w: batch %d != %d", ErrLexiconShape, lex.Batch, expectedBatch)
	case lex.SrcLen != src.Len():
		return nil, fmt.Errorf("%w: source length %d != %d", ErrLexiconShape, lex.SrcLen,
			src.Len())
	case lex.Words != d.Out.OutCount:
		return nil, fmt.Errorf("%w: vocabulary %d != %d", ErrLexiconShape, lex.Words,
			d.Out.OutCount)
	case len(lex.Probs) != lex.Batch*lex.SrcLen*lex.Words:
		return nil, fmt.Errorf("%w: table has %d entries", ErrLexiconShape, len(lex.Probs))
	}

	eps := cfg.LexEpsilon
	if eps == 0 {
		eps = DefaultLexEpsilon
	}
	c := enc.Output().Creator()
	table := constVec(c, lex.Probs)
	blend := func(vocab, probs anydiff.Res) anydiff.Res {
		floored := anydiff.AddScalar(probs, c.MakeNumeric(eps))
		return anydiff.Add(vocab, anydiff.Log(floored))
	}
	if cfg.Demux {
		return func(vocab, attn anydiff.Res, n int) anydiff.Res {
			return blend(vocab, matMul(attn, n, lex.SrcLen, table, lex.Words))
		}, nil
	}
	return func(vocab, attn anydiff.Res, n int) anydiff.Res {
		values := firstRows(table, lex.Batch, n)
		return blend(vocab, weightedSum(attn, values, n, lex.SrcLen, lex.Words))
	}, nil
}

// Pointer reports whether the cell produces PointerLogits.
func (c *ConditionalCell) Pointer() bool {
	return c.dec.Pointer != nil
}

// Words returns the target vocabulary size.
func (c *ConditionalCell) Words() int {
	return c.dec.Words
}

// BatchSize returns the number of sources, or 0 if the
// cell shares one source between any number of rows.
func (c *ConditionalCell) BatchSize() int {
	return c.batch
}

// InitialLogits starts decoding n sequences by feeding the
// beginning-of-sequence embedding to the initial state.
func (c *ConditionalCell) InitialLogits(n int) (*State, Logits, anydiff.Res) {
	if c.batch != 0 && n > c.batch {
		panic("more rows than encoded sources")
	}
	state := newState(startState(c.dec.Unit, n), stateWidths(c.dec.Unit), n)
	return c.advance(state, repeatRows(c.dec.BOS, n), n)
}

// StepIDs advances the state given the previous token of
// every running sequence.
//
// The state is reduced to len(ids) rows.
// In pointer mode, ids of the vocabulary size and beyond
// denote copied source positions.
func (c *ConditionalCell) StepIDs(s *State, ids []int) (*State, Logits, anydiff.Res) {
	n := len(ids)
	s = s.shrink(n)
	return c.advance(s, c.embedIDs(ids), n)
}

// StepSoft advances the state given a distribution over
// the vocabulary for each of n running sequences.
func (c *ConditionalCell) StepSoft(s *State, probs anydiff.Res, n int) (*State, Logits, anydiff.Res) {
	if c.Pointer() {
		panic("soft inputs are not supported with a pointer mechanism")
	}
	s = s.shrink(n)
	return c.advance(s, c.dec.Emb.Mix(probs, n), n)
}

// StepEmbedded advances the state given pre-computed
// previous-token embeddings.
func (c *ConditionalCell) StepEmbedded(s *State, emb anydiff.Res, n int) (*State, Logits, anydiff.Res) {
	if emb.Output().Len() != n*c.dec.Emb.Dim {
		panic("embedding size mismatch")
	}
	s = s.shrink(n)
	return c.advance(s, emb, n)
}

func (c *ConditionalCell) embedIDs(ids []int) anydiff.Res {
	if c.Pointer() {
		capped := make([]int, len(ids))
		for i, id := range ids {
			capped[i] = essentials.MinInt(id, c.dec.Words)
		}
		ids = capped
	}
	return c.dec.Emb.Lookup(ids)
}

func (c *ConditionalCell) advance(s *State, emb anydiff.Res, n int) (*State, Logits, anydiff.Res) {
	emb = c.noise(emb)
	ctx, attn := c.attend(s.Output(), emb, n)
	input := concatCols(n, emb, ctx)
	newState := s.withPacked(stepBlock(c.dec.Unit, s.Packed, input, n))

	features := concatCols(n, input, newState.Output())
	hidden := maxout(c.dec.Maxout.Apply(features, n), n)
	vocab := c.lexicon(c.dec.Out.Apply(hidden, n), attn, n)
	return newState, c.wrap(vocab, features, n), attn
}

// maxout reduces consecutive pairs of columns to their
// maximum.
func maxout(in anydiff.Res, n int) anydiff.Res {
	values := vecFloats(in.Output())
	table := make([]int, len(values)/2)
	for i := range table {
		if values[2*i] >= values[2*i+1] {
			table[i] = 2 * i
		} else {
			table[i] = 2*i + 1
		}
	}
	return mapTable(in, table)
}
