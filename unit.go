package rnnsearch

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var g GRU
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGRU)
}

// NewUnit creates a recurrent block made of numLayers
// cells of the given type ("gru" or "lstm").
// Several layers are combined with an anyrnn.Stack.
func NewUnit(c anyvec.Creator, cellType string, in, hidden, numLayers int) (anyrnn.Block, error) {
	if numLayers < 1 {
		return nil, essentials.AddCtx("new unit: layer count", ErrConfig)
	}
	var stack anyrnn.Stack
	for i := 0; i < numLayers; i++ {
		switch cellType {
		case "gru":
			stack = append(stack, NewGRU(c, in, hidden))
		case "lstm":
			stack = append(stack, anyrnn.NewLSTM(c, in, hidden))
		default:
			return nil, essentials.AddCtx("new unit: cell type "+cellType, ErrConfig)
		}
		in = hidden
	}
	if len(stack) == 1 {
		return stack[0], nil
	}
	return stack, nil
}

// gate computes an affine function of an input and a
// hidden state.
type gate struct {
	In     *anynet.FC
	Hidden *anynet.FC
}

func newGate(c anyvec.Creator, in, hidden int) *gate {
	return &gate{In: anynet.NewFC(c, in, hidden), Hidden: anynet.NewFC(c, hidden, hidden)}
}

func (g *gate) Apply(in, hidden anydiff.Res, n int) anydiff.Res {
	return anydiff.Add(g.In.Apply(in, n), g.Hidden.Apply(hidden, n))
}

func (g *gate) Parameters() []*anydiff.Var {
	return append(g.In.Parameters(), g.Hidden.Parameters()...)
}

// GRU is a gated recurrent unit block with a learned
// initial state.
type GRU struct {
	Reset     *gate
	Update    *gate
	Candidate *gate
	Init      *anydiff.Var
}

// DeserializeGRU deserializes a GRU.
func DeserializeGRU(d []byte) (*GRU, error) {
	var resetIn, resetHidden, updateIn, updateHidden, candIn, candHidden *anynet.FC
	var init *anyvecsave.S
	err := serializer.DeserializeAny(d, &resetIn, &resetHidden, &updateIn, &updateHidden,
		&candIn, &candHidden, &init)
	if err != nil {
		return nil, essentials.AddCtx("deserialize GRU", err)
	}
	return &GRU{
		Reset:     &gate{In: resetIn, Hidden: resetHidden},
		Update:    &gate{In: updateIn, Hidden: updateHidden},
		Candidate: &gate{In: candIn, Hidden: candHidden},
		Init:      anydiff.NewVar(init.Vector),
	}, nil
}

// NewGRU creates a GRU with random weights and a zero
// initial state.
func NewGRU(c anyvec.Creator, in, hidden int) *GRU {
	return &GRU{
		Reset:     newGate(c, in, hidden),
		Update:    newGate(c, in, hidden),
		Candidate: newGate(c, in, hidden),
		Init:      anydiff.NewVar(c.MakeVector(hidden)),
	}
}

// Start returns the initial state, repeated n times.
func (g *GRU) Start(n int) anyrnn.State {
	return &anyrnn.FuncBlockState{
		VecState: anyrnn.NewVecState(g.Init.Vector, n),
		V:        anydiff.VarSet{},
	}
}

// PropagateStart back-propagates through the start state.
func (g *GRU) PropagateStart(s anyrnn.StateGrad, grad anydiff.Grad) {
	s.(*anyrnn.FuncBlockState).PropagateStart(g.Init, grad)
}

// Step applies the block for a single timestep.
func (g *GRU) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	block := &anyrnn.FuncBlock{Func: g.apply}
	return block.Step(s, in)
}

func (g *GRU) apply(in, h anydiff.Res, n int) (out, newState anydiff.Res) {
	r := anydiff.Sigmoid(g.Reset.Apply(in, h, n))
	z := anydiff.Sigmoid(g.Update.Apply(in, h, n))
	candidate := anydiff.Tanh(g.Candidate.Apply(in, anydiff.Mul(r, h), n))
	return nil, anydiff.Add(h, anydiff.Mul(z, anydiff.Sub(candidate, h)))
}

// Parameters returns the parameters of the block.
func (g *GRU) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, x := range []*gate{g.Reset, g.Update, g.Candidate} {
		res = append(res, x.Parameters()...)
	}
	return append(res, g.Init)
}

// SerializerType returns the unique ID used to serialize
// a GRU with the serializer package.
func (g *GRU) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.GRU"
}

// Serialize serializes the GRU.
func (g *GRU) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		g.Reset.In, g.Reset.Hidden,
		g.Update.In, g.Update.Hidden,
		g.Candidate.In, g.Candidate.Hidden,
		&anyvecsave.S{Vector: g.Init.Vector},
	)
}

// blockParams returns the parameters of a block.
func blockParams(b anyrnn.Block) []*anydiff.Var {
	if p, ok := b.(anynet.Parameterizer); ok {
		return p.Parameters()
	}
	return nil
}

// stateWidths lists the per-sequence width of every
// vector in the state of b, in packing order.
// The last one is the output of the block.
func stateWidths(b anyrnn.Block) []int {
	switch b := b.(type) {
	case *GRU:
		return []int{b.Init.Vector.Len()}
	case *anyrnn.LSTM:
		h := b.InitLastOut.Vector.Len()
		return []int{h, h}
	case anyrnn.Stack:
		var res []int
		for _, x := range b {
			res = append(res, stateWidths(x)...)
		}
		return res
	}
	panic(fmt.Sprintf("unsupported block: %T", b))
}

// stateVectors flattens a State or StateGrad in packing
// order.
// An LSTM packs its internal state before its output.
func stateVectors(s interface{}) []anyvec.Vector {
	switch s := s.(type) {
	case *anyrnn.FuncBlockState:
		return []anyvec.Vector{s.Vector}
	case *anyrnn.LSTMState:
		return []anyvec.Vector{s.Internal.Vector, s.LastOut.Vector}
	case anyrnn.StackState:
		var res []anyvec.Vector
		for _, x := range s {
			res = append(res, stateVectors(x)...)
		}
		return res
	case anyrnn.StackGrad:
		var res []anyvec.Vector
		for _, x := range s {
			res = append(res, stateVectors(x)...)
		}
		return res
	}
	panic(fmt.Sprintf("unsupported state: %T", s))
}

// unpackState is the inverse of stateVectors.
// It returns the remaining vectors.
//
// If grad is set, a Stack yields an anyrnn.StackGrad
// rather than an anyrnn.StackState.
func unpackState(b anyrnn.Block, vecs []anyvec.Vector, p anyrnn.PresentMap,
	grad bool) (interface{}, []anyvec.Vector) {
	switch b := b.(type) {
	case *GRU:
		return &anyrnn.FuncBlockState{
			VecState: &anyrnn.VecState{Vector: vecs[0], PresentMap: p},
			V:        anydiff.VarSet{},
		}, vecs[1:]
	case *anyrnn.LSTM:
		return &anyrnn.LSTMState{
			Internal: &anyrnn.VecState{Vector: vecs[0], PresentMap: p},
			LastOut:  &anyrnn.VecState{Vector: vecs[1], PresentMap: p},
		}, vecs[2:]
	case anyrnn.Stack:
		if grad {
			res := make(anyrnn.StackGrad, len(b))
			for i, x := range b {
				var sub interface{}
				sub, vecs = unpackState(x, vecs, p, true)
				res[i] = sub.(anyrnn.StateGrad)
			}
			return res, vecs
		}
		res := make(anyrnn.StackState, len(b))
		for i, x := range b {
			var sub interface{}
			sub, vecs = unpackState(x, vecs, p, false)
			res[i] = sub.(anyrnn.State)
		}
		return res, vecs
	}
	panic(fmt.Sprintf("unsupported block: %T", b))
}

// splitPacked slices a packed state vector into one
// vector per state layer.
func splitPacked(v anyvec.Vector, widths []int, n int) []anyvec.Vector {
	res := make([]anyvec.Vector, len(widths))
	var offset int
	for i, w := range widths {
		res[i] = v.Slice(offset, offset+n*w)
		offset += n * w
	}
	return res
}

func allPresent(n int) anyrnn.PresentMap {
	return prefixPresent(n, n)
}

// startRes is the packed start state of a block.
type startRes struct {
	Block  anyrnn.Block
	Widths []int
	N      int
	Out    anyvec.Vector
	V      anydiff.VarSet
}

// startState produces the packed initial state of b for
// n sequences.
func startState(b anyrnn.Block, n int) anydiff.Res {
	state := b.Start(n)
	c := stateVectors(state)[0].Creator()
	return &startRes{
		Block:  b,
		Widths: stateWidths(b),
		N:      n,
		Out:    c.Concat(stateVectors(state)...),
		V:      anydiff.NewVarSet(blockParams(b)...),
	}
}

func (s *startRes) Output() anyvec.Vector {
	return s.Out
}

func (s *startRes) Vars() anydiff.VarSet {
	return s.V
}

func (s *startRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	sg, _ := unpackState(s.Block, splitPacked(u, s.Widths, s.N), allPresent(s.N), true)
	s.Block.PropagateStart(sg.(anyrnn.StateGrad), g)
}

// blockStepRes applies one timestep of a block to a
// packed state, like a single step of BPTT.
type blockStepRes struct {
	In     anydiff.Res
	Prev   anydiff.Res
	Res    anyrnn.Res
	Block  anyrnn.Block
	Widths []int
	N      int
	Out    anyvec.Vector
	V      anydiff.VarSet
}

// stepBlock advances the packed state of n sequences by
// one timestep.
// The result is the packed new state; its last layer is
// the block's output.
func stepBlock(b anyrnn.Block, prev, in anydiff.Res, n int) anydiff.Res {
	widths := stateWidths(b)
	state, _ := unpackState(b, splitPacked(prev.Output(), widths, n), allPresent(n), false)
	res := b.Step(state.(anyrnn.State), in.Output())
	c := in.Output().Creator()
	return &blockStepRes{
		In:     in,
		Prev:   prev,
		Res:    res,
		Block:  b,
		Widths: widths,
		N:      n,
		Out:    c.Concat(stateVectors(res.State())...),
		V:      anydiff.MergeVarSets(res.Vars(), in.Vars(), prev.Vars()),
	}
}

func (b *blockStepRes) Output() anyvec.Vector {
	return b.Out
}

func (b *blockStepRes) Vars() anydiff.VarSet {
	return b.V
}

// Propagate back-propagates through the step.
// The block output is part of the state, so all of the
// upstream gradient arrives through the state.
func (b *blockStepRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	sg, _ := unpackState(b.Block, splitPacked(u, b.Widths, b.N), allPresent(b.N), true)
	outUpstream := c.MakeVector(b.Res.Output().Len())
	inDown, stateDown := b.Res.Propagate(outUpstream, sg.(anyrnn.StateGrad), g)
	if needsGrad(g, b.In) {
		b.In.Propagate(inDown, g)
	}
	if needsGrad(g, b.Prev) {
		b.Prev.Propagate(c.Concat(stateVectors(stateDown)...), g)
	}
}

// packedLayer extracts state layer i of a packed state
// with n rows.
func packedLayer(packed anydiff.Res, widths []int, n, i int) anydiff.Res {
	var offset int
	for _, w := range widths[:i] {
		offset += n * w
	}
	return anydiff.Slice(packed, offset, offset+n*widths[i])
}
