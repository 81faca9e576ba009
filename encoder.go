package rnnsearch

import (
	"fmt"
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/batch"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Encoder
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEncoder)
}

// An Encoder produces annotations for every source
// position by running one recurrent block left-to-right
// and another right-to-left.
type Encoder struct {
	Emb      *Embedding
	Forward  anyrnn.Block
	Backward anyrnn.Block

	// Dropout is applied to the source embeddings in Train
	// mode.
	Dropout float64
	Rand    *rand.Rand
}

// DeserializeEncoder deserializes an Encoder.
// Dropout is not stored, so it is disabled.
func DeserializeEncoder(d []byte) (*Encoder, error) {
	var e Encoder
	if err := serializer.DeserializeAny(d, &e.Emb, &e.Forward, &e.Backward); err != nil {
		return nil, essentials.AddCtx("deserialize Encoder", err)
	}
	return &e, nil
}

// SerializerType returns the unique ID used to serialize
// an Encoder with the serializer package.
func (e *Encoder) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.Encoder"
}

// Serialize serializes the embedding and both blocks.
func (e *Encoder) Serialize() ([]byte, error) {
	var blocks [2]serializer.Serializer
	for i, b := range []anyrnn.Block{e.Forward, e.Backward} {
		s, ok := b.(serializer.Serializer)
		if !ok {
			return nil, fmt.Errorf("serialize Encoder: block is not a serializer: %T", b)
		}
		blocks[i] = s
	}
	return serializer.SerializeAny(e.Emb, blocks[0], blocks[1])
}

// Width returns the size of each annotation.
func (e *Encoder) Width() int {
	return outWidth(e.Forward) + outWidth(e.Backward)
}

func outWidth(b anyrnn.Block) int {
	w := stateWidths(b)
	return w[len(w)-1]
}

// Encode is like Apply with an identity function.
func (e *Encoder) Encode(src *batch.Source, mode Mode) anydiff.Res {
	return e.Apply(src, mode, func(enc anydiff.Res) anydiff.Res {
		return enc
	})
}

// Apply encodes the source batch and passes the result to
// f, returning f's result.
//
// The encoding is a row-major (batch, length, width)
// tensor in which each position holds the forward
// annotation followed by the backward one.
// It is pooled, so f may use it any number of times.
//
// In the backward direction, the state of an example is
// reset to the block's initial state at every padded
// position, so padding never leaks into real positions.
func (e *Encoder) Apply(src *batch.Source, mode Mode,
	f func(enc anydiff.Res) anydiff.Res) anydiff.Res {
	if src.Len() == 0 {
		panic("cannot encode empty sources")
	}
	mb := src.BatchSize()
	embedded := make([]anydiff.Res, src.Len())
	for i, ids := range src.Steps {
		embedded[i] = e.Emb.Lookup(ids)
		if mode == Train {
			embedded[i] = dropout(embedded[i], e.Dropout, e.Rand)
		}
	}

	return e.forward(embedded, startState(e.Forward, mb), nil, mb,
		func(forward []anydiff.Res) anydiff.Res {
			initial := startState(e.Backward, mb)
			return e.backward(src, embedded, len(embedded)-1, initial, initial, nil, mb,
				func(backward []anydiff.Res) anydiff.Res {
					return pool1(e.join(forward, backward, mb), f)
				})
		})
}

func (e *Encoder) forward(embedded []anydiff.Res, state anydiff.Res, outs []anydiff.Res,
	mb int, f func(outs []anydiff.Res) anydiff.Res) anydiff.Res {
	t := len(outs)
	if t == len(embedded) {
		return f(outs)
	}
	next := stepBlock(e.Forward, state, embedded[t], mb)
	widths := stateWidths(e.Forward)
	return pool1(next, func(pooled anydiff.Res) anydiff.Res {
		out := packedLayer(pooled, widths, mb, len(widths)-1)
		newOuts := append(append([]anydiff.Res{}, outs...), out)
		return e.forward(embedded, pooled, newOuts, mb, f)
	})
}

// backward collects outputs in reverse order.
func (e *Encoder) backward(src *batch.Source, embedded []anydiff.Res, pos int,
	initial, state anydiff.Res, outs []anydiff.Res, mb int,
	f func(outs []anydiff.Res) anydiff.Res) anydiff.Res {
	if pos < 0 {
		reversed := make([]anydiff.Res, len(outs))
		for i, x := range outs {
			reversed[len(outs)-(i+1)] = x
		}
		return f(reversed)
	}
	next := stepBlock(e.Backward, state, embedded[pos], mb)
	widths := stateWidths(e.Backward)
	if pos >= src.MaskOffset() {
		rowMask := src.Mask[pos-src.MaskOffset()]
		var mask []float64
		for _, w := range widths {
			for row := 0; row < mb; row++ {
				var value float64
				if rowMask[row] {
					value = 1
				}
				for j := 0; j < w; j++ {
					mask = append(mask, value)
				}
			}
		}
		next = selectMask(mask, next, initial)
	}
	return pool1(next, func(pooled anydiff.Res) anydiff.Res {
		out := packedLayer(pooled, widths, mb, len(widths)-1)
		newOuts := append(append([]anydiff.Res{}, outs...), out)
		return e.backward(src, embedded, pos-1, initial, pooled, newOuts, mb, f)
	})
}

// join interleaves the per-position outputs of both
// directions into a (batch, length, width) tensor.
func (e *Encoder) join(forward, backward []anydiff.Res, mb int) anydiff.Res {
	fw := outWidth(e.Forward)
	bw := outWidth(e.Backward)
	length := len(forward)
	backStart := length * mb * fw
	table := make([]int, 0, mb*length*(fw+bw))
	for b := 0; b < mb; b++ {
		for t := 0; t < length; t++ {
			for j := 0; j < fw; j++ {
				table = append(table, t*mb*fw+b*fw+j)
			}
			for j := 0; j < bw; j++ {
				table = append(table, backStart+t*mb*bw+b*bw+j)
			}
		}
	}
	all := append(append([]anydiff.Res{}, forward...), backward...)
	return mapTable(anydiff.Concat(all...), table)
}

func (e *Encoder) Parameters() []*anydiff.Var {
	res := e.Emb.Parameters()
	res = append(res, blockParams(e.Forward)...)
	return append(res, blockParams(e.Backward)...)
}
