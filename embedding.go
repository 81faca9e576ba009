package rnnsearch

import (
	"math/rand/v2"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
	"gonum.org/v1/gonum/stat/distuv"
)

func init() {
	var e Embedding
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEmbedding)
}

// An Embedding maps token ids to learned vectors.
type Embedding struct {
	Weights *anydiff.Var
	Rows    int
	Dim     int
}

// DeserializeEmbedding deserializes an Embedding.
func DeserializeEmbedding(d []byte) (*Embedding, error) {
	var weights *anyvecsave.S
	var rows, dim serializer.Int
	if err := serializer.DeserializeAny(d, &weights, &rows, &dim); err != nil {
		return nil, essentials.AddCtx("deserialize Embedding", err)
	}
	if weights.Vector.Len() != int(rows)*int(dim) {
		return nil, essentials.AddCtx("deserialize Embedding", ErrConfig)
	}
	return &Embedding{
		Weights: anydiff.NewVar(weights.Vector),
		Rows:    int(rows),
		Dim:     int(dim),
	}, nil
}

// NewEmbedding creates an Embedding with normally
// distributed weights.
func NewEmbedding(c anyvec.Creator, rows, dim int) *Embedding {
	w := c.MakeVector(rows * dim)
	anyvec.Rand(w, anyvec.Normal, nil)
	return &Embedding{Weights: anydiff.NewVar(w), Rows: rows, Dim: dim}
}

// Lookup embeds a batch of ids as a row-major matrix.
func (e *Embedding) Lookup(ids []int) anydiff.Res {
	for _, id := range ids {
		if id < 0 || id >= e.Rows {
			panic("token id out of range")
		}
	}
	return gatherRows(e.Weights, e.Dim, ids)
}

// Mix embeds a batch of distributions over the first
// len(probs)/n rows by averaging those rows.
func (e *Embedding) Mix(probs anydiff.Res, n int) anydiff.Res {
	classes := probs.Output().Len() / n
	if classes > e.Rows {
		panic("distribution larger than the embedding table")
	}
	table := anydiff.Slice(e.Weights, 0, classes*e.Dim)
	return matMul(probs, n, classes, table, e.Dim)
}

func (e *Embedding) Parameters() []*anydiff.Var {
	return []*anydiff.Var{e.Weights}
}

// SerializerType returns the unique ID used to serialize
// an Embedding with the serializer package.
func (e *Embedding) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.Embedding"
}

// Serialize serializes the Embedding.
func (e *Embedding) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: e.Weights.Vector},
		serializer.Int(e.Rows),
		serializer.Int(e.Dim),
	)
}

// dropout zeroes entries with probability rate and scales
// the rest to preserve expectations.
func dropout(in anydiff.Res, rate float64, rng *rand.Rand) anydiff.Res {
	if rate <= 0 {
		return in
	}
	var src rand.Source
	if rng != nil {
		src = rng
	}
	u := distuv.Uniform{Min: 0, Max: 1, Src: src}
	mask := make([]float64, in.Output().Len())
	for i := range mask {
		if u.Rand() >= rate {
			mask[i] = 1 / (1 - rate)
		}
	}
	return anydiff.Mul(in, constVec(in.Output().Creator(), mask))
}

// multiplicativeNoise scales every entry by an independent
// sample from N(1, 1).
func multiplicativeNoise(in anydiff.Res, rng *rand.Rand) anydiff.Res {
	var src rand.Source
	if rng != nil {
		src = rng
	}
	dist := distuv.Normal{Mu: 1, Sigma: 1, Src: src}
	noise := make([]float64, in.Output().Len())
	for i := range noise {
		noise[i] = dist.Rand()
	}
	return anydiff.Mul(in, constVec(in.Output().Creator(), noise))
}
