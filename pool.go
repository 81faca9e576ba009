package rnnsearch

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

type poolRes struct {
	In       []anydiff.Res
	Res      anydiff.Res
	UsedVars anydiff.VarSet

	PoolVars []*anydiff.Var
}

// pool wraps every input in a variable and passes the
// variables to f, so that the result of f propagates only
// once through each input.
//
// Recurrent computations pool their state at every
// timestep.
// Without pooling, a state consumed by several operations
// would be back-propagated once per consumer, and the cost
// would grow exponentially with the number of timesteps.
func pool(in []anydiff.Res, f func(pooled []anydiff.Res) anydiff.Res) anydiff.Res {
	res := &poolRes{In: in}
	pooled := make([]anydiff.Res, len(in))
	for i, x := range in {
		v := anydiff.NewVar(x.Output())
		res.PoolVars = append(res.PoolVars, v)
		pooled[i] = v
	}
	res.Res = f(pooled)

	// Keep our set of variables correct when f ignores
	// its input entirely.
	indepOfInput := true
	for _, v := range res.PoolVars {
		if res.Res.Vars().Has(v) {
			indepOfInput = false
			break
		}
	}
	if indepOfInput {
		return res.Res
	}

	varSets := []anydiff.VarSet{res.Res.Vars()}
	for _, x := range in {
		varSets = append(varSets, x.Vars())
	}
	res.UsedVars = anydiff.MergeVarSets(varSets...)
	for _, v := range res.PoolVars {
		res.UsedVars.Del(v)
	}

	return res
}

// pool1 is pool for a single input.
func pool1(in anydiff.Res, f func(pooled anydiff.Res) anydiff.Res) anydiff.Res {
	return pool([]anydiff.Res{in}, func(p []anydiff.Res) anydiff.Res {
		return f(p[0])
	})
}

func (p *poolRes) Vars() anydiff.VarSet {
	return p.UsedVars
}

func (p *poolRes) Output() anyvec.Vector {
	return p.Res.Output()
}

func (p *poolRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	for _, v := range p.PoolVars {
		g[v] = v.Vector.Creator().MakeVector(v.Vector.Len())
	}

	p.Res.Propagate(u, g)

	upstream := make([]anyvec.Vector, len(p.PoolVars))
	for i, v := range p.PoolVars {
		upstream[i] = g[v]
		delete(g, v)
	}
	for i, x := range p.In {
		if needsGrad(g, x) {
			x.Propagate(upstream[i], g)
		}
	}
}

func needsGrad(g anydiff.Grad, r anydiff.Res) bool {
	for v := range r.Vars() {
		if _, ok := g[v]; ok {
			return true
		}
	}
	return false
}
