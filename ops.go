package rnnsearch

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Matrices are stored row-major in flat vectors.
// The helpers below rearrange them with anyvec mappers so
// that gradients flow through the rearrangement.

func vecFloats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic("unsupported numeric type")
	}
}

func makeVec(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

func constVec(c anyvec.Creator, data []float64) anydiff.Res {
	return anydiff.NewConst(makeVec(c, data))
}

func filledConst(c anyvec.Creator, size int, value float64) anydiff.Res {
	data := make([]float64, size)
	for i := range data {
		data[i] = value
	}
	return constVec(c, data)
}

func mapTable(in anydiff.Res, table []int) anydiff.Res {
	c := in.Output().Creator()
	return anydiff.Map(c.MakeMapper(in.Output().Len(), table), in)
}

// concatCols joins matrices with n rows side by side.
func concatCols(n int, parts ...anydiff.Res) anydiff.Res {
	if len(parts) == 1 {
		return parts[0]
	}
	widths := make([]int, len(parts))
	offsets := make([]int, len(parts))
	var total, offset int
	for i, p := range parts {
		widths[i] = p.Output().Len() / n
		offsets[i] = offset
		offset += p.Output().Len()
		total += widths[i]
	}
	table := make([]int, 0, n*total)
	for row := 0; row < n; row++ {
		for i, w := range widths {
			start := offsets[i] + row*w
			for j := 0; j < w; j++ {
				table = append(table, start+j)
			}
		}
	}
	return mapTable(anydiff.Concat(parts...), table)
}

// firstRows keeps the first n rows of a matrix.
func firstRows(m anydiff.Res, rows, n int) anydiff.Res {
	if rows == n {
		return m
	}
	width := m.Output().Len() / rows
	return anydiff.Slice(m, 0, n*width)
}

// repeatRows stacks a matrix n times.
func repeatRows(v anydiff.Res, n int) anydiff.Res {
	size := v.Output().Len()
	table := make([]int, n*size)
	for i := range table {
		table[i] = i % size
	}
	return mapTable(v, table)
}

// repeatCols turns an n-by-k matrix into an n-by-(k*w)
// matrix where every entry is repeated w times.
func repeatCols(m anydiff.Res, w int) anydiff.Res {
	size := m.Output().Len()
	table := make([]int, size*w)
	for i := range table {
		table[i] = i / w
	}
	return mapTable(m, table)
}

// gatherRows selects rows of a matrix by index.
func gatherRows(m anydiff.Res, width int, rows []int) anydiff.Res {
	table := make([]int, len(rows)*width)
	for i := range table {
		table[i] = rows[i/width]*width + i%width
	}
	return mapTable(m, table)
}

// selectEntries picks one column per row.
func selectEntries(m anydiff.Res, width int, cols []int) anydiff.Res {
	table := make([]int, len(cols))
	for i, col := range cols {
		if col < 0 || col >= width {
			panic("column out of range")
		}
		table[i] = i*width + col
	}
	return mapTable(m, table)
}

// weightedSum computes, for every row b, the sum over t of
// weights[b, t] * values[b, t, :].
//
// weights is n-by-t and values is n-by-t-by-w.
func weightedSum(weights, values anydiff.Res, n, t, w int) anydiff.Res {
	scaled := anydiff.Mul(repeatCols(weights, w), values)

	// Move the summed axis to the front so it can be
	// reduced with a single product.
	table := make([]int, n*t*w)
	for ti := 0; ti < t; ti++ {
		for b := 0; b < n; b++ {
			for j := 0; j < w; j++ {
				table[ti*n*w+b*w+j] = b*t*w + ti*w + j
			}
		}
	}
	transposed := mapTable(scaled, table)

	c := weights.Output().Creator()
	return anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: filledConst(c, t, 1), Rows: 1, Cols: t},
		&anydiff.Matrix{Data: transposed, Rows: t, Cols: n * w},
	).Data
}

func matMul(a anydiff.Res, aRows, aCols int, b anydiff.Res, bCols int) anydiff.Res {
	return anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: a, Rows: aRows, Cols: aCols},
		&anydiff.Matrix{Data: b, Rows: aCols, Cols: bCols},
	).Data
}

func scaleRes(r anydiff.Res, s float64) anydiff.Res {
	return anydiff.Scale(r, r.Output().Creator().MakeNumeric(s))
}

// selectMask computes m*a + (1-m)*b for a constant 0/1
// mask m.
// Both branches are exact: a*1+0 == a and 0+b*1 == b.
func selectMask(mask []float64, a, b anydiff.Res) anydiff.Res {
	c := a.Output().Creator()
	inverse := make([]float64, len(mask))
	for i, m := range mask {
		inverse[i] = 1 - m
	}
	return anydiff.Add(
		anydiff.Mul(a, constVec(c, mask)),
		anydiff.Mul(b, constVec(c, inverse)),
	)
}

func prefixPresent(n, total int) []bool {
	res := make([]bool, total)
	for i := 0; i < n; i++ {
		res[i] = true
	}
	return res
}
