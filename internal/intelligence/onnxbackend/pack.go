package onnxbackend

import (
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

const (
	selectAggWidth = nl2sql.NumAggOps + 1
	condOpWidth    = nl2sql.NumCondOps + 1
)

type packedSequences struct {
	tokens   []int64
	segments []int64
	length   int64
}

// packSequences right-pads every row to the longest in the batch.
func packSequences(n int, row func(i int) (tokens, segments []int), padID int) packedSequences {
	maxLen := 1
	for i := 0; i < n; i++ {
		if t, _ := row(i); len(t) > maxLen {
			maxLen = len(t)
		}
	}
	p := packedSequences{
		tokens:   make([]int64, n*maxLen),
		segments: make([]int64, n*maxLen),
		length:   int64(maxLen),
	}
	for i := 0; i < n; i++ {
		t, s := row(i)
		base := i * maxLen
		for j := 0; j < maxLen; j++ {
			p.tokens[base+j] = int64(padID)
			if j < len(t) {
				p.tokens[base+j] = int64(t[j])
			}
			if j < len(s) {
				p.segments[base+j] = int64(s[j])
			}
		}
	}
	return p
}

type packedHeaders struct {
	ids   []int64
	mask  []float32
	width int64
}

// packHeaders pads header indices with 0 and a 0 mask.
func packHeaders(batch []tokenizer.EncodedQuery) packedHeaders {
	width := 1
	for _, q := range batch {
		if q.HeaderLen() > width {
			width = q.HeaderLen()
		}
	}
	p := packedHeaders{
		ids:   make([]int64, len(batch)*width),
		mask:  make([]float32, len(batch)*width),
		width: int64(width),
	}
	for i, q := range batch {
		for j, h := range q.HeaderIndices {
			p.ids[i*width+j] = int64(h)
			p.mask[i*width+j] = 1
		}
	}
	return p
}

// splitStructure slices the flat output tensors per query, dropping padded
// header rows.
func splitStructure(batch []tokenizer.EncodedQuery, width int, conn, sel, cond []float32) []labelcodec.ModelOutput {
	outs := make([]labelcodec.ModelOutput, len(batch))
	for i, q := range batch {
		o := labelcodec.ModelOutput{
			ConnectorProbs: toFloat64(conn[i*3 : i*3+3]),
			SelectAggProbs: make([][]float64, q.HeaderLen()),
			CondOpProbs:    make([][]float64, q.HeaderLen()),
		}
		for j := 0; j < q.HeaderLen(); j++ {
			row := i*width + j
			o.SelectAggProbs[j] = toFloat64(sel[row*selectAggWidth : (row+1)*selectAggWidth])
			o.CondOpProbs[j] = toFloat64(cond[row*condOpWidth : (row+1)*condOpWidth])
		}
		outs[i] = o
	}
	return outs
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}
