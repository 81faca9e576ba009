package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/vocab"
)

// ErrCorpusMismatch is returned when the two sides of a
// parallel corpus have different numbers of lines.
var ErrCorpusMismatch = errors.New("source and target have different line counts")

// ErrEmptySource is returned when a source line produces
// no tokens, since an empty source cannot be encoded.
var ErrEmptySource = errors.New("empty source sentence")

// A Pair is an indexed (source, target) example.
type Pair struct {
	Src []int
	Tgt []int
}

// IndexCorpus reads a parallel corpus line by line and
// converts every line pair.
//
// If maxExamples is positive, at most that many pairs are
// read.
func IndexCorpus(src, tgt io.Reader, srcProc, tgtProc *Processor,
	maxExamples int) (pairs []Pair, stats *Stats, err error) {
	defer essentials.AddCtxTo("index corpus", &err)

	srcLines := newLineReader(src)
	tgtLines := newLineReader(tgt)
	stats = &Stats{}
	for maxExamples <= 0 || stats.NumExamples < maxExamples {
		srcLine, srcOk := srcLines.Next()
		tgtLine, tgtOk := tgtLines.Next()
		if srcOk != tgtOk {
			return nil, nil, ErrCorpusMismatch
		} else if !srcOk {
			break
		}
		srcSeq, srcStats := srcProc.Convert(srcLine)
		if len(srcSeq) == 0 {
			return nil, nil, fmt.Errorf("line %d: %w", stats.NumExamples+1, ErrEmptySource)
		}
		tgtSeq, tgtStats := tgtProc.Convert(tgtLine)
		stats.Src.Add(srcStats)
		stats.Tgt.Add(tgtStats)
		stats.NumExamples++
		pairs = append(pairs, Pair{Src: srcSeq, Tgt: tgtSeq})
	}
	if err := srcLines.Err(); err != nil {
		return nil, nil, err
	}
	if err := tgtLines.Err(); err != nil {
		return nil, nil, err
	}
	return pairs, stats, nil
}

// SideConfig describes how to build a Processor for one
// side of a corpus when no vocabulary is supplied.
type SideConfig struct {
	VocLimit     int
	Segmentation vocab.Segmentation
}

// BuildDataset indexes a parallel corpus stored in two
// files.
//
// If *srcProc or *tgtProc is nil, a Processor is built
// from the corresponding file (restricted to maxExamples
// lines) and stored back through the pointer, so that
// later calls reuse the same vocabulary.
func BuildDataset(srcPath, tgtPath string, srcProc, tgtProc **Processor,
	srcCfg, tgtCfg SideConfig, maxExamples int) (pairs []Pair, stats *Stats, err error) {
	defer essentials.AddCtxTo("build dataset", &err)

	if *srcProc == nil {
		log.Printf("building source vocabulary from %s", srcPath)
		*srcProc, err = NewProcessor(srcPath, vocab.IndexConfig{
			VocLimit:     srcCfg.VocLimit,
			MaxExamples:  maxExamples,
			Segmentation: srcCfg.Segmentation,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if *tgtProc == nil {
		log.Printf("building target vocabulary from %s", tgtPath)
		*tgtProc, err = NewProcessor(tgtPath, vocab.IndexConfig{
			VocLimit:     tgtCfg.VocLimit,
			MaxExamples:  maxExamples,
			Segmentation: tgtCfg.Segmentation,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return nil, nil, err
	}
	defer srcFile.Close()
	tgtFile, err := os.Open(tgtPath)
	if err != nil {
		return nil, nil, err
	}
	defer tgtFile.Close()

	log.Printf("start indexing")
	return IndexCorpus(srcFile, tgtFile, *srcProc, *tgtProc, maxExamples)
}

// IndexOneSide converts a monolingual corpus, one
// sentence per line.
func IndexOneSide(r io.Reader, proc *Processor, maxExamples int) ([][]int, SideStats, error) {
	var res [][]int
	var stats SideStats
	lines := newLineReader(r)
	for maxExamples <= 0 || stats.NumExamples < maxExamples {
		line, ok := lines.Next()
		if !ok {
			break
		}
		seq, s := proc.Convert(line)
		stats.Add(s)
		res = append(res, seq)
	}
	if err := lines.Err(); err != nil {
		return nil, stats, essentials.AddCtx("index one side", err)
	}
	return res, stats, nil
}

// IndexNBest converts an n-best list, i.e. a list of
// candidate sentences for every input.
// Every candidate counts as one example in the stats.
func IndexNBest(proc *Processor, nbest [][]string) ([][][]int, SideStats) {
	var stats SideStats
	res := make([][][]int, len(nbest))
	for i, candidates := range nbest {
		res[i] = make([][]int, len(candidates))
		for j, sentence := range candidates {
			seq, s := proc.Convert(sentence)
			stats.Add(s)
			res[i][j] = seq
		}
	}
	return res, stats
}

// LogStats logs the summary produced while indexing a
// parallel corpus.
func LogStats(stats *Stats, srcProc, tgtProc *Processor) {
	log.Printf("%d sentences loaded", stats.NumExamples)
	log.Printf("size dic src: %d", srcProc.Len())
	log.Printf("size dic tgt: %d", tgtProc.Len())
	log.Printf("#tokens src: %d   of which %d (%f%%) are unknown", stats.Src.TotalTokens,
		stats.Src.TotalUnk, stats.Src.UnkPercent())
	log.Printf("#tokens tgt: %d   of which %d (%f%%) are unknown", stats.Tgt.TotalTokens,
		stats.Tgt.TotalUnk, stats.Tgt.UnkPercent())
}

type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(r io.Reader) *lineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 1<<16), 1<<24)
	return &lineReader{scanner: s}
}

func (l *lineReader) Next() (string, bool) {
	if !l.scanner.Scan() {
		return "", false
	}
	return l.scanner.Text(), true
}

func (l *lineReader) Err() error {
	return l.scanner.Err()
}
