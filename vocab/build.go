package vocab

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/unixpickle/essentials"
)

// IndexConfig controls how BuildIndex selects tokens.
type IndexConfig struct {
	// VocLimit is the maximum number of tokens to keep.
	// Zero or a negative value keeps every token.
	VocLimit int

	// MaxExamples is the maximum number of lines to read.
	// Zero or a negative value reads every line.
	MaxExamples int

	Segmentation Segmentation
}

// BuildIndex reads lines from r, counts token frequencies,
// and returns a finalized Indexer containing the most
// frequent tokens.
//
// Tokens are ranked by descending frequency, and tokens
// with equal counts keep the order in which they were
// first encountered.
func BuildIndex(r io.Reader, cfg IndexConfig) (*Indexer, error) {
	counter := newTokenCounter()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for numLines := 0; cfg.MaxExamples <= 0 || numLines < cfg.MaxExamples; numLines++ {
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		counter.AddAll(cfg.Segmentation.Segment(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, essentials.AddCtx("build index", err)
	}
	return counter.Indexer(cfg.VocLimit)
}

// BuildIndexString is like BuildIndex, but reads from a
// string.
func BuildIndexString(text string, cfg IndexConfig) (*Indexer, error) {
	return BuildIndex(strings.NewReader(text), cfg)
}

type tokenCounter struct {
	counts map[string]int
	order  []string
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{counts: map[string]int{}}
}

func (t *tokenCounter) AddAll(tokens []string) {
	for _, tok := range tokens {
		if _, ok := t.counts[tok]; !ok {
			t.order = append(t.order, tok)
		}
		t.counts[tok]++
	}
}

func (t *tokenCounter) Indexer(limit int) (*Indexer, error) {
	ranked := append([]string{}, t.order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return t.counts[ranked[i]] > t.counts[ranked[j]]
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	res := NewIndexer()
	for _, tok := range ranked {
		if err := res.Add(tok); err != nil {
			return nil, err
		}
	}
	res.Finalize()
	return res, nil
}
