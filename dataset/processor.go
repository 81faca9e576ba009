// Package dataset builds indexed parallel corpora and
// persists them to disk.
package dataset

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/vocab"
)

// SideStats summarizes the indexing of one side of a
// corpus.
type SideStats struct {
	TotalTokens int
	TotalUnk    int
	NumExamples int
}

// Add accumulates another set of statistics.
func (s *SideStats) Add(other SideStats) {
	s.TotalTokens += other.TotalTokens
	s.TotalUnk += other.TotalUnk
	s.NumExamples += other.NumExamples
}

// UnkPercent returns the percentage of unknown tokens.
// It is zero when no tokens were seen.
func (s SideStats) UnkPercent() float64 {
	if s.TotalTokens == 0 {
		return 0
	}
	return float64(s.TotalUnk*100) / float64(s.TotalTokens)
}

// Stats summarizes the indexing of a parallel corpus.
type Stats struct {
	Src         SideStats
	Tgt         SideStats
	NumExamples int
}

// A Processor converts raw sentences into id sequences
// for one side of a corpus.
type Processor struct {
	Segmentation vocab.Segmentation
	Indexer      *vocab.Indexer
}

// NewProcessor builds a Processor whose vocabulary is
// computed from the lines of a corpus file.
func NewProcessor(path string, cfg vocab.IndexConfig) (proc *Processor, err error) {
	defer essentials.AddCtxTo("new processor", &err)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	idx, err := vocab.BuildIndex(bufio.NewReader(f), cfg)
	if err != nil {
		return nil, err
	}
	return &Processor{Segmentation: cfg.Segmentation, Indexer: idx}, nil
}

// Convert segments and indexes a sentence.
func (p *Processor) Convert(sentence string) ([]int, SideStats) {
	tokens := p.Segmentation.Segment(strings.TrimSpace(sentence))
	ids := p.Indexer.Convert(tokens)
	stats := SideStats{TotalTokens: len(ids), NumExamples: 1}
	for _, id := range ids {
		if p.Indexer.IsUnk(id) {
			stats.TotalUnk++
		}
	}
	return ids, stats
}

// Len returns the number of ids the Processor produces,
// including the unknown id.
func (p *Processor) Len() int {
	return p.Indexer.Len()
}

// MarshalJSON encodes the Processor as its Indexer's JSON
// with an added "segmentation" field.
func (p *Processor) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(p.Indexer)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	obj["segmentation"], _ = json.Marshal(p.Segmentation.String())
	return json.Marshal(obj)
}

// UnmarshalJSON decodes a Processor.
// A missing segmentation field means word segmentation.
func (p *Processor) UnmarshalJSON(d []byte) error {
	var obj struct {
		Segmentation string `json:"segmentation"`
	}
	if err := json.Unmarshal(d, &obj); err != nil {
		return essentials.AddCtx("unmarshal processor", err)
	}
	p.Segmentation = vocab.Word
	if obj.Segmentation != "" {
		seg, err := vocab.ParseSegmentation(obj.Segmentation)
		if err != nil {
			return essentials.AddCtx("unmarshal processor", err)
		}
		p.Segmentation = seg
	}
	p.Indexer = vocab.NewIndexer()
	return json.Unmarshal(d, p.Indexer)
}
