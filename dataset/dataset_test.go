package dataset

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/unixpickle/rnnsearch/vocab"
)

func testProcessor(t *testing.T, text string) *Processor {
	idx, err := vocab.BuildIndexString(text, vocab.IndexConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return &Processor{Segmentation: vocab.Word, Indexer: idx}
}

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildDataset(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeFile(t, dir, "src.txt", "a b c\na b\n")
	tgtPath := writeFile(t, dir, "tgt.txt", "x y\nx\n")

	var srcProc, tgtProc *Processor
	pairs, stats, err := BuildDataset(srcPath, tgtPath, &srcProc, &tgtProc,
		SideConfig{}, SideConfig{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs but got %d", len(pairs))
	}
	if stats.Src.TotalTokens != 5 || stats.Src.TotalUnk != 0 {
		t.Errorf("unexpected source stats: %+v", stats.Src)
	}
	if stats.Tgt.TotalTokens != 3 || stats.Tgt.TotalUnk != 0 {
		t.Errorf("unexpected target stats: %+v", stats.Tgt)
	}
	expected := []Pair{
		{Src: []int{0, 1, 2}, Tgt: []int{0, 1}},
		{Src: []int{0, 1}, Tgt: []int{0}},
	}
	if !reflect.DeepEqual(pairs, expected) {
		t.Errorf("expected %v but got %v", expected, pairs)
	}
	if srcProc == nil || tgtProc == nil {
		t.Fatal("processors were not stored")
	}

	// Held-out data reuses the vocabulary.
	testSrc := writeFile(t, dir, "test_src.txt", "a z\n")
	testTgt := writeFile(t, dir, "test_tgt.txt", "y\n")
	oldSrc := srcProc
	pairs, stats, err = BuildDataset(testSrc, testTgt, &srcProc, &tgtProc,
		SideConfig{}, SideConfig{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if srcProc != oldSrc {
		t.Error("processor was rebuilt")
	}
	if stats.Src.TotalUnk != 1 || pairs[0].Src[1] != srcProc.Indexer.UnkID() {
		t.Errorf("expected an unknown token: %v %+v", pairs, stats.Src)
	}
}

func TestIndexCorpusMismatch(t *testing.T) {
	proc := testProcessor(t, "a b")
	for _, texts := range [][2]string{{"a\nb\n", "a\n"}, {"a\n", "a\nb\n"}} {
		_, _, err := IndexCorpus(strings.NewReader(texts[0]), strings.NewReader(texts[1]),
			proc, proc, 0)
		if err == nil {
			t.Errorf("expected error for %q", texts)
		} else if !strings.Contains(err.Error(), ErrCorpusMismatch.Error()) {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestIndexCorpusMaxExamples(t *testing.T) {
	proc := testProcessor(t, "a b")
	pairs, stats, err := IndexCorpus(strings.NewReader("a\nb\na b\n"),
		strings.NewReader("b\na\n"), proc, proc, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 || stats.NumExamples != 2 {
		t.Errorf("expected 2 examples but got %d", len(pairs))
	}
}

func TestIndexCorpusEmptyLines(t *testing.T) {
	proc := testProcessor(t, "a b")
	pairs, _, err := IndexCorpus(strings.NewReader("a\n\n"), strings.NewReader("b\n\n"),
		proc, proc, 0)
	if err != nil {
		t.Fatal(err)
	}
	unk := proc.Indexer.UnkID()
	if len(pairs) != 2 || !reflect.DeepEqual(pairs[1], Pair{Src: []int{unk}, Tgt: []int{unk}}) {
		t.Errorf("unexpected pairs: %v", pairs)
	}

	chars := &Processor{Segmentation: vocab.Char, Indexer: proc.Indexer}
	_, _, err = IndexCorpus(strings.NewReader("a\n\n"), strings.NewReader("b\nb\n"),
		chars, proc, 0)
	if err == nil {
		t.Fatal("expected error")
	} else if !errors.Is(err, ErrEmptySource) || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("unexpected error: %v", err)
	}
}

type failingCloser struct {
	bytes.Buffer
}

func (f *failingCloser) Close() error {
	return os.ErrClosed
}

func TestWriteGzipJSONClose(t *testing.T) {
	var w failingCloser
	err := writeGzipJSON(&w, &Data{Train: []Pair{{Src: []int{1}, Tgt: []int{2}}}})
	if !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected close error but got %v", err)
	}
	if w.Len() == 0 {
		t.Error("nothing was written")
	}
}

func TestIndexOneSideAndNBest(t *testing.T) {
	proc := testProcessor(t, "a b b")
	seqs, stats, err := IndexOneSide(strings.NewReader("b a\nq\n"), proc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seqs, [][]int{{0, 1}, {2}}) {
		t.Errorf("unexpected sequences: %v", seqs)
	}
	if stats.TotalTokens != 3 || stats.TotalUnk != 1 || stats.NumExamples != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	nbest, stats := IndexNBest(proc, [][]string{{"a", "b b"}, {"c"}})
	if !reflect.DeepEqual(nbest, [][][]int{{{1}, {0, 0}}, {{2}}}) {
		t.Errorf("unexpected n-best: %v", nbest)
	}
	if stats.NumExamples != 3 || stats.TotalUnk != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "out")
	if existing := ExistingOutputs(prefix); len(existing) != 0 {
		t.Fatalf("unexpected outputs: %v", existing)
	}

	data := &Data{
		Train: []Pair{{Src: []int{1, 2}, Tgt: []int{3}}},
		Dev:   []Pair{{Src: []int{0}, Tgt: []int{}}},
	}
	if err := SaveData(prefix+DataSuffix, data); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadData(prefix + DataSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded.Train, data.Train) || loaded.Test != nil ||
		len(loaded.Dev) != 1 || len(loaded.Dev[0].Tgt) != 0 {
		t.Errorf("unexpected data: %+v", loaded)
	}

	src := testProcessor(t, "a b")
	tgt := &Processor{Segmentation: vocab.Char, Indexer: testProcessor(t, "x").Indexer}
	if err := SaveVoc(prefix+VocSuffix, src, tgt); err != nil {
		t.Fatal(err)
	}
	src1, tgt1, err := LoadVoc(prefix + VocSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if src1.Segmentation != vocab.Word || tgt1.Segmentation != vocab.Char {
		t.Error("segmentation not preserved")
	}
	if src1.Len() != src.Len() || tgt1.Indexer.Word(0) != "x" {
		t.Error("indexer not preserved")
	}

	cfg := &MakeDataConfig{SrcFn: "a", TgtFn: "b", SrcVocSize: 10, SrcSegmentation: "word"}
	if err := cfg.Save(prefix + ConfigSuffix); err != nil {
		t.Fatal(err)
	}
	cfg1, err := LoadMakeDataConfig(prefix + ConfigSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, cfg1) {
		t.Errorf("expected %+v but got %+v", cfg, cfg1)
	}

	if existing := ExistingOutputs(prefix); len(existing) != 3 {
		t.Errorf("expected 3 existing outputs but got %v", existing)
	}
}
