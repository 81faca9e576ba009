package dataset

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"

	"github.com/unixpickle/essentials"
)

// File suffixes appended to a save prefix.
const (
	ConfigSuffix = ".data.config"
	VocSuffix    = ".voc"
	DataSuffix   = ".data.json.gz"
)

// MarshalJSON encodes the pair as [src, tgt].
func (p Pair) MarshalJSON() ([]byte, error) {
	src, tgt := p.Src, p.Tgt
	if src == nil {
		src = []int{}
	}
	if tgt == nil {
		tgt = []int{}
	}
	return json.Marshal([2][]int{src, tgt})
}

// UnmarshalJSON decodes a pair encoded as [src, tgt].
func (p *Pair) UnmarshalJSON(d []byte) error {
	var raw [2][]int
	if err := json.Unmarshal(d, &raw); err != nil {
		return err
	}
	p.Src, p.Tgt = raw[0], raw[1]
	return nil
}

// Data stores the splits of an indexed corpus.
// Test and Dev are nil when absent.
type Data struct {
	Train []Pair `json:"train"`
	Test  []Pair `json:"test,omitempty"`
	Dev   []Pair `json:"dev,omitempty"`
}

// SaveData writes the data as gzipped JSON.
func SaveData(path string, data *Data) (err error) {
	defer essentials.AddCtxTo("save data", &err)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return writeGzipJSON(f, data)
}

// writeGzipJSON encodes v into w and closes w.
// A failed close is reported, since it may lose buffered
// data.
func writeGzipJSON(w io.WriteCloser, v interface{}) (err error) {
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return err
	}
	return zw.Close()
}

// LoadData reads data written by SaveData.
func LoadData(path string) (data *Data, err error) {
	defer essentials.AddCtxTo("load data", &err)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data = &Data{}
	if err := json.NewDecoder(r).Decode(data); err != nil {
		return nil, err
	}
	return data, nil
}

// SaveVoc writes the source and target processors as a
// JSON pair.
func SaveVoc(path string, src, tgt *Processor) (err error) {
	defer essentials.AddCtxTo("save voc", &err)
	data, err := json.MarshalIndent([]*Processor{src, tgt}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadVoc reads processors written by SaveVoc.
func LoadVoc(path string) (src, tgt *Processor, err error) {
	defer essentials.AddCtxTo("load voc", &err)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var pair [2]*Processor
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, nil, err
	}
	if pair[0] == nil || pair[1] == nil {
		return nil, nil, essentials.AddCtx("decode pair", os.ErrInvalid)
	}
	return pair[0], pair[1], nil
}

// MakeDataConfig records the options used to produce a
// dataset.
type MakeDataConfig struct {
	SrcFn      string `json:"src_fn"`
	TgtFn      string `json:"tgt_fn"`
	SavePrefix string `json:"save_prefix"`

	SrcVocSize int `json:"src_voc_size"`
	TgtVocSize int `json:"tgt_voc_size"`
	MaxNbEx    int `json:"max_nb_ex"`

	TestSrc string `json:"test_src,omitempty"`
	TestTgt string `json:"test_tgt,omitempty"`
	DevSrc  string `json:"dev_src,omitempty"`
	DevTgt  string `json:"dev_tgt,omitempty"`
	UseVoc  string `json:"use_voc,omitempty"`

	SrcSegmentation string `json:"src_segmentation_type"`
	TgtSegmentation string `json:"tgt_segmentation_type"`
}

// Save writes the config as indented JSON.
func (m *MakeDataConfig) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return essentials.AddCtx("save config", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return essentials.AddCtx("save config", err)
	}
	return nil
}

// LoadMakeDataConfig reads a config written by Save.
func LoadMakeDataConfig(path string) (*MakeDataConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	var res MakeDataConfig
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	return &res, nil
}

// ExistingOutputs lists the output files for a save
// prefix which already exist and would be overwritten.
func ExistingOutputs(prefix string) []string {
	var res []string
	for _, suffix := range []string{ConfigSuffix, VocSuffix, DataSuffix} {
		if _, err := os.Stat(prefix + suffix); err == nil {
			res = append(res, prefix+suffix)
		}
	}
	return res
}
