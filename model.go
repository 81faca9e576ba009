package rnnsearch

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/batch"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
	var c ModelConfig
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeModelConfig)
}

// ModelConfig describes the shape of a Model.
type ModelConfig struct {
	SrcVocab int
	TgtVocab int

	SrcEmb       int
	TgtEmb       int
	EncHidden    int
	DecHidden    int
	AttnHidden   int
	MaxoutHidden int

	// CellType is "gru" or "lstm".
	CellType  string
	NumLayers int

	GotoAttention bool
	Pointer       bool

	EncDropout float64
}

// A Model is an attention-based encoder-decoder.
type Model struct {
	Config  ModelConfig
	Encoder *Encoder
	Decoder *Decoder
}

// NewModel creates a randomly initialized model.
func NewModel(c anyvec.Creator, cfg ModelConfig) (model *Model, err error) {
	defer essentials.AddCtxTo("new model", &err)
	if cfg.SrcVocab <= 0 || cfg.SrcEmb <= 0 || cfg.EncHidden <= 0 {
		return nil, essentials.AddCtx("encoder sizes must be positive", ErrConfig)
	}
	if cfg.EncDropout < 0 || cfg.EncDropout >= 1 {
		return nil, essentials.AddCtx("dropout must be in [0, 1)", ErrConfig)
	}
	forward, err := NewUnit(c, cfg.CellType, cfg.SrcEmb, cfg.EncHidden, 1)
	if err != nil {
		return nil, err
	}
	backward, err := NewUnit(c, cfg.CellType, cfg.SrcEmb, cfg.EncHidden, 1)
	if err != nil {
		return nil, err
	}
	enc := &Encoder{
		Emb:      NewEmbedding(c, cfg.SrcVocab, cfg.SrcEmb),
		Forward:  forward,
		Backward: backward,
		Dropout:  cfg.EncDropout,
	}
	dec, err := NewDecoder(c, DecoderConfig{
		Words:         cfg.TgtVocab,
		EmbSize:       cfg.TgtEmb,
		Hidden:        cfg.DecHidden,
		AttnHidden:    cfg.AttnHidden,
		MaxoutHidden:  cfg.MaxoutHidden,
		EncWidth:      enc.Width(),
		CellType:      cfg.CellType,
		NumLayers:     cfg.NumLayers,
		GotoAttention: cfg.GotoAttention,
		Pointer:       cfg.Pointer,
	})
	if err != nil {
		return nil, err
	}
	return &Model{Config: cfg, Encoder: enc, Decoder: dec}, nil
}

// Parameters returns every trainable variable in a fixed
// order.
func (m *Model) Parameters() []*anydiff.Var {
	return append(m.Encoder.Parameters(), m.Decoder.Parameters()...)
}

// Loss computes the loss of a minibatch.
//
// The Mode of cellCfg is overridden by mode, which also
// controls encoder dropout.
func (m *Model) Loss(mb *batch.Minibatch, mode Mode, lossCfg LossConfig,
	cellCfg CellConfig) (res *LossResult, err error) {
	defer essentials.AddCtxTo("model loss", &err)
	cellCfg.Mode = mode
	var innerErr error
	total := m.Encoder.Apply(mb.Src, mode, func(enc anydiff.Res) anydiff.Res {
		cell, err := m.Decoder.NewCell(enc, mb.Src, cellCfg)
		if err != nil {
			innerErr = err
			return anydiff.NewConst(enc.Output().Creator().MakeVector(1))
		}
		res, err = ComputeLoss(cell, mb.Tgt, lossCfg)
		if err != nil {
			innerErr = err
			return anydiff.NewConst(enc.Output().Creator().MakeVector(1))
		}
		return res.Sum
	})
	if innerErr != nil {
		return nil, innerErr
	}
	res.Sum = total
	return res, nil
}

// Translate generates target sequences for a source batch
// without tracking gradients.
//
// If src holds a single sentence and cfg.MBSize is larger
// than one, the encoding is shared by every generated row.
// If cfg.MBSize is zero, one row per source is generated.
func (m *Model) Translate(src *batch.Source, cfg SampleConfig) (*SampleResult, error) {
	if cfg.MBSize == 0 {
		cfg.MBSize = src.BatchSize()
	}
	enc := anydiff.NewConst(m.Encoder.Encode(src, Test).Output())
	cell, err := m.Decoder.NewCell(enc, src, CellConfig{
		Mode:  Test,
		Demux: src.BatchSize() == 1 && cfg.MBSize > 1,
	})
	if err != nil {
		return nil, essentials.AddCtx("translate", err)
	}
	res, err := Sample(cell, cfg)
	if err != nil {
		return nil, essentials.AddCtx("translate", err)
	}
	return res, nil
}

// SaveParameters writes the model, including its
// configuration, to a file.
func (m *Model) SaveParameters(path string) error {
	return essentials.AddCtx("save parameters", serializer.SaveAny(path, m))
}

// LoadParameters reads parameters written by
// SaveParameters into m.
//
// The stored configuration must match m.Config.
func (m *Model) LoadParameters(path string) (err error) {
	defer essentials.AddCtxTo("load parameters", &err)
	var saved *Model
	if err := serializer.LoadAny(path, &saved); err != nil {
		return err
	}
	if saved.Config != m.Config {
		return essentials.AddCtx("configuration mismatch", ErrConfig)
	}
	var data [][]float64
	for _, p := range saved.Parameters() {
		data = append(data, vecFloats(p.Vector))
	}
	return m.setParameters(data)
}

// LoadModel reads a model written by SaveParameters.
func LoadModel(path string) (model *Model, err error) {
	if err := serializer.LoadAny(path, &model); err != nil {
		return nil, essentials.AddCtx("load model", err)
	}
	return model, nil
}

func (m *Model) setParameters(data [][]float64) error {
	params := m.Parameters()
	if len(data) != len(params) {
		return fmt.Errorf("%w: expected %d parameters but got %d", ErrConfig, len(params),
			len(data))
	}
	for i, p := range params {
		if len(data[i]) != p.Vector.Len() {
			return fmt.Errorf("%w: parameter %d has size %d (expected %d)", ErrConfig, i,
				len(data[i]), p.Vector.Len())
		}
	}
	for i, p := range params {
		p.Vector.SetData(p.Vector.Creator().MakeNumericList(data[i]))
	}
	return nil
}

// DeserializeModel deserializes a Model.
func DeserializeModel(d []byte) (*Model, error) {
	var cfg *ModelConfig
	var m Model
	if err := serializer.DeserializeAny(d, &cfg, &m.Encoder, &m.Decoder); err != nil {
		return nil, essentials.AddCtx("deserialize Model", err)
	}
	m.Config = *cfg
	m.Encoder.Dropout = cfg.EncDropout
	return &m, nil
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.Model"
}

// Serialize serializes the configuration and every
// component of the model.
func (m *Model) Serialize() ([]byte, error) {
	return serializer.SerializeAny(&m.Config, m.Encoder, m.Decoder)
}

var cellTypes = []string{"gru", "lstm"}

// DeserializeModelConfig deserializes a ModelConfig.
func DeserializeModelConfig(d []byte) (*ModelConfig, error) {
	var ints [12]serializer.Int
	var dropout serializer.Float64
	err := serializer.DeserializeAny(d, &ints[0], &ints[1], &ints[2], &ints[3], &ints[4],
		&ints[5], &ints[6], &ints[7], &ints[8], &ints[9], &ints[10], &ints[11], &dropout)
	if err != nil {
		return nil, essentials.AddCtx("deserialize ModelConfig", err)
	}
	if int(ints[8]) < 0 || int(ints[8]) >= len(cellTypes) {
		return nil, essentials.AddCtx("deserialize ModelConfig: cell type", ErrConfig)
	}
	return &ModelConfig{
		SrcVocab:      int(ints[0]),
		TgtVocab:      int(ints[1]),
		SrcEmb:        int(ints[2]),
		TgtEmb:        int(ints[3]),
		EncHidden:     int(ints[4]),
		DecHidden:     int(ints[5]),
		AttnHidden:    int(ints[6]),
		MaxoutHidden:  int(ints[7]),
		CellType:      cellTypes[int(ints[8])],
		NumLayers:     int(ints[9]),
		GotoAttention: ints[10] == 1,
		Pointer:       ints[11] == 1,
		EncDropout:    float64(dropout),
	}, nil
}

// SerializerType returns the unique ID used to serialize
// a ModelConfig with the serializer package.
func (m *ModelConfig) SerializerType() string {
	return "github.com/unixpickle/rnnsearch.ModelConfig"
}

// Serialize serializes the configuration.
func (m *ModelConfig) Serialize() ([]byte, error) {
	cell := -1
	for i, name := range cellTypes {
		if name == m.CellType {
			cell = i
		}
	}
	if cell < 0 {
		return nil, essentials.AddCtx("serialize ModelConfig: cell type "+m.CellType, ErrConfig)
	}
	flag := func(b bool) serializer.Int {
		if b {
			return 1
		}
		return 0
	}
	return serializer.SerializeAny(
		serializer.Int(m.SrcVocab),
		serializer.Int(m.TgtVocab),
		serializer.Int(m.SrcEmb),
		serializer.Int(m.TgtEmb),
		serializer.Int(m.EncHidden),
		serializer.Int(m.DecHidden),
		serializer.Int(m.AttnHidden),
		serializer.Int(m.MaxoutHidden),
		serializer.Int(cell),
		serializer.Int(m.NumLayers),
		flag(m.GotoAttention),
		flag(m.Pointer),
		serializer.Float64(m.EncDropout),
	)
}
