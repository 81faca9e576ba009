// Command nmt-train trains an attention-based translation
// model on a dataset produced by nmt-make-data.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch"
	"github.com/unixpickle/rnnsearch/batch"
	"github.com/unixpickle/rnnsearch/dataset"
)

type trainFlags struct {
	DataPrefix string
	ModelPath  string

	Steps       int
	MBSize      int
	SortPool    int
	LearnRate   float64
	SampleEvery int
	SaveEvery   int
	SampleSteps int
	Seed        uint64

	ReverseSrc      bool
	NoiseOnPrevWord bool
	UsePrevious     float64
	SoftFeedback    bool
	Gumbel          bool
	Temperature     float64

	Model rnnsearch.ModelConfig
}

func main() {
	godotenv.Load()

	var f trainFlags
	flag.StringVar(&f.DataPrefix, "data", os.Getenv("NMT_SAVE_PREFIX"),
		"prefix of the files produced by nmt-make-data")
	flag.StringVar(&f.ModelPath, "model", os.Getenv("NMT_MODEL"), "model file to load and save")
	flag.IntVar(&f.Steps, "steps", 10000, "number of training steps")
	flag.IntVar(&f.MBSize, "mb_size", 64, "minibatch size")
	flag.IntVar(&f.SortPool, "nb_batch_to_sort", 20, "minibatches sorted together by length")
	flag.Float64Var(&f.LearnRate, "lr", 1e-3, "Adam step size")
	flag.IntVar(&f.SampleEvery, "sample_every", 200, "steps between sample translations")
	flag.IntVar(&f.SaveEvery, "save_every", 1000, "steps between saves")
	flag.Uint64Var(&f.Seed, "seed", 1, "random seed")
	flag.BoolVar(&f.ReverseSrc, "reverse_src", false, "reverse source sentences")
	flag.BoolVar(&f.NoiseOnPrevWord, "noise_on_prev_word", false,
		"multiply previous embeddings by Gaussian noise")
	flag.Float64Var(&f.UsePrevious, "use_previous_prediction", 0,
		"probability of feeding the greedy prediction instead of the target")
	flag.BoolVar(&f.SoftFeedback, "soft_feedback", false, "feed back predicted distributions")
	flag.BoolVar(&f.Gumbel, "gumbel", false, "add Gumbel noise to fed back distributions")
	flag.Float64Var(&f.Temperature, "temperature", 1, "temperature of fed back distributions")
	flag.IntVar(&f.SampleSteps, "sample_steps", 50, "maximum length of sample translations")

	flag.IntVar(&f.Model.SrcEmb, "ei", 620, "source embedding size")
	flag.IntVar(&f.Model.TgtEmb, "eo", 620, "target embedding size")
	flag.IntVar(&f.Model.EncHidden, "hi", 1000, "encoder hidden size")
	flag.IntVar(&f.Model.DecHidden, "ho", 1000, "decoder hidden size")
	flag.IntVar(&f.Model.AttnHidden, "ha", 1000, "attention hidden size")
	flag.IntVar(&f.Model.MaxoutHidden, "hl", 500, "maxout hidden size")
	flag.StringVar(&f.Model.CellType, "cell_type", "gru", "recurrent cell: gru or lstm")
	flag.IntVar(&f.Model.NumLayers, "nb_layers", 1, "number of decoder layers")
	flag.BoolVar(&f.Model.GotoAttention, "goto_attention", false,
		"condition attention on the previous word")
	flag.BoolVar(&f.Model.Pointer, "pointer", false, "enable the copy mechanism")
	flag.Float64Var(&f.Model.EncDropout, "dropout", 0, "dropout on source embeddings")
	flag.Parse()

	if f.DataPrefix == "" || f.ModelPath == "" {
		essentials.Die("Required flags: -data, -model")
	}

	srcProc, tgtProc, err := dataset.LoadVoc(f.DataPrefix + dataset.VocSuffix)
	if err != nil {
		essentials.Die(err)
	}
	data, err := dataset.LoadData(f.DataPrefix + dataset.DataSuffix)
	if err != nil {
		essentials.Die(err)
	}
	log.Printf("loaded %d training examples", len(data.Train))

	eos := tgtProc.Len()
	f.Model.SrcVocab = srcProc.Len()
	f.Model.TgtVocab = eos + 1

	c := anyvec64.DefaultCreator{}
	model, err := loadOrCreate(c, f.ModelPath, f.Model)
	if err != nil {
		essentials.Die(err)
	}

	rng := rand.New(rand.NewPCG(f.Seed, f.Seed+1))
	provider, err := batch.NewProvider(data.Train, batch.ProviderConfig{
		MBSize:        f.MBSize,
		NumForSorting: f.SortPool,
		Loop:          true,
		ReverseSrc:    f.ReverseSrc,
		EOS:           eos,
		Rand:          rng,
	})
	if err != nil {
		essentials.Die(err)
	}

	lossCfg := rnnsearch.LossConfig{
		UsePreviousPrediction: f.UsePrevious,
		SoftFeedback:          f.SoftFeedback,
		Gumbel:                f.Gumbel,
		Temperature:           f.Temperature,
		Rand:                  rng,
	}
	cellCfg := rnnsearch.CellConfig{NoiseOnPrevWord: f.NoiseOnPrevWord, Rand: rng}
	model.Encoder.Rand = rng

	samples := data.Dev
	if len(samples) == 0 {
		samples = data.Train
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	adam := &anysgd.Adam{DecayRate1: 0.9, DecayRate2: 0.999, Damping: 1e-8}
	var step int
	stream := provider.Stream(ctx)
	for mb := range stream {
		res, err := model.Loss(mb, rnnsearch.Train, lossCfg, cellCfg)
		if err != nil {
			essentials.Die(err)
		}
		mean := res.Mean()
		grad := anydiff.NewGrad(model.Parameters()...)
		mean.Propagate(c.MakeVectorData(c.MakeNumericList([]float64{1})), grad)
		grad = adam.Transform(grad)
		grad.Scale(c.MakeNumeric(-f.LearnRate))
		grad.AddToVars()

		log.Printf("step %d: loss=%f tokens=%d", step, anyvec.Sum(mean.Output()), res.Count)
		step++

		if f.SampleEvery > 0 && step%f.SampleEvery == 0 {
			ex := samples[rng.IntN(len(samples))]
			translate(model, srcProc, tgtProc, ex, f.SampleSteps)
		}
		if (f.SaveEvery > 0 && step%f.SaveEvery == 0) || step == f.Steps {
			log.Printf("saving model to %s", f.ModelPath)
			if err := model.SaveParameters(f.ModelPath); err != nil {
				essentials.Die(err)
			}
		}
		if step == f.Steps {
			break
		}
	}
	interrupted := ctx.Err() != nil
	cancel()
	for range stream {
	}
	if err := provider.Err(); err != nil {
		essentials.Die(err)
	}
	if interrupted {
		log.Printf("interrupted; saving model to %s", f.ModelPath)
		if err := model.SaveParameters(f.ModelPath); err != nil {
			essentials.Die(err)
		}
	}
}

func loadOrCreate(c anyvec.Creator, path string, cfg rnnsearch.ModelConfig) (*rnnsearch.Model,
	error) {
	if _, err := os.Stat(path); err == nil {
		log.Printf("loading model from %s", path)
		return rnnsearch.LoadModel(path)
	}
	log.Printf("creating model")
	return rnnsearch.NewModel(c, cfg)
}

func translate(model *rnnsearch.Model, srcProc, tgtProc *dataset.Processor, ex dataset.Pair,
	steps int) {
	if len(ex.Src) == 0 {
		return
	}
	src := batch.MakeSrc([][]int{ex.Src}, 0)
	res, err := model.Translate(src, rnnsearch.SampleConfig{
		Steps:         steps,
		MBSize:        1,
		Best:          true,
		KeepAttention: true,
	})
	if err != nil {
		essentials.Die(err)
	}
	eos := tgtProc.Len()
	var words []string
	for _, id := range batch.DeBatch(res.Steps, nil, eos)[0] {
		switch {
		case id == eos:
		case id > eos:
			// Copied from the source.
			words = append(words, srcProc.Indexer.Word(ex.Src[id-eos-1]))
		default:
			words = append(words, tgtProc.Indexer.Word(id))
		}
	}
	log.Printf("src: %s", strings.Join(srcProc.Indexer.Deconvert(ex.Src), " "))
	log.Printf("ref: %s", strings.Join(tgtProc.Indexer.Deconvert(ex.Tgt), " "))
	log.Printf("hyp: %s", strings.Join(words, " "))

	var align []string
	for _, pos := range res.Attention.Alignment(0) {
		align = append(align, strconv.Itoa(pos))
	}
	log.Printf("alignment: %s", strings.Join(align, " "))
}
