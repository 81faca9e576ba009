// Command nmt-make-data builds vocabularies and indexed
// datasets from a parallel corpus.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/dataset"
	"github.com/unixpickle/rnnsearch/vocab"
)

func main() {
	// A .env file is optional; it only supplies defaults.
	godotenv.Load()

	var cfg dataset.MakeDataConfig
	var force bool
	flag.StringVar(&cfg.SrcFn, "src", os.Getenv("NMT_SRC"), "source side of the training corpus")
	flag.StringVar(&cfg.TgtFn, "tgt", os.Getenv("NMT_TGT"), "target side of the training corpus")
	flag.StringVar(&cfg.SavePrefix, "save_prefix", os.Getenv("NMT_SAVE_PREFIX"),
		"prefix for the output files")
	flag.IntVar(&cfg.SrcVocSize, "src_voc_size", 100000, "source vocabulary limit (0 for none)")
	flag.IntVar(&cfg.TgtVocSize, "tgt_voc_size", 100000, "target vocabulary limit (0 for none)")
	flag.IntVar(&cfg.MaxNbEx, "max_nb_ex", 0, "maximum number of training examples (0 for all)")
	flag.StringVar(&cfg.TestSrc, "test_src", "", "source side of a test set")
	flag.StringVar(&cfg.TestTgt, "test_tgt", "", "target side of a test set")
	flag.StringVar(&cfg.DevSrc, "dev_src", "", "source side of a dev set")
	flag.StringVar(&cfg.DevTgt, "dev_tgt", "", "target side of a dev set")
	flag.StringVar(&cfg.UseVoc, "use_voc", "", "existing .voc file to use instead of building one")
	flag.StringVar(&cfg.SrcSegmentation, "src_segmentation_type", "word",
		"source segmentation: word, char, or word2char")
	flag.StringVar(&cfg.TgtSegmentation, "tgt_segmentation_type", "word",
		"target segmentation: word, char, or word2char")
	flag.BoolVar(&force, "force", false, "overwrite existing outputs without asking")
	flag.Parse()

	if cfg.SrcFn == "" || cfg.TgtFn == "" || cfg.SavePrefix == "" {
		essentials.Die("Required flags: -src, -tgt, -save_prefix")
	}

	if existing := dataset.ExistingOutputs(cfg.SavePrefix); len(existing) > 0 && !force {
		fmt.Fprintln(os.Stderr, "Warning: existing files are going to be replaced:", existing)
		fmt.Fprintln(os.Stderr, "Press Enter to Continue")
		bufio.NewReader(os.Stdin).ReadString('\n')
	}

	if err := cfg.Save(cfg.SavePrefix + dataset.ConfigSuffix); err != nil {
		essentials.Die(err)
	}

	srcCfg, tgtCfg, err := sideConfigs(&cfg)
	if err != nil {
		essentials.Die(err)
	}

	var srcProc, tgtProc *dataset.Processor
	if cfg.UseVoc != "" {
		log.Printf("loading vocabulary from %s", cfg.UseVoc)
		srcProc, tgtProc, err = dataset.LoadVoc(cfg.UseVoc)
		if err != nil {
			essentials.Die(err)
		}
	}

	var data dataset.Data
	var stats *dataset.Stats
	data.Train, stats, err = dataset.BuildDataset(cfg.SrcFn, cfg.TgtFn, &srcProc, &tgtProc,
		srcCfg, tgtCfg, cfg.MaxNbEx)
	if err != nil {
		essentials.Die(err)
	}
	dataset.LogStats(stats, srcProc, tgtProc)

	if cfg.TestSrc != "" && cfg.TestTgt != "" {
		log.Printf("processing test data")
		data.Test, stats, err = dataset.BuildDataset(cfg.TestSrc, cfg.TestTgt, &srcProc, &tgtProc,
			srcCfg, tgtCfg, 0)
		if err != nil {
			essentials.Die(err)
		}
		dataset.LogStats(stats, srcProc, tgtProc)
	}
	if cfg.DevSrc != "" && cfg.DevTgt != "" {
		log.Printf("processing dev data")
		data.Dev, stats, err = dataset.BuildDataset(cfg.DevSrc, cfg.DevTgt, &srcProc, &tgtProc,
			srcCfg, tgtCfg, 0)
		if err != nil {
			essentials.Die(err)
		}
		dataset.LogStats(stats, srcProc, tgtProc)
	}

	log.Printf("saving vocabulary to %s", cfg.SavePrefix+dataset.VocSuffix)
	if err := dataset.SaveVoc(cfg.SavePrefix+dataset.VocSuffix, srcProc, tgtProc); err != nil {
		essentials.Die(err)
	}
	log.Printf("saving train data to %s", cfg.SavePrefix+dataset.DataSuffix)
	if err := dataset.SaveData(cfg.SavePrefix+dataset.DataSuffix, &data); err != nil {
		essentials.Die(err)
	}
}

func sideConfigs(cfg *dataset.MakeDataConfig) (src, tgt dataset.SideConfig, err error) {
	src.VocLimit = cfg.SrcVocSize
	tgt.VocLimit = cfg.TgtVocSize
	src.Segmentation, err = vocab.ParseSegmentation(cfg.SrcSegmentation)
	if err != nil {
		return
	}
	tgt.Segmentation, err = vocab.ParseSegmentation(cfg.TgtSegmentation)
	return
}
