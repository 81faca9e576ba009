package batch

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rnnsearch/dataset"
)

var (
	// ErrConfig is returned for invalid provider options.
	ErrConfig = errors.New("invalid minibatch provider configuration")

	// ErrEmpty is returned when there is no data to batch.
	ErrEmpty = errors.New("no examples to batch")
)

// A Looper produces groups of examples.
//
// Next returns io.EOF once there are no more groups.
type Looper interface {
	Next() ([]dataset.Pair, error)
}

// RandomLooper samples groups of examples uniformly with
// replacement, forever.
type RandomLooper struct {
	Data []dataset.Pair
	Size int

	// Rand is used for sampling.
	// If nil, the global generator is used.
	Rand *rand.Rand
}

// Next samples the next group.
func (r *RandomLooper) Next() ([]dataset.Pair, error) {
	res := make([]dataset.Pair, r.Size)
	for i := range res {
		if r.Rand != nil {
			res[i] = r.Data[r.Rand.IntN(len(r.Data))]
		} else {
			res[i] = r.Data[rand.IntN(len(r.Data))]
		}
	}
	return res, nil
}

// SequentialLooper produces consecutive groups of
// examples.
//
// When Loop is set, groups wrap around the end of the data
// and never stop.
// Otherwise, the last group may be smaller than Size and
// is followed by io.EOF.
type SequentialLooper struct {
	Data []dataset.Pair
	Size int
	Loop bool

	start     int
	exhausted bool
}

// Next produces the next group.
func (s *SequentialLooper) Next() ([]dataset.Pair, error) {
	if s.exhausted || len(s.Data) == 0 {
		return nil, io.EOF
	}
	var res []dataset.Pair
	for len(res) < s.Size {
		end := essentials.MinInt(len(s.Data), s.start+s.Size-len(res))
		res = append(res, s.Data[s.start:end]...)
		s.start = end
		if s.start >= len(s.Data) {
			s.start = 0
			if !s.Loop {
				s.exhausted = true
				break
			}
		}
	}
	return res, nil
}

// SortKey extracts the value examples are sorted by.
type SortKey func(p dataset.Pair) int

// TargetLength is the default SortKey.
func TargetLength(p dataset.Pair) int {
	return len(p.Tgt)
}

// SortAndSplit sorts a copy of the examples by increasing
// key and splits them into groups of the given size.
// The last group may be smaller.
func SortAndSplit(pairs []dataset.Pair, size int, key SortKey) [][]dataset.Pair {
	if key == nil {
		key = TargetLength
	}
	sorted := append([]dataset.Pair{}, pairs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return key(sorted[i]) < key(sorted[j])
	})
	var res [][]dataset.Pair
	for i := 0; i < len(sorted); i += size {
		res = append(res, sorted[i:essentials.MinInt(len(sorted), i+size)])
	}
	return res
}

// Reverse returns copies of the examples with their source
// and/or target sides reversed.
// If neither side is reversed, pairs is returned as-is.
func Reverse(pairs []dataset.Pair, src, tgt bool) []dataset.Pair {
	if !src && !tgt {
		return pairs
	}
	res := make([]dataset.Pair, len(pairs))
	for i, p := range pairs {
		res[i] = p
		if src {
			res[i].Src = reversed(p.Src)
		}
		if tgt {
			res[i].Tgt = reversed(p.Tgt)
		}
	}
	return res
}

func reversed(seq []int) []int {
	res := make([]int, len(seq))
	for i, x := range seq {
		res[len(seq)-(i+1)] = x
	}
	return res
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	MBSize int

	// NumForSorting is the number of minibatches fetched
	// at once and sorted together, so that each minibatch
	// contains examples of similar lengths.
	//
	// A value of -1 sorts the whole dataset once and goes
	// through it a single time.
	// This is incompatible with Loop and Randomized.
	NumForSorting int

	Loop       bool
	Randomized bool

	// SortKey defaults to TargetLength.
	SortKey SortKey

	ReverseSrc bool
	ReverseTgt bool

	EOS int
	Pad int

	Rand *rand.Rand
}

// A Provider produces Minibatches from a dataset.
type Provider struct {
	cfg     ProviderConfig
	looper  Looper
	pending [][]dataset.Pair

	errLock sync.Mutex
	err     error
}

// NewProvider creates a Provider for the dataset.
func NewProvider(data []dataset.Pair, cfg ProviderConfig) (*Provider, error) {
	if len(data) == 0 {
		return nil, essentials.AddCtx("new provider", ErrEmpty)
	}
	if cfg.MBSize <= 0 {
		return nil, essentials.AddCtx("new provider: minibatch size", ErrConfig)
	}
	if cfg.SortKey == nil {
		cfg.SortKey = TargetLength
	}
	res := &Provider{cfg: cfg}
	if cfg.NumForSorting == -1 {
		if cfg.Loop || cfg.Randomized {
			return nil, essentials.AddCtx("new provider: sorting the whole dataset "+
				"requires a single, ordered pass", ErrConfig)
		}
		res.pending = SortAndSplit(data, cfg.MBSize, cfg.SortKey)
		return res, nil
	} else if cfg.NumForSorting <= 0 {
		return nil, essentials.AddCtx("new provider: number of minibatches for sorting",
			ErrConfig)
	}
	required := cfg.NumForSorting * cfg.MBSize
	if cfg.Randomized {
		res.looper = &RandomLooper{Data: data, Size: required, Rand: cfg.Rand}
	} else {
		res.looper = &SequentialLooper{Data: data, Size: required, Loop: cfg.Loop}
	}
	return res, nil
}

// Next produces the next Minibatch, or io.EOF if the data
// is exhausted.
func (p *Provider) Next() (*Minibatch, error) {
	for len(p.pending) == 0 {
		if p.looper == nil {
			return nil, io.EOF
		}
		group, err := p.looper.Next()
		if err != nil {
			return nil, err
		}
		p.pending = SortAndSplit(group, p.cfg.MBSize, p.cfg.SortKey)
	}
	raw := p.pending[0]
	p.pending = p.pending[1:]
	raw = Reverse(raw, p.cfg.ReverseSrc, p.cfg.ReverseTgt)
	return MakeSrcTgt(raw, p.cfg.EOS, p.cfg.Pad, false), nil
}

// Stream produces Minibatches on a channel.
//
// The channel is closed when the data is exhausted, when
// Next fails (see Err), or when ctx is done.
// The Provider must not be used in any other way while
// the stream is active.
func (p *Provider) Stream(ctx context.Context) <-chan *Minibatch {
	res := make(chan *Minibatch, 1)
	go func() {
		defer close(res)
		for {
			mb, err := p.Next()
			if err != nil {
				if err != io.EOF {
					p.errLock.Lock()
					p.err = err
					p.errLock.Unlock()
				}
				return
			}
			select {
			case res <- mb:
			case <-ctx.Done():
				return
			}
		}
	}()
	return res
}

// Err returns the error which ended Stream, other than
// io.EOF.
// It is only final once the stream is closed.
func (p *Provider) Err() error {
	p.errLock.Lock()
	defer p.errLock.Unlock()
	return p.err
}
