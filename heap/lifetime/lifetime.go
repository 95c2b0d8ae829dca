// Package lifetime predicts whether an allocation will be short-lived
// or long-lived, so the heap can steer churny spans away from huge
// pages holding long-lived memory.
//
// Requests are keyed by a size signature (length and object-count
// buckets). On deallocation the observed lifetime is fed back into the
// signature's running average and counted as a hit or a miss against
// the configured threshold. The bookkeeping per operation is a map
// lookup and a few arithmetic updates; nothing on the feedback path
// blocks.
//
// Counterfactual mode computes and records everything but the heap
// ignores the classification for placement, which measures predictor
// accuracy with zero behavioral risk.
package lifetime

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/pagekit/hugeheap/heap/pages"
)

// Mode selects how predictions participate in placement.
type Mode int

const (
	// ModeEnabled predicts and steers placement.
	ModeEnabled Mode = iota

	// ModeDisabled returns the strategy's fixed class and records
	// nothing.
	ModeDisabled

	// ModeCounterfactual predicts and records accuracy but never
	// influences placement.
	ModeCounterfactual
)

func (m Mode) String() string {
	switch m {
	case ModeEnabled:
		return "enabled"
	case ModeDisabled:
		return "disabled"
	case ModeCounterfactual:
		return "counterfactual"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Strategy selects what a prediction is based on.
type Strategy int

const (
	// StrategyAlwaysShortLivedRegions treats every request as
	// short-lived.
	StrategyAlwaysShortLivedRegions Strategy = iota

	// StrategyPredictedLifetimeRegions classifies by the signature's
	// observed mean lifetime against the threshold.
	StrategyPredictedLifetimeRegions
)

func (s Strategy) String() string {
	switch s {
	case StrategyAlwaysShortLivedRegions:
		return "always_short_lived"
	case StrategyPredictedLifetimeRegions:
		return "predicted_lifetime"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Class is a predicted allocation duration class.
type Class int

const (
	LongLived Class = iota
	ShortLived
)

func (c Class) String() string {
	if c == ShortLived {
		return "short_lived"
	}
	return "long_lived"
}

// Options fixes a predictor's behavior for the life of an allocator
// instance.
type Options struct {
	Mode     Mode
	Strategy Strategy

	// Threshold is the lifetime below which an allocation counts as
	// short-lived.
	Threshold time.Duration
}

// DefaultOptions returns the predictor configuration used when the
// caller specifies none: prediction off, 500ms threshold.
func DefaultOptions() Options {
	return Options{
		Mode:      ModeDisabled,
		Strategy:  StrategyPredictedLifetimeRegions,
		Threshold: 500 * time.Millisecond,
	}
}

// signature buckets a request by log2 of its length and object count.
type signature struct {
	sizeClass uint8
	objClass  uint8
}

func signatureOf(n pages.Length, objects int) signature {
	return signature{
		sizeClass: uint8(bits.Len64(uint64(n))),
		objClass:  uint8(bits.Len64(uint64(objects))),
	}
}

// siteStats is the running lifetime record for one signature.
type siteStats struct {
	count      uint64
	totalNanos uint64
}

func (s *siteStats) mean() time.Duration {
	if s.count == 0 {
		return 0
	}
	return time.Duration(s.totalNanos / s.count)
}

// prediction is one outstanding classification awaiting feedback.
type prediction struct {
	sig   signature
	class Class
	born  time.Time
}

// Stats is a snapshot of predictor accuracy counters.
type Stats struct {
	Predictions    uint64 `json:"predictions"`
	ShortPredicted uint64 `json:"short_predicted"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Pending        uint64 `json:"pending"`
}

// Predictor classifies requests and learns from observed lifetimes.
// It is not safe for concurrent use; the owning allocator serializes
// access under its lock.
type Predictor struct {
	opts  Options
	sites map[signature]*siteStats
	open  map[pages.PageID]prediction

	predictions    uint64
	shortPredicted uint64
	hits           uint64
	misses         uint64

	now func() time.Time // test hook
}

// New returns a predictor with the given options.
func New(opts Options) *Predictor {
	return &Predictor{
		opts:  opts,
		sites: make(map[signature]*siteStats),
		open:  make(map[pages.PageID]prediction),
		now:   time.Now,
	}
}

// Options returns the configured options.
func (p *Predictor) Options() Options { return p.opts }

// Classify predicts the duration class of a request.
func (p *Predictor) Classify(n pages.Length, objects int) Class {
	if p.opts.Mode == ModeDisabled {
		// Fixed classification per strategy, no recording.
		if p.opts.Strategy == StrategyAlwaysShortLivedRegions {
			return ShortLived
		}
		return LongLived
	}

	if p.opts.Strategy == StrategyAlwaysShortLivedRegions {
		return ShortLived
	}
	s := p.sites[signatureOf(n, objects)]
	if s != nil && s.count > 0 && s.mean() < p.opts.Threshold {
		return ShortLived
	}
	return LongLived
}

// Steers reports whether class may influence placement under the
// configured mode.
func (p *Predictor) Steers() bool { return p.opts.Mode == ModeEnabled }

// RecordAlloc notes an allocation so its lifetime can be observed. The
// span's first page identifies it until RecordFree.
func (p *Predictor) RecordAlloc(first pages.PageID, n pages.Length, objects int, class Class) {
	if p.opts.Mode == ModeDisabled {
		return
	}
	p.predictions++
	if class == ShortLived {
		p.shortPredicted++
	}
	p.open[first] = prediction{
		sig:   signatureOf(n, objects),
		class: class,
		born:  p.now(),
	}
}

// RecordFree feeds the observed lifetime back into the signature's
// record and scores the outstanding prediction.
func (p *Predictor) RecordFree(first pages.PageID) {
	if p.opts.Mode == ModeDisabled {
		return
	}
	pred, ok := p.open[first]
	if !ok {
		return
	}
	delete(p.open, first)

	lived := p.now().Sub(pred.born)
	s := p.sites[pred.sig]
	if s == nil {
		s = &siteStats{}
		p.sites[pred.sig] = s
	}
	s.count++
	s.totalNanos += uint64(lived)

	if (lived < p.opts.Threshold) == (pred.class == ShortLived) {
		p.hits++
	} else {
		p.misses++
	}
}

// Stats returns a snapshot of the accuracy counters.
func (p *Predictor) Stats() Stats {
	return Stats{
		Predictions:    p.predictions,
		ShortPredicted: p.shortPredicted,
		Hits:           p.hits,
		Misses:         p.misses,
		Pending:        uint64(len(p.open)),
	}
}
