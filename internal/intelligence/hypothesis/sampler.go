package hypothesis

import (
	"math/rand"
	"sync"
	"time"
)

// Sampler selects the hypotheses used for a run.
type Sampler interface {
	Sample(hs []ConditionHypothesis) []ConditionHypothesis
}

// FullSampler keeps every hypothesis. Inference and evaluation use it.
type FullSampler struct{}

// Sample returns hs unchanged.
func (FullSampler) Sample(hs []ConditionHypothesis) []ConditionHypothesis { return hs }

// NegativeSampler keeps all positives and Ratio negatives per positive, drawn
// uniformly without replacement. When fewer negatives exist, all are kept.
// Unknown-labeled hypotheses are dropped. The zero value seeds its rng from
// the clock on first use.
type NegativeSampler struct {
	Ratio int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewNegativeSampler creates a sampler. A nil rng seeds one from the clock.
func NewNegativeSampler(ratio int, rng *rand.Rand) *NegativeSampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if ratio < 0 {
		ratio = 0
	}
	return &NegativeSampler{Ratio: ratio, rng: rng}
}

// Sample returns positives first, then the sampled negatives.
func (s *NegativeSampler) Sample(hs []ConditionHypothesis) []ConditionHypothesis {
	var pos, neg []ConditionHypothesis
	for _, h := range hs {
		switch h.Label {
		case Positive:
			pos = append(pos, h)
		case Negative:
			neg = append(neg, h)
		}
	}

	want := len(pos) * s.Ratio
	if want > len(neg) {
		want = len(neg)
	}
	if want < 0 {
		want = 0
	}

	s.mu.Lock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	idx := s.rng.Perm(len(neg))[:want]
	s.mu.Unlock()

	out := make([]ConditionHypothesis, 0, len(pos)+want)
	out = append(out, pos...)
	for _, i := range idx {
		out = append(out, neg[i])
	}
	return out
}
