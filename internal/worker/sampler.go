package worker

import (
	"math/rand"
	"sync"
)

// Sampler reports resource utilisation as percentages.
type Sampler interface {
	Sample(busy bool) (cpu, memory float64)
}

// RandomSampler draws synthetic telemetry. Busy workers report 60-98% CPU and
// 40-80% memory, idle ones 2-15% and 10-25%. Replace with real sampling in
// production.
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Sample(busy bool) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if busy {
		return s.uniform(60, 98), s.uniform(40, 80)
	}
	return s.uniform(2, 15), s.uniform(10, 25)
}

func (s *RandomSampler) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// FixedSampler always reports the same reading.
type FixedSampler struct {
	CPU    float64
	Memory float64
}

func (s FixedSampler) Sample(bool) (float64, float64) {
	return s.CPU, s.Memory
}
