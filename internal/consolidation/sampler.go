package consolidation

import (
	"math"
	"math/rand"
)

// Sampler pulls a randomized subset of VMs from non-target nodes into the
// candidate queue, diversifying the search beyond the target's own VMs.
//
// The randomness source is injected so a fixed seed replays the exact same
// sample sequence; node and VM iteration order is sorted to keep the draw
// deterministic.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler using the given randomness source.
func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{rng: rng}
}

// Sample selects round(ratio * |VMs|) VMs uniformly without replacement from
// every non-target, non-empty node.
func (s *Sampler) Sample(m *Model, targetNodeID string, ratio float64) []string {
	var sampled []string
	for _, nodeID := range m.NodeIDs() {
		if nodeID == targetNodeID || m.IsEmpty(nodeID) {
			continue
		}

		vmIDs := m.VMsOn(nodeID)
		k := int(math.Round(ratio * float64(len(vmIDs))))
		if k <= 0 {
			continue
		}
		if k > len(vmIDs) {
			k = len(vmIDs)
		}

		// Partial Fisher-Yates: the first k positions end up holding a
		// uniform sample without replacement.
		for i := 0; i < k; i++ {
			j := i + s.rng.Intn(len(vmIDs)-i)
			vmIDs[i], vmIDs[j] = vmIDs[j], vmIDs[i]
		}
		sampled = append(sampled, vmIDs[:k]...)
	}
	return sampled
}
