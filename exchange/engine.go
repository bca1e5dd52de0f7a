package exchange

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"asyncre/replica"
)

// Engine drives one exchange round per scheduler tick: snapshot the waiting
// set under the store lock, extract energies and sample the permutation with
// the lock released, then revalidate and apply under the lock again.
type Engine struct {
	store    *replica.Store
	plugin   Plugin
	attempts int
	rng      *rand.Rand
	verbose  bool
}

// New builds an engine. attempts <= 0 means one pairwise attempt per
// candidate, capped at the number of distinct pairs (so two candidates get a
// single attempt); seed 0 draws a seed from the clock.
func New(store *replica.Store, plugin Plugin, attempts int, seed int64, verbose bool) *Engine {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		store:    store,
		plugin:   plugin,
		attempts: attempts,
		rng:      rand.New(rand.NewSource(seed)),
		verbose:  verbose,
	}
}

// Run performs one exchange round and returns the number of accepted swaps.
// A plug-in error aborts the round with no state permutation applied.
func (e *Engine) Run() (int, error) {
	snapshot := e.store.Exchangeable()
	if len(snapshot) < 2 {
		return 0, nil
	}

	set := make([]Candidate, len(snapshot))
	for i, r := range snapshot {
		set[i] = Candidate{ID: r.ID, StateID: r.StateID, Cycle: r.Cycle}
	}

	start := time.Now()
	u := make(map[int]Energies, len(set))
	for _, c := range set {
		v, err := e.plugin.ExtractEnergies(c.ID, c.StateID, c.Cycle)
		if err != nil {
			return 0, fmt.Errorf("exchange: energies for replica %d: %w", c.ID, err)
		}
		u[c.ID] = v
	}
	matrixTime := time.Since(start)

	samplingStart := time.Now()
	var perm map[int]int
	var accepted int
	var err error
	switch e.plugin.Mode() {
	case Gibbs:
		sampler, ok := e.plugin.(PermutationSampler)
		if !ok {
			return 0, fmt.Errorf("exchange: plug-in declares Gibbs mode without a PermutationSampler")
		}
		if perm, err = sampler.ProposePermutation(set, u, e.rng); err != nil {
			return 0, fmt.Errorf("exchange: propose permutation: %w", err)
		}
		for _, c := range set {
			if s, ok := perm[c.ID]; ok && s != c.StateID {
				accepted++
			}
		}
	default:
		perm, accepted = e.pairwise(set, u)
	}
	samplingTime := time.Since(samplingStart)

	updates := make([]replica.StateUpdate, 0, len(set))
	for _, c := range set {
		s, ok := perm[c.ID]
		if !ok {
			continue
		}
		updates = append(updates, replica.StateUpdate{ID: c.ID, Cycle: c.Cycle, StateID: s})
	}
	applied := e.store.ApplyStates(updates)

	if e.verbose {
		log.Printf("exchange: %d replicas, %d accepted, %d applied (energies %v, sampling %v)",
			len(set), accepted, applied, matrixTime.Round(time.Millisecond), samplingTime.Round(time.Millisecond))
	}
	return accepted, nil
}

// pairwise runs the Metropolis driver: draw a random pair (a, b) without
// replacement, accept the swap with probability min(1, exp(-Δ)) where
// Δ = (u_a(s_b) + u_b(s_a)) − (u_a(s_a) + u_b(s_b)).
func (e *Engine) pairwise(set []Candidate, u map[int]Energies) (map[int]int, int) {
	states := make(map[int]int, len(set))
	for _, c := range set {
		states[c.ID] = c.StateID
	}

	attempts := e.attempts
	if attempts <= 0 {
		attempts = len(set)
		if pairs := len(set) * (len(set) - 1) / 2; pairs < attempts {
			attempts = pairs
		}
	}

	accepted := 0
	for k := 0; k < attempts; k++ {
		pick := e.rng.Perm(len(set))[:2]
		a, b := set[pick[0]].ID, set[pick[1]].ID
		sa, sb := states[a], states[b]

		ua, ub := u[a], u[b]
		uasb, ok1 := ua[sb]
		ubsa, ok2 := ub[sa]
		uasa, ok3 := ua[sa]
		ubsb, ok4 := ub[sb]
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}

		delta := (uasb + ubsa) - (uasa + ubsb)
		if delta <= 0 || e.rng.Float64() < math.Exp(-delta) {
			states[a], states[b] = sb, sa
			accepted++
		}
	}
	return states, accepted
}
