// Package exchange holds the scheme plug-in contract and the engine that
// permutes state assignments among waiting replicas.
package exchange

import (
	"math/rand"

	"asyncre/config"
)

// Mode declares how a plug-in's permutation decisions are produced.
type Mode int

const (
	// Pairwise: the engine repeatedly draws random replica pairs and applies
	// the Metropolis criterion to the plug-in's reduced energies.
	Pairwise Mode = iota
	// Gibbs: the plug-in samples an entire permutation from the joint
	// posterior; it must also implement PermutationSampler.
	Gibbs
)

// Energies maps a candidate state id to the reduced energy u(replica, state),
// the quantity that enters the Metropolis criterion directly. States absent
// from the map are not swappable for this replica.
type Energies map[int]float64

// Plugin is the contract a replica-exchange scheme implements. The
// coordinator guarantees BuildInput and ExtractEnergies never run
// concurrently for the same replica.
type Plugin interface {
	// CheckInput validates scheme-specific configuration; it must claim every
	// scheme-owned control-file key and fail fast on missing ones.
	CheckInput(cfg *config.Config) error

	// BuildInput materializes the input files for the replica's next cycle
	// given its current state. Called once before each launch, and for
	// cycle 1 also during campaign setup, so it must overwrite
	// deterministically when called again.
	BuildInput(id, stateID, cycle int) error

	// ExtractEnergies produces the reduced energies of a waiting replica,
	// whose last completed cycle is cycle-1, in each swappable state.
	ExtractEnergies(id, stateID, cycle int) (Energies, error)

	Mode() Mode
}

// Candidate is one replica in the swap set, as snapshotted under the store
// lock at the start of an exchange round.
type Candidate struct {
	ID      int
	StateID int
	Cycle   int
}

// PermutationSampler is implemented by Gibbs-mode plug-ins. It returns the
// new state id per replica id; replicas absent from the result keep their
// state.
type PermutationSampler interface {
	ProposePermutation(set []Candidate, u map[int]Energies, rng *rand.Rand) (map[int]int, error)
}
