package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrCorruptCheckpoint reports an unreadable or version-mismatched checkpoint.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

const checkpointVersion = 1

// Store is the single source of truth for replica status. All mutation
// funnels through Update/ApplyStates under one lock; readers get copies.
type Store struct {
	mu       sync.Mutex
	replicas []*Replica
}

// NewStore creates n replicas in their setup-time state.
func NewStore(n int) *Store {
	s := &Store{replicas: make([]*Replica, n)}
	for i := range s.replicas {
		s.replicas[i] = New(i)
	}
	return s
}

func (s *Store) Len() int {
	return len(s.replicas)
}

// Get returns a copy of replica i.
func (s *Store) Get(i int) Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.replicas[i]
}

// Update mutates replica i under the store lock.
func (s *Store) Update(i int, mutate func(*Replica)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.replicas[i])
}

// Partition returns a consistent snapshot of replica ids by status.
func (s *Store) Partition() (running, waiting []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.replicas {
		if r.Status == Running {
			running = append(running, r.ID)
		} else {
			waiting = append(waiting, r.ID)
		}
	}
	return running, waiting
}

// Exchangeable returns copies of the replicas eligible for exchange: waiting
// and with at least one completed cycle, so energies exist to extract.
func (s *Store) Exchangeable() []Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Replica
	for _, r := range s.replicas {
		if r.Status == Waiting && r.Cycle > 1 {
			out = append(out, *r)
		}
	}
	return out
}

// StateUpdate is one entry of an exchange permutation: assign StateID to
// replica ID provided it is still waiting at cycle Cycle.
type StateUpdate struct {
	ID      int
	Cycle   int
	StateID int
}

// ApplyStates applies a state permutation in a single critical section.
// Entries whose replica has since launched or advanced its cycle are
// silently skipped; the number of applied entries is returned.
func (s *Store) ApplyStates(updates []StateUpdate) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for _, u := range updates {
		r := s.replicas[u.ID]
		if r.Status != Waiting || r.Cycle != u.Cycle {
			continue
		}
		r.StateID = u.StateID
		applied++
	}
	return applied
}

type checkpointEntry struct {
	ID      int    `json:"id"`
	StateID int    `json:"stateid_current"`
	Status  string `json:"running_status"`
	Cycle   int    `json:"cycle_current"`
}

type checkpointDoc struct {
	Version  int               `json:"version"`
	Replicas []checkpointEntry `json:"replicas"`
}

// Snapshot serializes the table plus a format version.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := checkpointDoc{Version: checkpointVersion}
	for _, r := range s.replicas {
		doc.Replicas = append(doc.Replicas, checkpointEntry{
			ID:      r.ID,
			StateID: r.StateID,
			Status:  r.Status.String(),
			Cycle:   r.Cycle,
		})
	}
	return json.Marshal(doc)
}

// Restore is the inverse of Snapshot. The durable checkpoint is authoritative
// for state id and cycle only: every replica comes back Waiting, because the
// pilot has no knowledge of prior handles across restarts. Replicas that were
// persisted as Running are flagged Interrupted for the restart reset.
func Restore(data []byte) (*Store, error) {
	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if doc.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorruptCheckpoint, doc.Version, checkpointVersion)
	}
	if len(doc.Replicas) == 0 {
		return nil, fmt.Errorf("%w: empty replica table", ErrCorruptCheckpoint)
	}

	s := &Store{replicas: make([]*Replica, len(doc.Replicas))}
	for _, e := range doc.Replicas {
		if e.ID < 0 || e.ID >= len(doc.Replicas) || s.replicas[e.ID] != nil {
			return nil, fmt.Errorf("%w: bad replica id %d", ErrCorruptCheckpoint, e.ID)
		}
		if e.Cycle < 1 {
			return nil, fmt.Errorf("%w: replica %d at cycle %d", ErrCorruptCheckpoint, e.ID, e.Cycle)
		}
		s.replicas[e.ID] = &Replica{
			ID:          e.ID,
			StateID:     e.StateID,
			Status:      Waiting,
			Cycle:       e.Cycle,
			Interrupted: e.Status == Running.String(),
		}
	}
	for i, r := range s.replicas {
		if r == nil {
			return nil, fmt.Errorf("%w: replica %d missing from table", ErrCorruptCheckpoint, i)
		}
	}
	return s, nil
}
