package controller

import (
	"context"
	"fmt"
	"log"

	"asyncre/engine"
	"asyncre/exchange"
	"asyncre/pilot"
	"asyncre/replica"
)

// Machine owns the per-replica transitions. All status mutation during a
// campaign goes through Launch, CompleteOk, CompleteFail and RestartReset.
type Machine struct {
	store      *replica.Store
	pilot      pilot.Pilot
	adapter    engine.Adapter
	plugin     exchange.Plugin
	completion engine.Completion
	root       string
	verbose    bool
}

func NewMachine(store *replica.Store, p pilot.Pilot, adapter engine.Adapter, plugin exchange.Plugin, completion engine.Completion, root string, verbose bool) *Machine {
	return &Machine{
		store:      store,
		pilot:      p,
		adapter:    adapter,
		plugin:     plugin,
		completion: completion,
		root:       root,
		verbose:    verbose,
	}
}

// Launch moves a waiting replica to running: build its next-cycle input,
// submit the subjob, record the handle.
func (m *Machine) Launch(ctx context.Context, id int) error {
	r := m.store.Get(id)
	if r.Status != replica.Waiting {
		return fmt.Errorf("launch: replica %d is %s", id, r.Status)
	}

	if err := m.plugin.BuildInput(id, r.StateID, r.Cycle); err != nil {
		return fmt.Errorf("launch: build input for replica %d cycle %d: %w", id, r.Cycle, err)
	}

	h, err := m.pilot.Submit(ctx, m.adapter.Descriptor(m.root, id, r.Cycle))
	if err != nil {
		return fmt.Errorf("launch: submit replica %d cycle %d: %w", id, r.Cycle, err)
	}

	m.store.Update(id, func(r *replica.Replica) {
		r.Status, _ = replica.Step(r.Status, replica.Launched)
		r.Handle = string(h)
	})
	if m.verbose {
		log.Printf("Launching replica %d cycle %d", id, r.Cycle)
	}
	return nil
}

// CompleteOk records a successful cycle: advance the cycle, drop the handle,
// return to waiting.
func (m *Machine) CompleteOk(id int) {
	m.store.Update(id, func(r *replica.Replica) {
		r.Status, _ = replica.Step(r.Status, replica.Finished)
		r.Cycle++
		r.Handle = ""
	})
}

// CompleteFail returns a failed replica to waiting at the same cycle with the
// same state id; it will be relaunched and keeps participating in exchanges
// between attempts.
func (m *Machine) CompleteFail(id int) {
	m.store.Update(id, func(r *replica.Replica) {
		r.Status, _ = replica.Step(r.Status, replica.Finished)
		r.Handle = ""
	})
	log.Printf("Warning: restarting replica %d (cycle %d)", id, m.store.Get(id).Cycle)
}

// RestartReset reconciles a restored table with the filesystem. Replicas
// persisted as running have no pilot handle anymore; each is forced to
// waiting, and its cycle advances when the completion check finds the
// persisted cycle's artifacts, recovering successes that finished after the
// last checkpoint but before the crash.
func (m *Machine) RestartReset() {
	for id := 0; id < m.store.Len(); id++ {
		r := m.store.Get(id)
		if !r.Interrupted {
			continue
		}
		completed := m.completion.HasCompleted(id, r.Cycle, pilot.Unknown)
		m.store.Update(id, func(r *replica.Replica) {
			if completed {
				r.Cycle++
			}
			r.Status = replica.Waiting
			r.Handle = ""
			r.Interrupted = false
		})
		if !completed {
			log.Printf("Warning: restarting replica %d (cycle %d)", id, r.Cycle)
		}
	}
}

// Poll queries the pilot for one running replica and routes terminal
// outcomes through the completion heuristic. It reports whether the pilot
// answered.
func (m *Machine) Poll(ctx context.Context, id int) (ok bool) {
	r := m.store.Get(id)
	if r.Status != replica.Running {
		return true
	}

	st, err := m.pilot.Poll(ctx, pilot.Handle(r.Handle))
	if err != nil {
		log.Printf("Warning: poll replica %d: %v", id, err)
		return false
	}
	if !st.Terminal() {
		return true
	}

	if m.completion.HasCompleted(id, r.Cycle, st) {
		m.CompleteOk(id)
	} else {
		m.CompleteFail(id)
	}
	return true
}
