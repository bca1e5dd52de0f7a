// Package controller ties the coordinator together: it owns the status
// store, drives the scheduler loop, and exposes the monitor API.
package controller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/ttacon/chalk"

	"asyncre/config"
	"asyncre/engine"
	"asyncre/exchange"
	"asyncre/pilot"
	"asyncre/replica"
	"asyncre/scheme"
)

var red = chalk.Red.NewStyle().WithTextStyle(chalk.Bold).Style
var green = chalk.Green.NewStyle().WithTextStyle(chalk.Italic).Style

// After this many consecutive ticks of pilot poll failures, or consecutive
// checkpoint write failures, the loop gives up and drains.
const (
	maxPollFailTicks       = 5
	maxCheckpointFailTicks = 3
)

// completionOverride is implemented by schemes that know a better completion
// test than the engine default (e.g. a restart-file heuristic).
type completionOverride interface {
	Completion(root string) engine.Completion
}

// Controller is the top-level periodic scheduler (one instance per campaign).
type Controller struct {
	cfg       *config.Config
	store     *replica.Store
	pilot     pilot.Pilot
	machine   *Machine
	exchanger *exchange.Engine

	// rotation holds every replica id; admission cycles through it so launch
	// order is round-robin over replica id.
	rotation *queue.Queue

	tick          int
	draining      bool
	pollFailTicks int
	ckptFailTicks int
	acceptedSwaps int
}

// New wires a controller from a validated configuration: scheme plug-in,
// engine adapter, pilot, and a status store from setup or restart.
func New(cfg *config.Config) (*Controller, error) {
	adapter, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	plugin, err := scheme.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := plugin.CheckInput(cfg); err != nil {
		return nil, err
	}
	if err := cfg.CheckUnknown(); err != nil {
		return nil, err
	}

	p, err := pilot.FromResourceURL(cfg.ResourceURL, cfg.TotalCores, cfg.SubjobCores, cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	completion := adapter.Completion(cfg.WorkingDir)
	if o, ok := plugin.(completionOverride); ok {
		completion = o.Completion(cfg.WorkingDir)
	}

	c := &Controller{cfg: cfg, pilot: p, rotation: queue.New()}

	if cfg.Setup {
		c.store, err = setupCampaign(cfg, plugin)
	} else {
		c.store, err = replica.LoadCheckpoint(cfg.WorkingDir, cfg.Basename, cfg.NReplicas)
	}
	if err != nil {
		return nil, err
	}

	c.machine = NewMachine(c.store, p, adapter, plugin, completion, cfg.WorkingDir, cfg.Verbose)
	c.exchanger = exchange.New(c.store, plugin, cfg.ExchangeAttempts, cfg.ExchangeSeed, cfg.Verbose)
	for id := 0; id < c.store.Len(); id++ {
		c.rotation.Enqueue(id)
	}

	if !cfg.Setup {
		c.machine.RestartReset()
	}
	if err := c.store.WriteCheckpoint(cfg.WorkingDir, cfg.Basename); err != nil {
		return nil, fmt.Errorf("initial checkpoint: %w", err)
	}
	return c, nil
}

// Store exposes the status table to the monitor API and tests.
func (c *Controller) Store() *replica.Store {
	return c.store
}

// Run drives the campaign until the wall-time budget forces a drain or the
// context is cancelled. Returns nil on a clean drain.
func (c *Controller) Run(ctx context.Context) error {
	start := time.Now()
	hardDeadline := start.Add(c.cfg.WallTime)

	if c.cfg.MonitorAddr != "" {
		go c.serveMonitor()
	}

	ticker := time.NewTicker(c.cfg.CycleTime)
	defer ticker.Stop()

	for {
		c.tickOnce(ctx, start)

		if c.draining {
			if running, _ := c.store.Partition(); len(running) == 0 {
				log.Println("All replicas waiting; drain complete")
				break
			}
			if time.Now().After(hardDeadline) {
				log.Println(red("Hard deadline expired with replicas still running"))
				break
			}
		}

		select {
		case <-ctx.Done():
			if !c.draining {
				log.Println(red("Interrupt received, entering drain mode"))
				c.draining = true
			}
			// The context stays cancelled after the first signal; poll on a
			// short cadence so the drain stays responsive.
			time.Sleep(time.Second)
		case <-ticker.C:
		}
	}

	if err := c.store.WriteCheckpoint(c.cfg.WorkingDir, c.cfg.Basename); err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	return nil
}

// tickOnce performs one strict poll → checkpoint → exchange → admit →
// wall-time-gate sequence. No step overlaps another.
func (c *Controller) tickOnce(ctx context.Context, start time.Time) {
	c.tick++

	// 1. Poll running replicas for terminal handles.
	pollFailed := false
	running, _ := c.store.Partition()
	for _, id := range running {
		if !c.machine.Poll(ctx, id) {
			pollFailed = true
		}
	}
	if pollFailed {
		c.pollFailTicks++
		if c.pollFailTicks >= maxPollFailTicks && !c.draining {
			log.Println(red("Pilot unavailable for too long, entering drain mode"))
			c.draining = true
		}
	} else {
		c.pollFailTicks = 0
	}

	// 2. Checkpoint.
	if c.tick%c.cfg.CheckpointTicks == 0 {
		if err := c.store.WriteCheckpoint(c.cfg.WorkingDir, c.cfg.Basename); err != nil {
			c.ckptFailTicks++
			log.Printf("Warning: checkpoint failed (%d consecutive): %v", c.ckptFailTicks, err)
			if c.ckptFailTicks >= maxCheckpointFailTicks && !c.draining {
				log.Println(red("Checkpointing keeps failing, entering drain mode"))
				c.draining = true
			}
		} else {
			c.ckptFailTicks = 0
		}
	}

	// 3. Exchange among waiting replicas.
	if !c.draining {
		accepted, err := c.exchanger.Run()
		if err != nil {
			log.Printf("Warning: exchange round aborted: %v", err)
		} else if accepted > 0 {
			c.acceptedSwaps += accepted
			if c.cfg.Verbose {
				log.Println(green(fmt.Sprintf("%d exchanges accepted", accepted)))
			}
		}
	}

	// 4. Admit waiting replicas up to pilot capacity, unless the remaining
	// wall time cannot fit another cycle.
	if !c.draining && !c.wallTimeExhausted(start) {
		c.admit(ctx)
	}

	// 5. Wall-time gate.
	if !c.draining && c.wallTimeExhausted(start) {
		log.Println(red("Wall-time budget nearly exhausted, entering drain mode"))
		c.draining = true
	}
}

func (c *Controller) wallTimeExhausted(start time.Time) bool {
	return time.Since(start)+c.cfg.ReplicaRunTime >= c.cfg.WallTime
}

// admit launches waiting replicas round-robin over replica id while the pilot
// has free slots: in_use stays within total * (1 + buffer) cores.
func (c *Controller) admit(ctx context.Context) {
	for scanned := 0; scanned < c.store.Len(); scanned++ {
		cap := c.pilot.Capacity()
		if float64(cap.InUse) >= float64(cap.Total)*(1+cap.Buffer) {
			break
		}
		_, waiting := c.store.Partition()
		if len(waiting) == 0 {
			break
		}

		id := c.rotation.Dequeue().(int)
		c.rotation.Enqueue(id)
		if c.store.Get(id).Status != replica.Waiting {
			continue
		}
		if err := c.machine.Launch(ctx, id); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	if c.cfg.Verbose {
		running, waiting := c.store.Partition()
		cap := c.pilot.Capacity()
		log.Printf("available slots: %d", cap.Total/c.cfg.SubjobCores)
		log.Printf("max subjobs submitted: %d", cap.MaxSubjobs(c.cfg.SubjobCores))
		log.Printf("running/submitted subjobs: %d", len(running))
		log.Printf("waiting replicas: %d", len(waiting))
	}
}
