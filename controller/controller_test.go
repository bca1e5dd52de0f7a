package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"asyncre/config"
	"asyncre/engine"
	"asyncre/exchange"
	"asyncre/pilot"
	"asyncre/replica"
	"asyncre/scheme"
)

type fakePilot struct {
	mu          sync.Mutex
	states      map[pilot.Handle]pilot.State
	submitted   []pilot.Descriptor
	total       int
	subjobCores int
	buffer      float64
	pollErr     error
}

func newFakePilot(total, subjobCores int, buffer float64) *fakePilot {
	return &fakePilot{states: map[pilot.Handle]pilot.State{}, total: total, subjobCores: subjobCores, buffer: buffer}
}

func (f *fakePilot) Submit(ctx context.Context, d pilot.Descriptor) (pilot.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := pilot.NewHandle()
	f.states[h] = pilot.Running
	f.submitted = append(f.submitted, d)
	return h, nil
}

func (f *fakePilot) Poll(ctx context.Context, h pilot.Handle) (pilot.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return pilot.Unknown, f.pollErr
	}
	st, ok := f.states[h]
	if !ok {
		return pilot.Unknown, nil
	}
	return st, nil
}

func (f *fakePilot) Capacity() pilot.Capacity {
	f.mu.Lock()
	defer f.mu.Unlock()
	inUse := 0
	for _, st := range f.states {
		if !st.Terminal() {
			inUse += f.subjobCores
		}
	}
	return pilot.Capacity{InUse: inUse, Total: f.total, Buffer: f.buffer}
}

func (f *fakePilot) finishAll(st pilot.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, s := range f.states {
		if !s.Terminal() {
			f.states[h] = st
		}
	}
}

func testConfig(t *testing.T, root string, overrides map[string]string) *config.Config {
	t.Helper()
	doc := map[string]string{
		"ENGINE":                "date",
		"RE_TYPE":               "DATE",
		"ENGINE_INPUT_BASENAME": "tempre",
		"NREPLICAS":             "2",
		"WALL_TIME":             "60",
		"TOTAL_CORES":           "4",
		"SUBJOB_CORES":          "1",
		"SUBJOBS_BUFFER_SIZE":   "0",
		"BJ_WORKING_DIR":        root,
	}
	for k, v := range overrides {
		doc[k] = v
	}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)
	return cfg
}

func testController(t *testing.T, cfg *config.Config, fp pilot.Pilot, store *replica.Store) *Controller {
	t.Helper()
	adapter, err := engine.New(cfg)
	require.NoError(t, err)
	plugin, err := scheme.New(cfg)
	require.NoError(t, err)
	require.NoError(t, plugin.CheckInput(cfg))

	c := &Controller{cfg: cfg, pilot: fp, store: store, rotation: queue.New()}
	c.machine = NewMachine(store, fp, adapter, plugin, adapter.Completion(cfg.WorkingDir), cfg.WorkingDir, false)
	c.exchanger = exchange.New(store, plugin, cfg.ExchangeAttempts, 1, false)
	for id := 0; id < store.Len(); id++ {
		c.rotation.Enqueue(id)
	}
	return c
}

// Scenario: launch, complete, swap. Both replicas run cycle 1, both finish,
// and the first exchange tick swaps their states.
func TestLaunchCompleteSwap(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root, nil)
	fp := newFakePilot(4, 1, 0)
	c := testController(t, cfg, fp, replica.NewStore(2))

	start := time.Now()
	c.tickOnce(context.Background(), start)

	for i := 0; i < 2; i++ {
		r := c.store.Get(i)
		assert.Equal(t, replica.Running, r.Status)
		assert.Equal(t, 1, r.Cycle)
		assert.NotEmpty(t, r.Handle)
	}
	require.Len(t, fp.submitted, 2)

	fp.finishAll(pilot.Done)
	c.tickOnce(context.Background(), start)

	r0, r1 := c.store.Get(0), c.store.Get(1)
	assert.Equal(t, 2, r0.Cycle)
	assert.Equal(t, 2, r1.Cycle)
	assert.Equal(t, 1, r0.StateID, "states swapped by the exchange step")
	assert.Equal(t, 0, r1.StateID)
	assert.Equal(t, replica.Running, r0.Status, "relaunched by the admit step")
	assert.Equal(t, replica.Running, r1.Status)

	_, err := os.Stat(replica.StatPath(root, "tempre"))
	assert.NoError(t, err, "checkpoint written during the tick")
}

// Scenario: failure retry. The replica returns to waiting at the same cycle
// and is relaunched.
func TestFailureRetry(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), map[string]string{"NREPLICAS": "1"})
	fp := newFakePilot(4, 1, 0)
	c := testController(t, cfg, fp, replica.NewStore(1))

	start := time.Now()
	c.tickOnce(context.Background(), start)
	require.Len(t, fp.submitted, 1)

	fp.finishAll(pilot.Failed)
	c.tickOnce(context.Background(), start)

	r := c.store.Get(0)
	assert.Equal(t, 1, r.Cycle, "failure never advances the cycle")
	assert.Equal(t, 0, r.StateID)
	assert.Equal(t, replica.Running, r.Status, "relaunched at the same cycle")
	assert.Len(t, fp.submitted, 2)
}

// Scenario: crash recovery. Replicas persisted as running come back waiting;
// cycles advance only where the artifact check finds the persisted cycle's
// output.
func TestCrashRecovery(t *testing.T) {
	root := t.TempDir()
	store := replica.NewStore(2)
	store.Update(0, func(r *replica.Replica) { r.StateID = 0; r.Status = replica.Running; r.Cycle = 3 })
	store.Update(1, func(r *replica.Replica) { r.StateID = 1; r.Status = replica.Running; r.Cycle = 2 })
	require.NoError(t, store.WriteCheckpoint(root, "tempre"))

	restored, err := replica.LoadCheckpoint(root, "tempre", 2)
	require.NoError(t, err)

	// Replica 0 finished cycle 3 after the checkpoint but before the crash.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "r0"), 0o755))
	artifact := engine.CyclePath(root, 0, "tempre", 3, "rst")
	require.NoError(t, os.WriteFile(artifact, []byte("coords"), 0o644))

	m := NewMachine(restored, newFakePilot(1, 1, 0), nil, nil,
		engine.FileCompletion{Root: root, Basename: "tempre", Ext: "rst"}, root, false)
	m.RestartReset()

	r0 := restored.Get(0)
	assert.Equal(t, replica.Waiting, r0.Status)
	assert.Equal(t, 4, r0.Cycle, "invisible success recovered")
	assert.False(t, r0.Interrupted)

	r1 := restored.Get(1)
	assert.Equal(t, replica.Waiting, r1.Status)
	assert.Equal(t, 2, r1.Cycle, "no artifact, same cycle")
}

// Scenario: wall-time drain. With 9 of 10 minutes elapsed and a 2-minute
// cycle estimate, the admission gate refuses new launches.
func TestWallTimeDrain(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), map[string]string{"WALL_TIME": "10", "REPLICA_RUN_TIME": "2"})
	fp := newFakePilot(4, 1, 0)
	c := testController(t, cfg, fp, replica.NewStore(2))

	start := time.Now().Add(-9 * time.Minute)
	c.tickOnce(context.Background(), start)

	assert.Empty(t, fp.submitted, "no admissions past the wall-time gate")
	assert.True(t, c.draining)

	running, _ := c.store.Partition()
	assert.Empty(t, running)
}

// Scenario: capacity bound. TOTAL_CORES=4, SUBJOB_CORES=2, BUFFER=0.5 admits
// at most floor(4 * 1.5 / 2) = 3 concurrent subjobs.
func TestCapacityBound(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), map[string]string{"NREPLICAS": "6", "SUBJOB_CORES": "2", "SUBJOBS_BUFFER_SIZE": "0.5"})
	fp := newFakePilot(4, 2, 0.5)
	c := testController(t, cfg, fp, replica.NewStore(6))

	c.tickOnce(context.Background(), time.Now())

	assert.Len(t, fp.submitted, 3)
	cap := fp.Capacity()
	assert.LessOrEqual(t, float64(cap.InUse), float64(cap.Total)*(1+cap.Buffer))
}

func TestAdmissionRoundRobin(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), map[string]string{"NREPLICAS": "4", "TOTAL_CORES": "2"})
	fp := newFakePilot(2, 1, 0)
	c := testController(t, cfg, fp, replica.NewStore(4))

	start := time.Now()
	c.tickOnce(context.Background(), start)
	require.Len(t, fp.submitted, 2)

	fp.finishAll(pilot.Done)
	c.tickOnce(context.Background(), start)
	require.Len(t, fp.submitted, 4)

	var order []string
	for _, d := range fp.submitted {
		order = append(order, filepath.Base(d.WorkDir))
	}
	assert.Equal(t, []string{"r0", "r1", "r2", "r3"}, order)
}

func TestPilotUnavailableDrains(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	fp := newFakePilot(4, 1, 0)
	c := testController(t, cfg, fp, replica.NewStore(2))

	start := time.Now()
	c.tickOnce(context.Background(), start)

	fp.pollErr = fmt.Errorf("coordination service unreachable")
	for i := 0; i < maxPollFailTicks; i++ {
		require.False(t, c.draining)
		c.tickOnce(context.Background(), start)
	}
	assert.True(t, c.draining)
}

func TestCheckpointFailureDrains(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.WorkingDir = filepath.Join(cfg.WorkingDir, "gone")
	fp := newFakePilot(4, 1, 0)
	c := testController(t, cfg, fp, replica.NewStore(2))

	start := time.Now()
	for i := 0; i < maxCheckpointFailTicks; i++ {
		require.False(t, c.draining)
		c.tickOnce(context.Background(), start)
	}
	assert.True(t, c.draining)
}

func TestNewSetsUpCampaign(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root, map[string]string{"RE_SETUP": "yes", "RESOURCE_URL": "fork://localhost"})

	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		info, err := os.Stat(filepath.Join(root, fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		r := c.Store().Get(i)
		assert.Equal(t, replica.Waiting, r.Status)
		assert.Equal(t, 1, r.Cycle)
		assert.Equal(t, i, r.StateID)
	}
	_, err = os.Stat(replica.StatPath(root, "tempre"))
	assert.NoError(t, err)

	// Setting up over existing replica directories is refused.
	_, err = New(cfg)
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	// A restart from the fresh checkpoint succeeds.
	cfg2 := testConfig(t, root, map[string]string{"RESOURCE_URL": "fork://localhost"})
	c2, err := New(cfg2)
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Store().Len())
}

func TestNewRejectsCorruptCheckpoint(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(replica.StatPath(root, "tempre"), []byte("not a checkpoint"), 0o644))

	cfg := testConfig(t, root, map[string]string{"RESOURCE_URL": "fork://localhost"})
	_, err := New(cfg)
	assert.ErrorIs(t, err, replica.ErrCorruptCheckpoint)
}

func TestExchangeErrorDoesNotStopScheduling(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	fp := newFakePilot(4, 1, 0)
	store := replica.NewStore(2)
	// Eligible for exchange, but the plug-in will fail to extract energies.
	for i := 0; i < 2; i++ {
		store.Update(i, func(r *replica.Replica) { r.Cycle = 2 })
	}

	c := testController(t, cfg, fp, store)
	c.exchanger = exchange.New(store, failingPlugin{}, 0, 1, false)

	c.tickOnce(context.Background(), time.Now())

	assert.Len(t, fp.submitted, 2, "admission proceeds after an aborted exchange round")
	assert.Equal(t, 0, c.store.Get(0).StateID, "no permutation applied")
}

type failingPlugin struct{}

func (failingPlugin) CheckInput(cfg *config.Config) error { return nil }

func (failingPlugin) BuildInput(id, stateID, cycle int) error { return nil }

func (failingPlugin) ExtractEnergies(id, stateID, cycle int) (exchange.Energies, error) {
	return nil, fmt.Errorf("output file unreadable")
}

func (failingPlugin) Mode() exchange.Mode { return exchange.Pairwise }
