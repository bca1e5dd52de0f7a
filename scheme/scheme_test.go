package scheme

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncre/config"
	"asyncre/engine"
	"asyncre/exchange"
	"asyncre/pilot"
)

func TestRouting(t *testing.T) {
	cfg := tempConfig(t, t.TempDir(), "")
	cfg.REType = "date"
	p, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Date{}, p)

	cfg.REType = "TEMPERATURE"
	p, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Temperature{}, p)

	cfg.REType = "BEDAM"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestDateScheme(t *testing.T) {
	cfg := tempConfig(t, t.TempDir(), "")
	d := &Date{}
	require.NoError(t, d.CheckInput(cfg))
	require.NoError(t, d.BuildInput(0, 0, 1))

	u, err := d.ExtractEnergies(0, 0, 2)
	require.NoError(t, err)
	require.Len(t, u, 2)
	assert.Zero(t, u[0])
	assert.Zero(t, u[1])
	assert.Equal(t, exchange.Pairwise, d.Mode())
}

func tempConfig(t *testing.T, root, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
ENGINE: exec
ENGINE_COMMAND: ./runimpact
RE_TYPE: TEMPERATURE
ENGINE_INPUT_BASENAME: tempre
NREPLICAS: 2
WALL_TIME: 60
BJ_WORKING_DIR: %s
%s`, root, extra)))
	require.NoError(t, err)
	return cfg
}

func setupTemperature(t *testing.T, tmplText string) (*Temperature, string) {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < 2; i++ {
		require.NoError(t, os.MkdirAll(filepath.Join(root, fmt.Sprintf("r%d", i)), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "tempre.tmpl"), []byte(tmplText), 0o644))

	cfg := tempConfig(t, root, "TEMPERATURES: 300,600\n")
	tp := &Temperature{}
	require.NoError(t, tp.CheckInput(cfg))
	require.NoError(t, cfg.CheckUnknown(), "scheme claims its keys")
	return tp, root
}

func TestTemperatureBuildInputIdempotent(t *testing.T) {
	tp, root := setupTemperature(t, "temp0 = {{.Temperature}} ! cycle {{.Cycle}} of {{.Basename}}\n")

	require.NoError(t, tp.BuildInput(0, 1, 3))
	first, err := os.ReadFile(filepath.Join(root, "r0", "tempre_3.inp"))
	require.NoError(t, err)
	assert.Equal(t, "temp0 = 600 ! cycle 3 of tempre\n", string(first))

	require.NoError(t, tp.BuildInput(0, 1, 3))
	second, err := os.ReadFile(filepath.Join(root, "r0", "tempre_3.inp"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "retry overwrites with identical bytes")
}

func TestTemperatureUnresolvedPlaceholderIsFatal(t *testing.T) {
	tp, _ := setupTemperature(t, "lambda = {{.Lambda}}\n")
	assert.Error(t, tp.BuildInput(0, 0, 1))
}

func TestTemperatureRejectsUnknownState(t *testing.T) {
	tp, _ := setupTemperature(t, "temp0 = {{.Temperature}}\n")
	assert.Error(t, tp.BuildInput(0, 5, 1))
}

func TestTemperatureExtractEnergies(t *testing.T) {
	tp, root := setupTemperature(t, "temp0 = {{.Temperature}}\n")
	out := "step 100\nENERGY: -1500.0\nstep 200\nENERGY: -1200.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "r0", "tempre_1.out"), []byte(out), 0o644))

	u, err := tp.ExtractEnergies(0, 0, 2)
	require.NoError(t, err)
	require.Len(t, u, 2)

	assert.InDelta(t, -1200.5/(kBoltzmann*300), u[0], 1e-9, "last energy record wins")
	assert.InDelta(t, -1200.5/(kBoltzmann*600), u[1], 1e-9)
}

func TestTemperatureExtractEnergiesMissingOutput(t *testing.T) {
	tp, _ := setupTemperature(t, "temp0 = {{.Temperature}}\n")
	_, err := tp.ExtractEnergies(0, 0, 2)
	assert.Error(t, err)
}

func TestTemperatureExtractEnergiesNoRecord(t *testing.T) {
	tp, root := setupTemperature(t, "temp0 = {{.Temperature}}\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "r0", "tempre_1.out"), []byte("no data\n"), 0o644))
	_, err := tp.ExtractEnergies(0, 0, 2)
	assert.Error(t, err)
}

func TestTemperatureCheckInputValidation(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "tempre.tmpl"), []byte("x\n"), 0o644))

	t.Run("missing temperatures", func(t *testing.T) {
		tp := &Temperature{}
		assert.Error(t, tp.CheckInput(tempConfig(t, root, "")))
	})
	t.Run("wrong count", func(t *testing.T) {
		tp := &Temperature{}
		assert.Error(t, tp.CheckInput(tempConfig(t, root, "TEMPERATURES: 300,400,500\n")))
	})
	t.Run("bad value", func(t *testing.T) {
		tp := &Temperature{}
		assert.Error(t, tp.CheckInput(tempConfig(t, root, "TEMPERATURES: 300,-10\n")))
	})
	t.Run("missing template", func(t *testing.T) {
		tp := &Temperature{}
		assert.Error(t, tp.CheckInput(tempConfig(t, t.TempDir(), "TEMPERATURES: 300,400\n")))
	})
}

func TestTemperatureCompletionOverride(t *testing.T) {
	tp, root := setupTemperature(t, "temp0 = {{.Temperature}}\n")

	checker := tp.Completion(root)
	assert.False(t, checker.HasCompleted(0, 1, pilot.Unknown))

	rst := filepath.Join(root, "r0", "tempre_1.rst")
	require.NoError(t, os.WriteFile(rst, []byte("coords"), 0o644))
	assert.True(t, checker.HasCompleted(0, 1, pilot.Unknown),
		"restart file test works without a pilot handle")

	assert.IsType(t, engine.FileCompletion{}, checker)
}
