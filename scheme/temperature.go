package scheme

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"asyncre/config"
	"asyncre/engine"
	"asyncre/exchange"
)

// Boltzmann constant in kcal/mol/K, the unit convention of the supported
// engines.
const kBoltzmann = 0.0019872041

// Temperature implements parallel tempering: state s is a temperature T_s,
// and the reduced energy of a replica with potential energy E is β_s·E.
//
// Scheme keys:
//
//	TEMPERATURES  comma-separated T per state id, one per replica (required)
//	TEMPLATE      engine input template path (default {basename}.tmpl)
//
// The template is executed per (replica, cycle) with the placeholders
// Temperature, Cycle, Replica, StateID and Basename; referencing anything
// else is a fatal BuildInput error.
type Temperature struct {
	temps    []float64
	root     string
	basename string
	tmpl     *template.Template
}

func (t *Temperature) CheckInput(cfg *config.Config) error {
	t.root = cfg.WorkingDir
	t.basename = cfg.Basename

	spec := cfg.Get("TEMPERATURES")
	if spec == "" {
		return &config.ConfigError{Key: "TEMPERATURES", Reason: "needs to be specified"}
	}
	for _, tok := range strings.Split(spec, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil || v <= 0 {
			return &config.ConfigError{Key: "TEMPERATURES", Reason: "bad temperature: " + tok}
		}
		t.temps = append(t.temps, v)
	}
	if len(t.temps) != cfg.NReplicas {
		return &config.ConfigError{
			Key:    "TEMPERATURES",
			Reason: fmt.Sprintf("%d temperatures for %d replicas", len(t.temps), cfg.NReplicas),
		}
	}

	path := cfg.Get("TEMPLATE")
	if path == "" {
		path = filepath.Join(t.root, t.basename+".tmpl")
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return &config.ConfigError{Key: "TEMPLATE", Reason: err.Error()}
	}
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").Parse(string(text))
	if err != nil {
		return &config.ConfigError{Key: "TEMPLATE", Reason: err.Error()}
	}
	t.tmpl = tmpl
	return nil
}

// BuildInput writes r{id}/{basename}_{cycle}.inp from the template. The
// output depends only on (id, stateID, cycle), so a retry overwrites with
// identical bytes.
func (t *Temperature) BuildInput(id, stateID, cycle int) error {
	if stateID < 0 || stateID >= len(t.temps) {
		return fmt.Errorf("temperature: replica %d assigned unknown state %d", id, stateID)
	}

	data := map[string]interface{}{
		"Temperature": t.temps[stateID],
		"Cycle":       cycle,
		"Replica":     id,
		"StateID":     stateID,
		"Basename":    t.basename,
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("temperature: unresolved template placeholder: %w", err)
	}
	path := engine.CyclePath(t.root, id, t.basename, cycle, "inp")
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ExtractEnergies reads the potential energy of the replica's last completed
// cycle from its output file and reduces it at every state's temperature.
// The engine is expected to report energies on lines of the form
// "ENERGY: <value>"; the last such line wins.
func (t *Temperature) ExtractEnergies(id, stateID, cycle int) (exchange.Energies, error) {
	path := engine.CyclePath(t.root, id, t.basename, cycle-1, "out")
	pot, err := lastEnergy(path)
	if err != nil {
		return nil, err
	}

	u := make(exchange.Energies, len(t.temps))
	for s, temp := range t.temps {
		u[s] = pot / (kBoltzmann * temp)
	}
	return u, nil
}

func (t *Temperature) Mode() exchange.Mode {
	return exchange.Pairwise
}

// Completion overrides the engine heuristic: a cycle is complete when its
// restart file exists and is non-empty, which also holds after a coordinator
// restart when no pilot handle survives.
func (t *Temperature) Completion(root string) engine.Completion {
	return engine.FileCompletion{Root: root, Basename: t.basename, Ext: "rst"}
}

func lastEnergy(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("temperature: %w", err)
	}
	defer f.Close()

	found := false
	var last float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "ENERGY:")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return 0, fmt.Errorf("temperature: bad energy line in %s: %q", path, line)
		}
		last, found = v, true
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("temperature: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("temperature: no ENERGY record in %s", path)
	}
	return last, nil
}
