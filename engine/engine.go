// Package engine names and introspects per-cycle MD artifacts and builds the
// subjob descriptors that hand a (replica, cycle) to the pilot. The MD engine
// itself is opaque: an executable producing and consuming files in the
// replica's working directory.
package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"asyncre/config"
	"asyncre/pilot"
	"asyncre/replica"
)

// Adapter turns a (replica, cycle) into a pilot subjob description and
// supplies the engine's completion heuristic.
type Adapter interface {
	Descriptor(root string, id, cycle int) pilot.Descriptor
	Completion(root string) Completion
}

// New routes the ENGINE family tag to an adapter.
func New(cfg *config.Config) (Adapter, error) {
	switch strings.ToLower(cfg.Engine) {
	case "date":
		return &DateEngine{SubjobCores: cfg.SubjobCores, SPMD: cfg.SPMD}, nil
	case "exec":
		cmd := cfg.EngineCommand
		if cmd == "" {
			return nil, &config.ConfigError{Key: "ENGINE_COMMAND", Reason: "required for ENGINE=exec"}
		}
		return &ExecEngine{
			Command:     cmd,
			Basename:    cfg.Basename,
			SubjobCores: cfg.SubjobCores,
			SPMD:        cfg.SPMD,
		}, nil
	default:
		return nil, &config.ConfigError{Key: "ENGINE", Reason: "unsupported engine family: " + cfg.Engine}
	}
}

// ExecEngine launches a user-supplied executable with the cycle input file as
// its argument, stdout and stderr captured next to it.
type ExecEngine struct {
	Command     string
	Basename    string
	SubjobCores int
	SPMD        string
	Environment []string
}

func (e *ExecEngine) Descriptor(root string, id, cycle int) pilot.Descriptor {
	return pilot.Descriptor{
		Executable:  e.Command,
		Args:        []string{CycleFile(e.Basename, cycle, "inp")},
		WorkDir:     filepath.Join(root, replica.Dir(id)),
		Stdout:      CycleFile(e.Basename, cycle, "log"),
		Stderr:      CycleFile(e.Basename, cycle, "err"),
		Environment: e.Environment,
		Processes:   e.SubjobCores,
		SPMD:        e.SPMD,
	}
}

// Completion for the exec engine checks the cycle output file: the run is
// complete when the engine has written a non-empty "{basename}_{cycle}.out".
func (e *ExecEngine) Completion(root string) Completion {
	return FileCompletion{Root: root, Basename: e.Basename, Ext: "out"}
}

// DateEngine runs /bin/date per cycle. It exists to smoke-test a pilot and a
// control file without an MD engine.
type DateEngine struct {
	SubjobCores int
	SPMD        string
}

func (e *DateEngine) Descriptor(root string, id, cycle int) pilot.Descriptor {
	return pilot.Descriptor{
		Executable: "/bin/date",
		WorkDir:    filepath.Join(root, replica.Dir(id)),
		Stdout:     fmt.Sprintf("sj-stdout-%d-%d.txt", id, cycle),
		Stderr:     fmt.Sprintf("sj-stderr-%d-%d.txt", id, cycle),
		Processes:  e.SubjobCores,
		SPMD:       e.SPMD,
	}
}

func (e *DateEngine) Completion(root string) Completion {
	return PilotCompletion{}
}
