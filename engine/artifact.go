package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"asyncre/pilot"
	"asyncre/replica"
)

// CycleFile is the canonical name of a per-cycle artifact:
// "{basename}_{cycle}.{ext}".
func CycleFile(basename string, cycle int, ext string) string {
	return fmt.Sprintf("%s_%d.%s", basename, cycle, ext)
}

// CyclePath locates a per-cycle artifact inside the replica directory.
func CyclePath(root string, id int, basename string, cycle int, ext string) string {
	return filepath.Join(root, replica.Dir(id), CycleFile(basename, cycle, ext))
}

// Completion decides whether a (replica, cycle) finished successfully. The
// last pilot state is Unknown when no handle exists, e.g. after a restart.
type Completion interface {
	HasCompleted(id, cycle int, last pilot.State) bool
}

// PilotCompletion trusts the pilot's terminal status. It cannot recover
// invisible successes across restarts.
type PilotCompletion struct{}

func (PilotCompletion) HasCompleted(id, cycle int, last pilot.State) bool {
	return last == pilot.Done
}

// FileCompletion declares a cycle complete when its marker artifact exists
// and is non-empty. This works with no handle at all, which makes it the
// checker of choice for post-restart reconciliation.
type FileCompletion struct {
	Root     string
	Basename string
	Ext      string
}

func (c FileCompletion) HasCompleted(id, cycle int, last pilot.State) bool {
	info, err := os.Stat(CyclePath(c.Root, id, c.Basename, cycle, c.Ext))
	return err == nil && info.Size() > 0
}
