package pilot

import (
	"context"

	"github.com/google/uuid"
)

// Handle identifies one submitted subjob. Handles are opaque but comparable,
// and are not required to survive a coordinator restart.
type Handle string

func NewHandle() Handle {
	return Handle(uuid.New().String())
}

// State is the pilot-side view of a subjob.
type State int

const (
	Pending State = iota
	Running
	Done
	Failed
	Unknown
)

func (s State) String() string {
	return [...]string{"Pending", "Running", "Done", "Failed", "Unknown"}[s]
}

// Terminal reports whether the pilot will make no further progress on the
// subjob.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Descriptor is the subjob description handed to the pilot at submission.
type Descriptor struct {
	Executable  string
	Args        []string
	WorkDir     string
	Stdout      string
	Stderr      string
	Environment []string
	Processes   int
	SPMD        string
}

// Capacity is the pilot's core accounting: cores claimed in total, cores
// currently allocated to subjobs, and the configured over-admission buffer.
type Capacity struct {
	InUse  int
	Total  int
	Buffer float64
}

// MaxSubjobs is the number of subjobs the coordinator may have submitted at
// once: floor(total * (1+buffer) / coresPerSubjob).
func (c Capacity) MaxSubjobs(coresPerSubjob int) int {
	if coresPerSubjob < 1 {
		coresPerSubjob = 1
	}
	return int(float64(c.Total) * (1 + c.Buffer) / float64(coresPerSubjob))
}

// Pilot abstracts the external subjob launcher.
type Pilot interface {
	Submit(ctx context.Context, d Descriptor) (Handle, error)
	Poll(ctx context.Context, h Handle) (State, error)
	Capacity() Capacity
}
