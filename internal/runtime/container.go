package runtime

import (
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Lifecycle state of a container.
type State string

const (
	StateCreated State = "created" // Writable layer allocated, no process yet.
	StateRunning State = "running" // Process started and not yet reaped.
	StateExited  State = "exited"  // Process exited on its own or after the stop signal.
	StateKilled  State = "killed"  // Process was killed by the runtime.
)

// Persisted description of a container.
type Info struct {
	ID       string           `json:"id"`
	Image    string           `json:"image"`   // Reference the container was created from.
	ImageID  digest.Digest    `json:"imageId"` // Image the reference resolved to.
	Args     []string         `json:"args,omitempty"`
	Env      []string         `json:"env,omitempty"`
	Volumes  []unionfs.Volume `json:"volumes,omitempty"`
	State    State            `json:"state"`
	ExitCode int              `json:"exitCode"`
	Pid      int              `json:"pid,omitempty"`
	Created  time.Time        `json:"created"`
	Started  time.Time        `json:"started,omitzero"`
	Finished time.Time        `json:"finished,omitzero"`
}

// Reports whether the container has finished running.
func (i Info) Done() bool {
	return i.State == StateExited || i.State == StateKilled
}

// A container managed by a [Runtime].
//
// All mutable fields are guarded by mu. The view is built on first use and
// shared by every filesystem operation on the container.
type Container struct {
	ID string

	dir     string
	mu      sync.Mutex
	info    Info
	img     *image.Image
	upper   *unionfs.Upper
	view    *unionfs.View
	proc    Process
	done    chan struct{} // Closed once the running process has been reaped.
	killed  bool          // Set when the runtime escalated to SIGKILL.
	removed bool
	release func() // Releases the lease on the image layers.
}

// Returns a snapshot of the container description.
func (c *Container) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Returns the container state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.State
}
