//go:build unix

package fleet

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/xid"
)

type childKind int

const (
	kindWorker childKind = iota
	kindService
)

func (k childKind) String() string {
	if k == kindService {
		return "service"
	}
	return "worker"
}

// childSpec is the immutable launch descriptor for one child slot.
// Specs are computed once from the configuration; a spec with N
// replicas backs N identical worker children sharing the same
// listener files.
type childSpec struct {
	kind    childKind
	iface   *Interface
	svc     *ServiceProcess
	replica int
	files   []*os.File // bound listener fds, shared by all replicas
	listen  string     // FLEET_LISTEN value for workers
}

func (sp *childSpec) name() string {
	if sp.kind == kindService {
		return sp.svc.Name
	}
	return sp.iface.Name
}

func (sp *childSpec) label() string {
	return fmt.Sprintf("%s/%d", sp.name(), sp.replica)
}

// countsTowardCeiling reports whether an unexpected exit of a child
// from this spec consumes crash budget.
func (sp *childSpec) countsTowardCeiling() bool {
	if sp.kind == kindService {
		return !sp.svc.ExemptFromCeiling
	}
	return true
}

// child is the supervisor-side record of one launched process. It is
// created on launch, marked on exit, and dropped once no replacement
// will be made. Only the supervisor loop mutates it; the admin API
// reads snapshots under the table lock.
type child struct {
	id       xid.ID
	spec     *childSpec
	cmd      *exec.Cmd
	pid      int
	gen      int
	started  time.Time
	expected bool // exit will not count as a crash
}

func newChild(sp *childSpec, cmd *exec.Cmd, gen int) *child {
	return &child{
		id:      xid.New(),
		spec:    sp,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		gen:     gen,
		started: time.Now(),
	}
}

// ChildInfo is the externally visible snapshot of a live child, as
// served by the admin API.
type ChildInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Replica    int       `json:"replica"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid"`
	Generation int       `json:"generation"`
	Started    time.Time `json:"started"`
}

func (c *child) info() ChildInfo {
	return ChildInfo{
		ID:         c.id.String(),
		Name:       c.spec.name(),
		Replica:    c.spec.replica,
		Kind:       c.spec.kind.String(),
		PID:        c.pid,
		Generation: c.gen,
		Started:    c.started,
	}
}
