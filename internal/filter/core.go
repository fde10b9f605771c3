// Package filter turns observed filesystem operations into queued event
// records. It owns the filter-level state machine, the pre/post callback
// pipeline, and the shared data structures the control port serves from.
package filter

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SitinCloud/Owlyshield/internal/core"
	"github.com/SitinCloud/Owlyshield/internal/gid"
	"github.com/SitinCloud/Owlyshield/internal/irp"
	"github.com/SitinCloud/Owlyshield/internal/roots"
)

// systemPID is the OS system process; its I/O is never interesting.
const systemPID = 4

// ErrInvalidAgent reports a SetAgent request carrying a zero pid.
var ErrInvalidAgent = errors.New("filter: agent pid must be nonzero")

// Core holds the filter's shared state: the GID registry, the event
// queue, the protected roots, and the agent session. One Core is created
// at entry and threaded into every callback — there are no package-level
// singletons.
type Core struct {
	logger zerolog.Logger
	audit  core.Publisher

	registry *gid.Registry
	queue    *irp.Queue
	roots    *roots.Set

	mu         sync.Mutex
	state      State
	agentPID   uint32
	systemRoot string
}

// NewCore creates a Core in the Unregistered state. audit may be nil.
func NewCore(logger zerolog.Logger, audit core.Publisher) *Core {
	return &Core{
		logger:   logger.With().Str("component", "filter_core").Logger(),
		audit:    audit,
		registry: gid.New(),
		queue:    irp.NewQueue(),
		roots:    roots.New(),
		state:    StateUnregistered,
	}
}

// Registry returns the GID registry.
func (c *Core) Registry() *gid.Registry { return c.registry }

// Queue returns the event queue.
func (c *Core) Queue() *irp.Queue { return c.queue }

// Roots returns the protected-roots set.
func (c *Core) Roots() *roots.Set { return c.roots }

// State returns the current filter state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether the filter is running with a connected agent —
// the only state that produces events.
func (c *Core) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// Register moves the filter from Unregistered to Idle.
func (c *Core) Register() error {
	return c.transition(StateUnregistered, StateIdle)
}

// StartFiltering moves the filter from Idle to Running.
func (c *Core) StartFiltering() error {
	return c.transition(StateIdle, StateRunning)
}

// StopFiltering returns the filter to Idle from Running or Active and
// drops the agent session.
func (c *Core) StopFiltering() error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateActive {
		c.mu.Unlock()
		return ErrBadTransition
	}
	c.state = StateIdle
	c.agentPID = 0
	c.mu.Unlock()

	c.publish(core.NewAuditEvent(core.AuditFilterStopped))
	return nil
}

func (c *Core) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return ErrBadTransition
	}
	c.state = to
	return nil
}

// SetAgent records the connected agent's pid and system root and moves
// the filter to Active. A zero pid is rejected.
func (c *Core) SetAgent(pid uint32, systemRoot string) error {
	if pid == 0 {
		return ErrInvalidAgent
	}
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateActive {
		c.mu.Unlock()
		return ErrBadTransition
	}
	c.state = StateActive
	c.agentPID = pid
	c.systemRoot = systemRoot
	c.mu.Unlock()

	c.registry.SetTrustedRoot(systemRoot)
	c.logger.Info().Uint32("agent_pid", pid).Str("system_root", systemRoot).Msg("agent session established")
	c.publish(core.NewAuditEvent(core.AuditAgentConnected).With("agent_pid", pid))
	return nil
}

// AgentPID returns the connected agent's pid, zero when none.
func (c *Core) AgentPID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentPID
}

// SystemRoot returns the agent-supplied system root path.
func (c *Core) SystemRoot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemRoot
}

// AgentDisconnected drops the agent session; the filter keeps running
// but produces no events until the next SetAgent.
func (c *Core) AgentDisconnected() {
	c.mu.Lock()
	if c.state == StateActive {
		c.state = StateRunning
	}
	pid := c.agentPID
	c.agentPID = 0
	c.mu.Unlock()

	c.logger.Info().Uint32("agent_pid", pid).Msg("agent disconnected")
	c.publish(core.NewAuditEvent(core.AuditAgentDisconnected).With("agent_pid", pid))
}

// OnProcessCreate is the process-creation half of the lifecycle hook the
// host invokes. Image paths for both the process and its parent are
// resolved by the host before the call.
func (c *Core) OnProcessCreate(pid, parentPid uint32, image, parentImage string) {
	if !c.Active() {
		return
	}
	if !c.registry.Record(pid, parentPid, image, parentImage) {
		return
	}
	gidVal, _ := c.registry.GidOf(pid)
	c.logger.Debug().
		Uint32("pid", pid).
		Uint32("parent", parentPid).
		Uint64("gid", gidVal).
		Str("image", image).
		Msg("process recorded")
	c.publish(core.NewAuditEvent(core.AuditProcessRecorded).
		With("pid", pid).
		With("gid", gidVal).
		With("image", image))
}

// OnProcessExit is the process-exit half of the lifecycle hook.
func (c *Core) OnProcessExit(pid uint32) {
	if !c.registry.Unrecord(pid) {
		return
	}
	c.logger.Debug().Uint32("pid", pid).Msg("process removed")
	c.publish(core.NewAuditEvent(core.AuditProcessRemoved).With("pid", pid))
}

// AddRoot adds a protected directory prefix.
func (c *Core) AddRoot(prefix string) bool {
	if !c.roots.Add(prefix) {
		return false
	}
	c.publish(core.NewAuditEvent(core.AuditRootAdded).With("prefix", prefix))
	return true
}

// RemoveRoot removes the protected root matching path.
func (c *Core) RemoveRoot(path string) (string, bool) {
	removed, ok := c.roots.Remove(path)
	if !ok {
		return "", false
	}
	c.publish(core.NewAuditEvent(core.AuditRootRemoved).With("prefix", removed))
	return removed, true
}

// PublishGroupTerminated records a terminate-group fan-out on the audit
// bus.
func (c *Core) PublishGroupTerminated(gidVal uint64, pids []uint32, failures int) {
	c.publish(core.NewAuditEvent(core.AuditGroupTerminated).
		With("gid", gidVal).
		With("pids", pids).
		With("failures", failures))
}

// Shutdown stops filtering and tears down every data structure, the
// unload path of the filter.
func (c *Core) Shutdown() {
	c.mu.Lock()
	c.state = StateIdle
	c.agentPID = 0
	c.mu.Unlock()

	c.roots.Clear()
	c.queue.Clear()
	c.registry.Clear()
	c.logger.Info().Msg("filter core shut down")
}

func (c *Core) publish(event *core.AuditEvent) {
	if c.audit == nil {
		return
	}
	if err := c.audit.PublishAudit(event); err != nil {
		c.logger.Warn().Err(err).Str("kind", event.Kind).Msg("audit publish failed")
	}
}
