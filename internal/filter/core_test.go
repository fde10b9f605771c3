package filter

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SitinCloud/Owlyshield/internal/core"
	"github.com/SitinCloud/Owlyshield/internal/irp"
)

func makeQueueEvent() *irp.Event {
	return &irp.Event{Op: irp.OpWrite, PID: 300}
}

// recordingPublisher captures audit events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*core.AuditEvent
}

func (r *recordingPublisher) PublishAudit(event *core.AuditEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recordingPublisher) has(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func TestStateMachineTransitions(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	if c.State() != StateUnregistered {
		t.Fatalf("initial state = %v", c.State())
	}
	if err := c.StartFiltering(); err == nil {
		t.Fatal("StartFiltering from Unregistered succeeded")
	}
	if err := c.Register(); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state after Register = %v", c.State())
	}
	if err := c.Register(); err == nil {
		t.Fatal("double Register succeeded")
	}
	if err := c.StartFiltering(); err != nil {
		t.Fatalf("StartFiltering() error: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state after StartFiltering = %v", c.State())
	}
	if err := c.SetAgent(100, `C:`); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}
	if c.State() != StateActive || !c.Active() {
		t.Fatalf("state after SetAgent = %v", c.State())
	}
	c.AgentDisconnected()
	if c.State() != StateRunning || c.Active() {
		t.Fatalf("state after disconnect = %v", c.State())
	}
	if err := c.StopFiltering(); err != nil {
		t.Fatalf("StopFiltering() error: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state after StopFiltering = %v", c.State())
	}
}

func TestSetAgentRejectsZeroPid(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	_ = c.Register()
	_ = c.StartFiltering()
	if err := c.SetAgent(0, `C:`); err != ErrInvalidAgent {
		t.Fatalf("SetAgent(0) error = %v, want ErrInvalidAgent", err)
	}
	if c.Active() {
		t.Fatal("core became Active with zero agent pid")
	}
}

func TestSetAgentWhileIdleFails(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	_ = c.Register()
	if err := c.SetAgent(100, `C:`); err != ErrBadTransition {
		t.Fatalf("SetAgent while Idle error = %v, want ErrBadTransition", err)
	}
}

func TestSetAgentReplacesSession(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	_ = c.Register()
	_ = c.StartFiltering()
	_ = c.SetAgent(100, `C:`)
	if err := c.SetAgent(200, `D:`); err != nil {
		t.Fatalf("second SetAgent error: %v", err)
	}
	if c.AgentPID() != 200 || c.SystemRoot() != `D:` {
		t.Fatalf("session = pid %d root %q", c.AgentPID(), c.SystemRoot())
	}
}

func TestProcessHookGatedOnAgent(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	_ = c.Register()
	_ = c.StartFiltering()

	c.OnProcessCreate(300, 4, `C:\evil.exe`, `C:\x.exe`)
	if _, ok := c.Registry().GidOf(300); ok {
		t.Fatal("process recorded with no agent connected")
	}

	_ = c.SetAgent(100, ``)
	c.OnProcessCreate(300, 4, `C:\evil.exe`, `C:\x.exe`)
	if _, ok := c.Registry().GidOf(300); !ok {
		t.Fatal("process not recorded while Active")
	}

	c.OnProcessExit(300)
	if _, ok := c.Registry().GidOf(300); ok {
		t.Fatal("process still tracked after exit")
	}
}

func TestAuditEventsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCore(zerolog.Nop(), pub)
	_ = c.Register()
	_ = c.StartFiltering()
	_ = c.SetAgent(100, ``)
	c.OnProcessCreate(300, 4, `C:\evil.exe`, `C:\x.exe`)
	c.AddRoot(`C:\data`)
	c.RemoveRoot(`C:\data`)
	c.OnProcessExit(300)
	c.AgentDisconnected()

	for _, kind := range []string{
		core.AuditAgentConnected,
		core.AuditProcessRecorded,
		core.AuditRootAdded,
		core.AuditRootRemoved,
		core.AuditProcessRemoved,
		core.AuditAgentDisconnected,
	} {
		if !pub.has(kind) {
			t.Errorf("audit kind %q not published; got %v", kind, pub.kinds())
		}
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	_ = c.Register()
	_ = c.StartFiltering()
	_ = c.SetAgent(100, ``)
	c.OnProcessCreate(300, 4, `C:\evil.exe`, `C:\x.exe`)
	c.AddRoot(`C:\data`)
	c.PublishGroupTerminated(1, []uint32{300}, 0)
}

func TestShutdownClearsEverything(t *testing.T) {
	c := NewCore(zerolog.Nop(), nil)
	_ = c.Register()
	_ = c.StartFiltering()
	_ = c.SetAgent(100, ``)
	c.OnProcessCreate(300, 4, `C:\evil.exe`, `C:\x.exe`)
	c.AddRoot(`C:\data`)
	c.Queue().Enqueue(makeQueueEvent())

	c.Shutdown()
	if c.Queue().Len() != 0 {
		t.Fatal("queue not cleared on shutdown")
	}
	if c.Registry().PidCount() != 0 || c.Registry().GroupCount() != 0 {
		t.Fatal("registry not cleared on shutdown")
	}
	if c.Roots().Len() != 0 {
		t.Fatal("roots not cleared on shutdown")
	}
	if c.State() != StateIdle {
		t.Fatalf("state after shutdown = %v", c.State())
	}
}
