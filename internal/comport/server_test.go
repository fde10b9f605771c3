package comport

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SitinCloud/Owlyshield/internal/filter"
	"github.com/SitinCloud/Owlyshield/internal/irp"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// fakeKiller records terminate calls; pids listed in fail are refused.
type fakeKiller struct {
	mu     sync.Mutex
	killed []uint32
	fail   map[uint32]bool
}

func (k *fakeKiller) Terminate(pid uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail[pid] {
		return errors.New("access denied")
	}
	k.killed = append(k.killed, pid)
	return nil
}

func (k *fakeKiller) killedPids() []uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uint32(nil), k.killed...)
}

func runningCore(t *testing.T) *filter.Core {
	t.Helper()
	c := filter.NewCore(zerolog.Nop(), nil)
	if err := c.Register(); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := c.StartFiltering(); err != nil {
		t.Fatalf("StartFiltering() error: %v", err)
	}
	return c
}

func startServer(t *testing.T, c *filter.Core, killer ProcessController) *Server {
	t.Helper()
	srv := NewServer(c, killer, zerolog.Nop())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dialClient(t *testing.T, srv *Server) *Client {
	t.Helper()
	client, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// ─── Request handling ────────────────────────────────────────────────────────

func TestSetAgentActivatesFilter(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	if err := client.SetAgent(4242, `C:`); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}
	if !c.Active() || c.AgentPID() != 4242 {
		t.Fatalf("core state = %v pid %d after SetAgent", c.State(), c.AgentPID())
	}
}

func TestSetAgentZeroPidRejected(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	err := client.SetAgent(0, `C:`)
	if err == nil {
		t.Fatal("SetAgent(0) succeeded")
	}
	if c.Active() {
		t.Fatal("core activated by zero pid")
	}
}

func TestAddRemoveScanDirectory(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	added, err := client.AddScanDirectory(`C:\Users`)
	if err != nil || !added {
		t.Fatalf("AddScanDirectory = %v, %v", added, err)
	}
	// Rejected: an existing entry is a prefix of the new one.
	added, err = client.AddScanDirectory(`C:\Users\alice`)
	if err != nil || added {
		t.Fatalf("AddScanDirectory(nested) = %v, %v, want false", added, err)
	}
	removed, err := client.RemoveScanDirectory(`C:\Users\bob`)
	if err != nil || !removed {
		t.Fatalf("RemoveScanDirectory = %v, %v", removed, err)
	}
	removed, err = client.RemoveScanDirectory(`D:\none`)
	if err != nil || removed {
		t.Fatalf("RemoveScanDirectory(absent) = %v, %v, want false", removed, err)
	}
}

func TestGetOpsRoundTrip(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)
	if err := client.SetAgent(4242, ``); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		ev := &irp.Event{Op: irp.OpWrite, PID: uint32(100 + i), Gid: 3, Change: irp.ChangeWrite}
		ev.SetPath(`C:\Users\alice\f.txt`)
		ev.SetExtension("txt")
		if !c.Queue().Enqueue(ev) {
			t.Fatal("Enqueue failed")
		}
	}

	records, err := client.GetOps()
	if err != nil {
		t.Fatalf("GetOps() error: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("GetOps() returned %d records, want 5", len(records))
	}
	for i, r := range records {
		if r.PID != uint32(100+i) {
			t.Fatalf("record %d pid = %d (FIFO violated)", i, r.PID)
		}
		if r.Path != `C:\Users\alice\f.txt` || r.Extension != "txt" || r.Gid != 3 {
			t.Fatalf("record %d = %+v", i, r)
		}
	}
	if c.Queue().Len() != 0 {
		t.Fatalf("queue still holds %d events", c.Queue().Len())
	}

	// A second drain is empty but well-formed.
	records, err = client.GetOps()
	if err != nil || len(records) != 0 {
		t.Fatalf("second GetOps() = %d records, %v", len(records), err)
	}
}

func TestGetOpsWrongCapacityRejected(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	status, _, err := client.request(Message{Type: MsgGetOps}, 1024)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != StatusInvalidParameter {
		t.Fatalf("status = 0x%08X, want invalid parameter", status)
	}
}

func TestTerminateGroup(t *testing.T) {
	c := runningCore(t)
	killer := &fakeKiller{}
	srv := startServer(t, c, killer)
	client := dialClient(t, srv)
	if err := client.SetAgent(4242, ``); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}
	c.OnProcessCreate(200, 4, `C:\evil.exe`, `C:\x.exe`)
	c.OnProcessCreate(201, 200, `C:\child.exe`, `C:\evil.exe`)
	gidVal, _ := c.Registry().GidOf(200)

	result, err := client.TerminateGroup(gidVal)
	if err != nil {
		t.Fatalf("TerminateGroup() error: %v", err)
	}
	if result != StatusSuccess {
		t.Fatalf("result = 0x%08X, want success", result)
	}
	killed := killer.killedPids()
	if len(killed) != 2 {
		t.Fatalf("terminated %v, want both group pids", killed)
	}
	seen := map[uint32]bool{}
	for _, pid := range killed {
		seen[pid] = true
	}
	if !seen[200] || !seen[201] {
		t.Fatalf("terminated %v, want {200, 201}", killed)
	}
}

func TestTerminateGroupUnknownGid(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	result, err := client.TerminateGroup(424242)
	if err != nil {
		t.Fatalf("TerminateGroup() error: %v", err)
	}
	if result != StatusNoSuchGroup {
		t.Fatalf("result = 0x%08X, want no-such-group", result)
	}
	if int32(result) >= 0 {
		t.Fatal("no-such-group sentinel is not negative")
	}
}

func TestTerminateGroupBestEffort(t *testing.T) {
	c := runningCore(t)
	killer := &fakeKiller{fail: map[uint32]bool{200: true}}
	srv := startServer(t, c, killer)
	client := dialClient(t, srv)
	if err := client.SetAgent(4242, ``); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}
	c.OnProcessCreate(200, 4, `C:\evil.exe`, `C:\x.exe`)
	c.OnProcessCreate(201, 200, `C:\child.exe`, `C:\evil.exe`)
	gidVal, _ := c.Registry().GidOf(200)

	result, err := client.TerminateGroup(gidVal)
	if err != nil {
		t.Fatalf("TerminateGroup() error: %v", err)
	}
	if result != StatusFailCheck {
		t.Fatalf("result = 0x%08X, want fail-check sentinel", result)
	}
	// The failure did not stop the loop: the other pid was terminated.
	if killed := killer.killedPids(); len(killed) != 1 || killed[0] != 201 {
		t.Fatalf("terminated %v, want {201}", killed)
	}
}

func TestTerminateGroupWrongCapacityRejected(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	status, _, err := client.request(Message{Type: MsgTerminateGroup, Gid: 1}, 8)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != StatusInvalidParameter {
		t.Fatalf("status = 0x%08X, want invalid parameter", status)
	}
}

// ─── Connection semantics ────────────────────────────────────────────────────

func TestSingleClientEnforced(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	first := dialClient(t, srv)
	if err := first.SetAgent(4242, ``); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}

	// The second connection is accepted at the TCP level and closed
	// immediately; its first request fails.
	second, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("second Dial() error: %v", err)
	}
	defer second.Close()
	if err := second.SetAgent(9999, ``); err == nil {
		t.Fatal("second client request succeeded")
	}
	// The first client's session is untouched.
	if c.AgentPID() != 4242 {
		t.Fatalf("agent pid = %d after refused connect", c.AgentPID())
	}
}

func TestDisconnectDropsAgentSession(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)
	if err := client.SetAgent(4242, ``); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}
	_ = client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for c.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Active() || c.AgentPID() != 0 {
		t.Fatalf("core still active after disconnect: %v pid %d", c.State(), c.AgentPID())
	}

	// A new client can take over.
	next := dialClient(t, srv)
	if err := next.SetAgent(5555, ``); err != nil {
		t.Fatalf("SetAgent() after reconnect error: %v", err)
	}
	if c.AgentPID() != 5555 {
		t.Fatalf("agent pid = %d after reconnect", c.AgentPID())
	}
}

func TestQueueCapacityThroughPort(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)
	if err := client.SetAgent(4242, ``); err != nil {
		t.Fatalf("SetAgent() error: %v", err)
	}

	for i := 0; i < irp.MaxQueued; i++ {
		ev := &irp.Event{Op: irp.OpWrite, PID: uint32(i)}
		ev.SetPath(`C:\Users\alice\some\longer\path\file.bin`)
		if !c.Queue().Enqueue(ev) {
			t.Fatalf("Enqueue %d failed below ceiling", i)
		}
	}
	if c.Queue().Enqueue(&irp.Event{}) {
		t.Fatal("enqueue above ceiling succeeded")
	}

	records, err := client.GetOps()
	if err != nil {
		t.Fatalf("GetOps() error: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("GetOps() drained nothing")
	}
	// 104-byte headers plus paths: a 64 KiB batch holds several hundred.
	if len(records) > 640 {
		t.Fatalf("batch of %d records cannot fit the 64 KiB contract", len(records))
	}
	if c.Queue().Len() != irp.MaxQueued-len(records) {
		t.Fatalf("queue length = %d after drain of %d", c.Queue().Len(), len(records))
	}
	if !c.Queue().Enqueue(&irp.Event{}) {
		t.Fatal("enqueue after drain failed")
	}
}

func TestReplyFrameShape(t *testing.T) {
	c := runningCore(t)
	srv := startServer(t, c, &fakeKiller{})
	client := dialClient(t, srv)

	status, payload, err := client.request(Message{Type: MsgTerminateGroup, Gid: 7}, outCapTerminate)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != StatusSuccess || len(payload) != 4 {
		t.Fatalf("reply = status 0x%08X payload %d bytes", status, len(payload))
	}
	if got := binary.LittleEndian.Uint32(payload); got != StatusNoSuchGroup {
		t.Fatalf("sentinel = 0x%08X, want no-such-group", got)
	}
}
