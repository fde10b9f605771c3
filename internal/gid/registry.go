// Package gid clusters observed processes into lineage groups. Every
// process descended from the same progenitor shares a group id, so the
// terminate-group command can stop an attacker-spawned subtree atomically.
package gid

import (
	"strings"
	"sync"

	"github.com/SitinCloud/Owlyshield/internal/hashmap"
)

const trustedSuffix = `\Windows`

// PidEntry records one live process inside a group.
type PidEntry struct {
	Pid   uint32
	Image string

	prev *PidEntry
	next *PidEntry
}

// group owns the pid list for one gid. The registry's gid map holds the
// strong reference; the global group list is only walked for teardown.
type group struct {
	gid      uint64
	pidCount uint64
	pids     *PidEntry

	prevGroup *group
	nextGroup *group
}

// Registry assigns and tracks group ids. All structures are guarded by a
// single leaf lock; no allocation that can fail is held under it beyond
// the entry itself.
type Registry struct {
	mu         sync.Mutex
	counter    uint64
	pidToGid   *hashmap.Map[uint64]
	groups     *hashmap.Map[*group]
	groupHead  *group
	groupTail  *group
	groupCount uint64
	trusted    string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		pidToGid: hashmap.New[uint64](),
		groups:   hashmap.New[*group](),
	}
}

// SetTrustedRoot installs the system-root path received from the agent.
// The OS image directory suffix is appended, forming the trusted prefix
// under which freshly spawned processes are not worth tracking.
func (r *Registry) SetTrustedRoot(systemRoot string) {
	r.mu.Lock()
	r.trusted = systemRoot + trustedSuffix
	r.mu.Unlock()
}

// trustedPrefix matches case-insensitively, the way image paths are
// compared on the host OS. With no trusted root configured yet, nothing
// is trusted.
func (r *Registry) trustedPrefix(path string) bool {
	if r.trusted == "" {
		return false
	}
	return len(path) >= len(r.trusted) && strings.EqualFold(path[:len(r.trusted)], r.trusted)
}

// Record registers a newly created process. If the parent is already
// tracked the process joins the parent's group regardless of where its
// image lives — a tainted parent taints its children. Otherwise a fresh
// group is allocated, unless both the process image and the parent image
// lie under the trusted prefix, which trims the bulk of OS-internal
// process churn. Returns true when the process was recorded.
func (r *Registry) Record(pid, parentPid uint32, image, parentImage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	parentGid, parentKnown := r.pidToGid.Lookup(uint64(parentPid))
	if !parentKnown && r.trustedPrefix(image) && r.trustedPrefix(parentImage) {
		return false
	}

	// A pid being reused while an old record lingers means the exit
	// notification was missed; drop the stale record first.
	if staleGid, ok := r.pidToGid.Lookup(uint64(pid)); ok {
		r.removePidLocked(pid, staleGid)
	}

	entry := &PidEntry{Pid: pid, Image: image}
	if parentKnown {
		g, ok := r.groups.Lookup(parentGid)
		if !ok {
			return false
		}
		r.linkPid(g, entry)
		r.pidToGid.Insert(uint64(pid), parentGid)
		return true
	}

	r.counter++
	g := &group{gid: r.counter}
	r.linkPid(g, entry)
	r.linkGroup(g)
	r.groups.Insert(g.gid, g)
	r.pidToGid.Insert(uint64(pid), g.gid)
	return true
}

// Unrecord removes an exited process from its group. When the group's
// pid list becomes empty the group itself is destroyed. Returns false if
// the pid was not tracked.
func (r *Registry) Unrecord(pid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	gidVal, ok := r.pidToGid.Lookup(uint64(pid))
	if !ok {
		return false
	}
	return r.removePidLocked(pid, gidVal)
}

// GidOf returns the group id assigned to pid.
func (r *Registry) GidOf(pid uint32) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pidToGid.Lookup(uint64(pid))
}

// GroupSize returns the number of live pids in the group.
func (r *Registry) GroupSize(gidVal uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups.Lookup(gidVal)
	if !ok {
		return 0, false
	}
	return g.pidCount, true
}

// SnapshotPids copies up to len(buf) pids from the group into buf and
// returns the count written plus whether the group held more than fit.
func (r *Registry) SnapshotPids(gidVal uint64, buf []uint32) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups.Lookup(gidVal)
	if !ok {
		return 0, false
	}
	n := 0
	for e := g.pids; e != nil && n < len(buf); e = e.next {
		buf[n] = e.Pid
		n++
	}
	return n, uint64(n) < g.pidCount
}

// DropGroup force-removes a group and every pid it tracks.
func (r *Registry) DropGroup(gidVal uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups.Lookup(gidVal)
	if !ok {
		return false
	}
	r.destroyGroupLocked(g)
	return true
}

// Clear tears down every group and resets the gid counter.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for g := r.groupHead; g != nil; {
		next := g.nextGroup
		r.destroyGroupLocked(g)
		g = next
	}
	r.counter = 0
}

// GroupCount returns the number of live groups.
func (r *Registry) GroupCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupCount
}

// PidCount returns the number of tracked processes.
func (r *Registry) PidCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pidToGid.Len()
}

func (r *Registry) linkPid(g *group, e *PidEntry) {
	e.next = g.pids
	if g.pids != nil {
		g.pids.prev = e
	}
	g.pids = e
	g.pidCount++
}

func (r *Registry) linkGroup(g *group) {
	if r.groupTail == nil {
		r.groupHead = g
		r.groupTail = g
	} else {
		g.prevGroup = r.groupTail
		r.groupTail.nextGroup = g
		r.groupTail = g
	}
	r.groupCount++
}

func (r *Registry) unlinkGroup(g *group) {
	if g.prevGroup != nil {
		g.prevGroup.nextGroup = g.nextGroup
	} else {
		r.groupHead = g.nextGroup
	}
	if g.nextGroup != nil {
		g.nextGroup.prevGroup = g.prevGroup
	} else {
		r.groupTail = g.prevGroup
	}
	g.prevGroup = nil
	g.nextGroup = nil
	r.groupCount--
}

func (r *Registry) removePidLocked(pid uint32, gidVal uint64) bool {
	g, ok := r.groups.Lookup(gidVal)
	if !ok {
		return false
	}
	for e := g.pids; e != nil; e = e.next {
		if e.Pid != pid {
			continue
		}
		if e.prev != nil {
			e.prev.next = e.next
		} else {
			g.pids = e.next
		}
		if e.next != nil {
			e.next.prev = e.prev
		}
		g.pidCount--
		r.pidToGid.Erase(uint64(pid))
		if g.pids == nil {
			r.groups.Erase(gidVal)
			r.unlinkGroup(g)
		}
		return true
	}
	return false
}

// destroyGroupLocked drops every pid of g, then g itself.
func (r *Registry) destroyGroupLocked(g *group) {
	for e := g.pids; e != nil; e = e.next {
		r.pidToGid.Erase(uint64(e.Pid))
	}
	g.pids = nil
	g.pidCount = 0
	r.groups.Erase(g.gid)
	r.unlinkGroup(g)
}
