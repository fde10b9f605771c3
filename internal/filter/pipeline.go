package filter

import (
	"errors"
	"strings"
	"unicode/utf16"

	"github.com/rs/zerolog"

	"github.com/SitinCloud/Owlyshield/internal/entropy"
	"github.com/SitinCloud/Owlyshield/internal/irp"
)

// PreStatus is the pre-callback verdict handed back to the host.
type PreStatus int

const (
	// PreNoCallback lets the operation through without a post-callback.
	PreNoCallback PreStatus = iota
	// PreWithCallback requests the post-callback after completion.
	PreWithCallback
	// PreComplete completes the operation now with Status.FailStatus.
	PreComplete
)

var errNoName = errors.New("filter: file name unavailable")

// Pipeline is the pre/post-operation state machine. It classifies each
// observed operation, computes payload entropy where the contract asks
// for it, and emits at most one event per operation into the queue.
type Pipeline struct {
	core   *Core
	host   Host
	logger zerolog.Logger
}

// NewPipeline creates a Pipeline over core, calling back into host for
// filter-manager facilities.
func NewPipeline(c *Core, host Host, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		core:   c,
		host:   host,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// PreOperation is invoked by the host before an operation is dispatched
// to the filesystem.
func (p *Pipeline) PreOperation(op *Operation) PreStatus {
	if op.RequestorPID == systemPID {
		return PreNoCallback
	}
	if op.RequestorPID == p.core.AgentPID() {
		return PreNoCallback
	}
	if !op.HasFileObject {
		return PreNoCallback
	}
	// Create is classified on completion only.
	if op.Major == irp.OpCreate {
		return PreWithCallback
	}
	return p.processPre(op)
}

func (p *Pipeline) processPre(op *Operation) PreStatus {
	if !p.core.Active() {
		return PreNoCallback
	}
	isDir, err := p.host.IsDirectory(op)
	if err != nil || isDir {
		return PreNoCallback
	}
	gidVal, ok := p.core.Registry().GidOf(op.RequestorPID)
	if !ok {
		return PreNoCallback
	}
	path, err := p.resolvePath(op, op.Name)
	if err != nil {
		return PreNoCallback
	}

	ev := &irp.Event{
		PID:    op.RequestorPID,
		Gid:    gidVal,
		FileID: op.FileID,
	}
	ev.SetPath(path)
	if p.core.Roots().ContainsPrefixOf(path) {
		ev.Location = irp.LocationProtected
	}
	if op.Major == irp.OpRead || op.Major == irp.OpWrite {
		ev.SetExtension(op.Name.Extension)
	}

	switch op.Major {
	case irp.OpRead:
		if op.Length == 0 {
			return PreNoCallback
		}
		ev.Op = irp.OpRead
		// Entropy is computed from the returned data on the post-op.
		op.ctx = ev
		return PreWithCallback

	case irp.OpCleanup:
		ev.Op = irp.OpCleanup

	case irp.OpWrite:
		ev.Op = irp.OpWrite
		ev.Change = irp.ChangeWrite
		if op.Length > 0 {
			if status := p.scanWriteBuffer(op, ev); status != PreNoCallback {
				return status
			}
		}

	case irp.OpSetInfo:
		ev.Op = irp.OpSetInfo
		if status, keep := p.classifySetInfo(op, ev); !keep {
			return status
		}

	default:
		return PreNoCallback
	}

	p.enqueue(ev)
	return PreNoCallback
}

// scanWriteBuffer maps the write payload and computes its entropy.
// Returns PreNoCallback on success; any failure completes the operation.
func (p *Pipeline) scanWriteBuffer(op *Operation, ev *irp.Event) PreStatus {
	if op.Buffer == nil {
		op.Status.FailStatus = StatusInsufficientResources
		return PreComplete
	}
	buf, err := op.Buffer.Map()
	if err != nil || buf == nil {
		op.Status.FailStatus = StatusInsufficientResources
		return PreComplete
	}
	ev.PayloadSize = uint64(op.Length)
	ent, err := entropy.Scan(buf)
	if err != nil {
		op.Status.FailStatus = StatusInternalError
		return PreComplete
	}
	ev.Entropy = ent
	ev.EntropyCalc = true
	return PreNoCallback
}

// classifySetInfo fills the event for a set-information operation. keep
// is false when the operation is neither a delete nor a rename and the
// event must be dropped.
func (p *Pipeline) classifySetInfo(op *Operation, ev *irp.Event) (PreStatus, bool) {
	switch op.SetInfo.Class {
	case SetInfoDisposition, SetInfoDispositionEx:
		if !op.SetInfo.Delete {
			return PreNoCallback, false
		}
		ev.Change = irp.ChangeDeleteFile
		return PreNoCallback, true

	case SetInfoRename, SetInfoRenameEx:
		ev.Change = irp.ChangeRenameFile
		newPath, err := p.resolvePath(op, op.SetInfo.NewName)
		if err != nil {
			return PreNoCallback, false
		}
		// The event reports the destination name; the old name is
		// recoverable by file id.
		ev.SetPath(newPath)
		ev.Location = irp.LocationMovedOut
		ev.SetExtension(op.SetInfo.NewName.Extension)
		if extensionChanged(op.Name.Extension, op.SetInfo.NewName.Extension) {
			ev.Change = irp.ChangeExtensionChanged
		}
		return PreNoCallback, true

	default:
		return PreNoCallback, false
	}
}

// PostOperation is invoked by the host after the filesystem completed an
// operation for which the pre-callback asked to be called back.
func (p *Pipeline) PostOperation(op *Operation) {
	if !op.Status.OK || op.Status.Reparse {
		if op.ctx != nil && op.Major == irp.OpRead {
			op.ctx = nil
		}
		return
	}
	switch op.Major {
	case irp.OpCreate:
		p.postCreate(op)
	case irp.OpRead:
		p.postRead(op)
	}
}

func (p *Pipeline) postCreate(op *Operation) {
	if op.OpenTargetDirectory || op.PagingFile {
		return
	}
	if !p.core.Active() {
		return
	}
	isDir, err := p.host.IsDirectory(op)
	if err != nil {
		return
	}
	gidVal, ok := p.core.Registry().GidOf(op.RequestorPID)
	if !ok {
		return
	}
	path, err := p.resolvePath(op, op.Name)
	if err != nil {
		return
	}

	ev := &irp.Event{
		Op:       irp.OpCreate,
		PID:      op.RequestorPID,
		Gid:      gidVal,
		FileID:   op.FileID,
		Location: irp.LocationProtected,
	}
	ev.SetPath(path)
	ev.SetExtension(op.Name.Extension)

	info := op.Status.Information
	switch {
	case isDir && info == FileOpened:
		ev.Change = irp.ChangeOpenDirectory
	case isDir:
		// Directory but not a listing open: not interesting.
		return
	case info == FileOverwritten || info == FileSuperseded:
		ev.Change = irp.ChangeOverwriteFile
	case op.DeleteOnClose:
		ev.Change = irp.ChangeDeleteFile
		if info == FileCreated {
			ev.Change = irp.ChangeDeleteNewFile
		}
	case info == FileCreated:
		ev.Change = irp.ChangeNewFile
	}

	p.enqueue(ev)
}

func (p *Pipeline) postRead(op *Operation) {
	ev := op.ctx
	if ev == nil {
		return
	}
	op.ctx = nil

	if !p.core.Active() {
		return
	}

	if !op.Mapped && !op.SystemBuffer {
		// The raw user buffer cannot be touched here; finish in a safe
		// execution context. Both paths converge on the same enqueue.
		if !p.host.ScheduleSafe(func() { p.postReadSafe(op, ev) }) {
			op.Status.FailStatus = StatusInternalError
		}
		return
	}

	buf, err := op.Buffer.Map()
	if err != nil || buf == nil {
		op.Status.FailStatus = StatusInsufficientResources
		return
	}
	p.finishRead(op, ev, buf)
}

// postReadSafe is the deferred continuation for reads whose buffer needed
// a safe context: the user buffer is locked, mapped, and scanned.
func (p *Pipeline) postReadSafe(op *Operation, ev *irp.Event) {
	if l, ok := op.Buffer.(Lockable); ok {
		if err := l.Lock(); err != nil {
			op.Status.FailStatus = StatusInsufficientResources
			return
		}
	}
	buf, err := op.Buffer.Map()
	if err != nil || buf == nil {
		op.Status.FailStatus = StatusInsufficientResources
		return
	}
	p.finishRead(op, ev, buf)
}

func (p *Pipeline) finishRead(op *Operation, ev *irp.Event, buf []byte) {
	n := op.Status.Information
	if n > uint64(len(buf)) {
		n = uint64(len(buf))
	}
	ent, err := entropy.Scan(buf[:n])
	if err != nil {
		op.Status.FailStatus = StatusInternalError
		return
	}
	ev.PayloadSize = n
	ev.Entropy = ent
	ev.EntropyCalc = true
	p.enqueue(ev)
}

func (p *Pipeline) enqueue(ev *irp.Event) {
	if !p.core.Queue().Enqueue(ev) {
		p.logger.Debug().
			Stringer("op", ev.Op).
			Uint32("pid", ev.PID).
			Msg("queue full, event dropped")
	}
}

// resolvePath builds the absolute "DOS volume name + path after volume"
// form of name, using the instance's cached DOS name. The cache is only
// refreshed from contexts that allow it.
func (p *Pipeline) resolvePath(op *Operation, name NameInfo) (string, error) {
	if name.Name == "" {
		return "", errNoName
	}
	dos := ""
	if op.Instance != nil {
		if op.SafeContext {
			op.Instance.refresh(p.host)
		}
		dos = op.Instance.DosName
	}
	// The opened name being exactly the volume means the target is the
	// volume itself.
	if name.Volume != "" && name.Name == name.Volume {
		return name.Name, nil
	}
	return dos + strings.TrimPrefix(name.Name, name.Volume), nil
}

// extensionChanged compares the rename destination's extension against
// the old one the way the wire format stores extensions: code unit by
// code unit over the capped, null-padded field, stopping at the old
// extension's end.
func extensionChanged(oldExt, newExt string) bool {
	o := utf16.Encode([]rune(oldExt))
	n := utf16.Encode([]rune(newExt))
	if len(n) > irp.MaxExtensionLength {
		n = n[:irp.MaxExtensionLength]
	}
	var padded [irp.MaxExtensionLength + 1]uint16
	copy(padded[:], n)
	for i := 0; i < irp.MaxExtensionLength; i++ {
		if i == len(o) {
			break
		}
		if padded[i] != o[i] {
			return true
		}
	}
	return false
}
