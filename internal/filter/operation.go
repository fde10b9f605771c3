package filter

import (
	"github.com/SitinCloud/Owlyshield/internal/irp"
)

// Create-completion results reported by the filesystem in
// Operation.Status.Information.
const (
	FileSuperseded  uint64 = 0
	FileOpened      uint64 = 1
	FileCreated     uint64 = 2
	FileOverwritten uint64 = 3
)

// NT-style statuses the pipeline uses when it completes an operation
// with failure instead of letting it through.
const (
	StatusInsufficientResources uint32 = 0xC000009A
	StatusInternalError         uint32 = 0xC00000E5
)

// SetInfoClass identifies the set-information variants the pipeline
// distinguishes. Anything else is SetInfoOther and is dropped.
type SetInfoClass uint8

const (
	SetInfoOther SetInfoClass = iota
	SetInfoDisposition
	SetInfoDispositionEx
	SetInfoRename
	SetInfoRenameEx
)

// NameInfo is resolved name information for a file object, supplied by
// the host filter manager.
type NameInfo struct {
	// Volume is the volume device prefix of Name.
	Volume string
	// Name is the full opened name, including the volume device prefix.
	Name string
	// Extension is the file-name extension without the dot.
	Extension string
}

// BufferRef gives the pipeline access to an operation's payload buffer.
// Map can fail the way a memory-descriptor mapping fails.
type BufferRef interface {
	Map() ([]byte, error)
}

// Lockable is implemented by buffers that must be pinned before they can
// be mapped from a deferred context.
type Lockable interface {
	Lock() error
}

// MemBuffer adapts an in-memory payload.
type MemBuffer []byte

func (b MemBuffer) Map() ([]byte, error) { return b, nil }
func (b MemBuffer) Lock() error          { return nil }

// IoStatus carries the completion state of an operation. The pipeline
// reads OK/Reparse/Information on post-callbacks and writes FailStatus
// when it completes the operation with a failure.
type IoStatus struct {
	OK          bool
	Reparse     bool
	Information uint64
	FailStatus  uint32
}

// SetInfoParams describes a set-information operation.
type SetInfoParams struct {
	Class SetInfoClass
	// Delete is the disposition delete flag (both class variants).
	Delete bool
	// NewName is the resolved rename destination.
	NewName NameInfo
}

// Operation is one filesystem operation passing through the filter. The
// host fills it before invoking the callbacks; the completion context for
// two-phase operations travels inside it.
type Operation struct {
	Major         irp.MajorOp
	RequestorPID  uint32
	HasFileObject bool
	// Directory is the target attribute the host reports through
	// IsDirectory.
	Directory bool
	Instance  *Instance
	Name      NameInfo
	FileID    irp.FileID

	// Length is the requested payload size for read/write pre-ops.
	Length uint32
	// Buffer is the payload buffer for read/write.
	Buffer BufferRef
	// Mapped is set when a system mapping of the buffer already exists.
	Mapped bool
	// SystemBuffer is set when the buffer lives in system space and is
	// safe to touch from any context.
	SystemBuffer bool
	// SafeContext reports whether the current execution context allows
	// pageable access and floating-point use.
	SafeContext bool

	DeleteOnClose       bool
	OpenTargetDirectory bool
	PagingFile          bool

	SetInfo SetInfoParams
	Status  IoStatus

	// ctx carries the pre-op event to the post-op for two-phase reads.
	ctx *irp.Event
}

// Host abstracts the filter-manager facilities the pipeline calls back
// into. Registration of the filter itself is the embedder's concern.
type Host interface {
	// IsDirectory reports whether the operation's target is a directory.
	IsDirectory(op *Operation) (bool, error)
	// DosName resolves a volume device name to its DOS name.
	DosName(volume string) (string, error)
	// ScheduleSafe arranges for fn to run in a context where pageable
	// access and floating-point are usable; it may run fn inline when
	// the current context already qualifies. Returns false when the
	// work could not be scheduled.
	ScheduleSafe(fn func()) bool
}

// Instance is a per-volume attachment. The volume's DOS name is resolved
// once at setup and cached; callbacks running in restricted contexts use
// the cached value without a re-query.
type Instance struct {
	Volume  string
	DosName string
}

// Setup creates an instance for volume, resolving its DOS name. A failed
// resolution leaves the DOS name empty; paths then carry only the part
// after the volume device name.
func Setup(host Host, volume string) *Instance {
	inst := &Instance{Volume: volume}
	if dos, err := host.DosName(volume); err == nil {
		inst.DosName = dos
	}
	return inst
}

// refresh re-queries the DOS name. Only called from safe contexts.
func (inst *Instance) refresh(host Host) {
	if dos, err := host.DosName(inst.Volume); err == nil {
		inst.DosName = dos
	}
}
