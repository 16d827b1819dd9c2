// Package refbuf implements a reference-counted byte slab with guard
// words, the handle type objects flow through the validation pipeline in
// without being copied.
//
// The aux-pointer array the original carries on every allocation (slot 0
// a raw allocation for block-specific state, slots 1..n an owned DAG of
// child RefBufs) is modeled here as a single Payload interface rather
// than a literal pointer array, per the reimplementation guidance to
// prefer a tagged sum over a raw aux-pointer array.
package refbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/credacash/ccnode/internal/fatal"
)

const (
	guardLive uint32 = 0x84758362
	guardFree uint32 = 0x28472919

	// MaxBodySize matches the original's 258 MiB cap on a single
	// allocation (258 * 1024 * 1024).
	MaxBodySize = 258 * 1024 * 1024

	maxAuxSlots = 20
)

// Payload is the tagged-sum replacement for the original's raw
// aux-pointer array. RawPayload models aux slot 0 (freed as a plain
// allocation, no refcounting); ChildPayload models aux slots 1..n (an
// owned DAG of further Handles, released together with their parent).
type Payload interface {
	isPayload()
}

// RawPayload carries block-specific state whose lifetime must exactly
// match the owning RefBuf. It participates in no refcounting of its own.
type RawPayload struct {
	Data any
}

func (RawPayload) isPayload() {}

// ChildPayload carries an owned set of child Handles (e.g. a block's
// constituent transactions) released in one operation when the parent's
// refcount reaches zero.
type ChildPayload struct {
	Children []Handle
}

func (ChildPayload) isPayload() {}

type slab struct {
	guardFront uint32
	refcount   atomic.Int64
	body       []byte
	payload    atomic.Pointer[Payload]
	guardBack  uint32
	freed      atomic.Bool
}

func (s *slab) checkGuard() {
	if s.freed.Load() {
		fatal.Set(fmt.Sprintf("refbuf: use after free, guards were %x/%x", s.guardFront, s.guardBack))
		panic("refbuf: use after free")
	}
	if s.guardFront != guardLive || s.guardBack != guardLive {
		fatal.Set(fmt.Sprintf("refbuf: guard violation, front=%x back=%x", s.guardFront, s.guardBack))
		panic("refbuf: guard violation")
	}
	if s.refcount.Load() <= 0 {
		fatal.Set("refbuf: non-positive refcount on live slab")
		panic("refbuf: invalid refcount")
	}
}

var (
	liveBytes  atomic.Int64
	liveCount  atomic.Int64
	maxCount   atomic.Int64
	maxRefSeen atomic.Int64

	milestoneMu sync.Mutex
)

// Stats reports the process-wide live byte/object counters maintained
// as atomics by every alloc/drop, mirroring the original's bytecount and
// objcount globals.
func Stats() (liveBytesNow, liveObjectsNow int64) {
	return liveBytes.Load(), liveCount.Load()
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// logMilestone mirrors the original's power-of-two milestone logging for
// max observed refcount and live object count. It is a no-op hook point;
// the default implementation is silent unless overridden by SetLogger.
var milestoneLogger func(format string, args ...any)

// SetLogger installs the callback used for power-of-two milestone logs.
// Passing nil disables milestone logging.
func SetLogger(f func(format string, args ...any)) {
	milestoneMu.Lock()
	milestoneLogger = f
	milestoneMu.Unlock()
}

func logf(format string, args ...any) {
	milestoneMu.Lock()
	f := milestoneLogger
	milestoneMu.Unlock()
	if f != nil {
		f(format, args...)
	}
}

// Handle is one strong reference to a slab. The zero Handle is the
// "empty handle" the original returns for a zero-size or oversized
// allocation request.
type Handle struct {
	s *slab
}

// Alloc returns a new Handle owning an all-zero body of at least
// bodySize bytes. It returns an empty Handle (IsValid() == false) if
// bodySize is zero or exceeds MaxBodySize, exactly as the original's
// alloc contract specifies.
func Alloc(bodySize int) Handle {
	if bodySize <= 0 || bodySize > MaxBodySize {
		return Handle{}
	}
	s := &slab{
		guardFront: guardLive,
		guardBack:  guardLive,
		body:       make([]byte, bodySize),
	}
	s.refcount.Store(1)

	n := liveCount.Add(1)
	liveBytes.Add(int64(bodySize))
	if n > maxCount.Load() {
		maxCount.Store(n)
		if isPowerOfTwo(n) {
			logf("refbuf: live object count milestone %d", n)
		}
	}

	return Handle{s: s}
}

// IsValid reports whether h refers to a live allocation.
func (h Handle) IsValid() bool {
	return h.s != nil
}

// Data returns the handle's user-area bytes. It panics (via a logged
// fatal condition) if the guard words have been corrupted or the handle
// has already been dropped to zero.
func (h Handle) Data() []byte {
	if h.s == nil {
		return nil
	}
	h.s.checkGuard()
	return h.s.body
}

// Size returns the length of the user area.
func (h Handle) Size() int {
	if h.s == nil {
		return 0
	}
	return len(h.s.body)
}

// SetPayload attaches the tagged-sum aux payload to the slab. It may be
// called at most once per slab (subsequent calls replace it, mirroring
// that aux pointers are only ever set once during parsing in the
// original). A ChildPayload carrying more than maxAuxSlots children
// violates the original's nauxptrs bound and is a fatal condition
// rather than a silently truncated payload.
func (h Handle) SetPayload(p Payload) {
	if h.s == nil {
		return
	}
	h.s.checkGuard()
	if cp, ok := p.(ChildPayload); ok && len(cp.Children) > maxAuxSlots {
		fatal.Set(fmt.Sprintf("refbuf: child payload exceeds %d aux slots: %d", maxAuxSlots, len(cp.Children)))
		panic("refbuf: aux slot overflow")
	}
	h.s.payload.Store(&p)
}

// Payload returns the attached aux payload, or nil if none was set.
func (h Handle) Payload() Payload {
	if h.s == nil {
		return nil
	}
	h.s.checkGuard()
	pp := h.s.payload.Load()
	if pp == nil {
		return nil
	}
	return *pp
}

// Clone increments the refcount and returns a new Handle sharing the
// same slab. Safe to call from multiple goroutines concurrently.
func (h Handle) Clone() Handle {
	if h.s == nil {
		return Handle{}
	}
	h.s.checkGuard()
	n := h.s.refcount.Add(1)
	for {
		cur := maxRefSeen.Load()
		if n <= cur {
			break
		}
		if maxRefSeen.CompareAndSwap(cur, n) {
			if isPowerOfTwo(n) {
				logf("refbuf: max refcount milestone %d", n)
			}
			break
		}
	}
	return Handle{s: h.s}
}

// Drop releases one strong reference. When the refcount reaches zero the
// user area is released, the RawPayload (if any) is discarded, and every
// ChildPayload Handle is recursively dropped, mirroring the original's
// free-slot-0 / DecRef-slots-1..n behavior.
func Drop(h Handle) {
	if h.s == nil {
		return
	}
	s := h.s
	n := s.refcount.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		fatal.Set("refbuf: refcount underflow on drop")
		return
	}

	s.guardFront = guardFree
	s.guardBack = guardFree
	s.freed.Store(true)

	pp := s.payload.Load()
	if pp != nil {
		switch payload := (*pp).(type) {
		case ChildPayload:
			for _, child := range payload.Children {
				Drop(child)
			}
		case RawPayload:
			// Raw payload carries no further refcounted state; it is
			// simply discarded with the slab (the original frees it as
			// a plain malloc'd block).
		}
	}

	liveCount.Add(-1)
	liveBytes.Add(-int64(len(s.body)))
	s.body = nil
}
